package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

const defaultPolicyDebounce = 250 * time.Millisecond

// PolicyWatcher reloads a policy file when it changes and swaps the result
// into a policy.Store. A file that fails to load leaves the active policy in
// place.
type PolicyWatcher struct {
	path     string
	store    *policy.Store
	logger   *observability.Logger
	debounce time.Duration
	onReload func(error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PolicyWatcherOption configures a PolicyWatcher.
type PolicyWatcherOption func(*PolicyWatcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) PolicyWatcherOption {
	return func(w *PolicyWatcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *observability.Logger) PolicyWatcherOption {
	return func(w *PolicyWatcher) { w.logger = l }
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(error)) PolicyWatcherOption {
	return func(w *PolicyWatcher) { w.onReload = fn }
}

// NewPolicyWatcher creates a watcher for path.
func NewPolicyWatcher(path string, store *policy.Store, opts ...PolicyWatcherOption) *PolicyWatcher {
	w := &PolicyWatcher{path: path, store: store, debounce: defaultPolicyDebounce}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the policy file and replaces the active policy.
func (w *PolicyWatcher) Reload(ctx context.Context) error {
	cfg, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Warn(ctx, "policy reload failed, keeping active policy", "path", w.path, "error", err)
	} else {
		w.store.Replace(cfg)
		w.logger.Info(ctx, "policy reloaded", "path", w.path, "agents", len(cfg.Agents), "deny", len(cfg.Deny))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
	return err
}

// Start loads the file once and watches its directory. Editors that replace
// the file by rename are handled because the directory, not the file, is
// watched.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("policy watcher already started")
	}
	if err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

func (w *PolicyWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				_ = w.Reload(ctx)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "policy watch error", "error", err)
		}
	}
}

// Close stops watching.
func (w *PolicyWatcher) Close() error {
	w.mu.Lock()
	cancel, watcher := w.cancel, w.watcher
	w.cancel, w.watcher = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}
