package runstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/internal/observability"
)

// ErrLeaseTimeout indicates Acquire gave up waiting for a held lease.
var ErrLeaseTimeout = errors.New("timed out waiting for lease")

// LeaseConfig configures run ownership leases.
type LeaseConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultLeaseConfig returns default lease settings.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// LeaseOption configures a LeaseManager.
type LeaseOption func(*LeaseManager)

// WithLeaseMetrics records lease events.
func WithLeaseMetrics(m *observability.Metrics) LeaseOption {
	return func(lm *LeaseManager) { lm.metrics = m }
}

// WithLeaseLogger sets the logger.
func WithLeaseLogger(l *observability.Logger) LeaseOption {
	return func(lm *LeaseManager) { lm.logger = l }
}

// WithLeaseClock overrides the clock.
func WithLeaseClock(now func() time.Time) LeaseOption {
	return func(lm *LeaseManager) { lm.now = now }
}

// LeaseManager acquires run leases and keeps them alive with a heartbeat.
type LeaseManager struct {
	store   LeaseStore
	config  LeaseConfig
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time

	mu     sync.Mutex
	held   map[string]*HeldLease
	closed bool
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(store LeaseStore, cfg LeaseConfig, opts ...LeaseOption) (*LeaseManager, error) {
	if store == nil {
		return nil, errors.New("lease store is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultLeaseConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	m := &LeaseManager{
		store:  store,
		config: cfg,
		now:    time.Now,
		held:   make(map[string]*HeldLease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OwnerID returns the identity leases are taken under.
func (m *LeaseManager) OwnerID() string {
	return m.config.OwnerID
}

// TryAcquire makes a single attempt. It returns ErrLeaseHeld when another
// owner holds an unexpired lease.
func (m *LeaseManager) TryAcquire(ctx context.Context, runID string) (*HeldLease, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run_id is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("lease manager closed")
	}
	m.mu.Unlock()

	lease, err := m.store.AcquireLease(ctx, runID, m.config.OwnerID, m.now(), m.config.TTL)
	if errors.Is(err, ErrLeaseHeld) {
		m.metrics.RecordLease("held")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	m.metrics.RecordLease("acquired")
	return m.startRenew(lease), nil
}

// Acquire polls until the lease is granted or AcquireTimeout elapses.
func (m *LeaseManager) Acquire(ctx context.Context, runID string) (*HeldLease, error) {
	deadline := m.now().Add(m.config.AcquireTimeout)
	for {
		held, err := m.TryAcquire(ctx, runID)
		if err == nil {
			return held, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return nil, err
		}
		if m.now().After(deadline) {
			return nil, ErrLeaseTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.config.PollInterval):
		}
	}
}

// Close stops every heartbeat. Leases are left to expire.
func (m *LeaseManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	held := m.held
	m.held = make(map[string]*HeldLease)
	m.mu.Unlock()

	for _, h := range held {
		h.stop()
	}
	return nil
}

func (m *LeaseManager) startRenew(lease *Lease) *HeldLease {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HeldLease{
		m:      m,
		lease:  *lease,
		cancel: cancel,
		lost:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if prev, ok := m.held[lease.RunID]; ok {
		// Re-acquired by the same owner: the new handle takes over renewal.
		prev.stop()
	}
	m.held[lease.RunID] = h
	m.mu.Unlock()

	go h.renewLoop(ctx)
	return h
}

func (m *LeaseManager) forget(h *HeldLease) {
	m.mu.Lock()
	if m.held[h.lease.RunID] == h {
		delete(m.held, h.lease.RunID)
	}
	m.mu.Unlock()
}

// HeldLease is a lease owned by this process.
type HeldLease struct {
	m      *LeaseManager
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lease    Lease
	lost     chan struct{}
	lostOnce sync.Once
	released bool
}

// Lease returns a copy of the current lease.
func (h *HeldLease) Lease() Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Lost is closed when the heartbeat can no longer keep the lease.
func (h *HeldLease) Lost() <-chan struct{} {
	return h.lost
}

// Release stops the heartbeat and deletes the lease.
func (h *HeldLease) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.stop()
	h.m.forget(h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.store.ReleaseLease(ctx, h.lease.RunID, h.m.config.OwnerID); err != nil {
		// The lease expires via TTL.
		h.m.logger.Warn(ctx, "lease release failed", "run_id", h.lease.RunID, "error", err)
		return
	}
	h.m.metrics.RecordLease("released")
}

func (h *HeldLease) stop() {
	h.cancel()
	<-h.done
}

func (h *HeldLease) markLost(reason error) {
	h.lostOnce.Do(func() {
		close(h.lost)
		h.m.metrics.RecordLease("lost")
		h.m.logger.Warn(context.Background(), "lease lost", "run_id", h.lease.RunID, "error", reason)
	})
}

func (h *HeldLease) renewLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.extendLease(ctx) {
				return
			}
		}
	}
}

// extendLease renews the lease and reports whether the loop should continue.
// A transient error is retried on the next tick while the lease is still valid.
func (h *HeldLease) extendLease(ctx context.Context) bool {
	now := h.m.now()
	expiresAt := now.Add(h.m.config.TTL)
	err := h.m.store.RenewLease(ctx, h.lease.RunID, h.m.config.OwnerID, expiresAt)
	switch {
	case err == nil:
		h.mu.Lock()
		h.lease.ExpiresAt = expiresAt
		h.mu.Unlock()
		h.m.metrics.RecordLease("renewed")
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrLeaseNotHeld):
		h.markLost(err)
		return false
	}

	h.mu.Lock()
	expired := h.lease.Expired(now)
	h.mu.Unlock()
	if expired {
		h.markLost(err)
		return false
	}
	h.m.logger.Warn(ctx, "lease renewal failed, retrying", "run_id", h.lease.RunID, "error", err)
	return true
}
