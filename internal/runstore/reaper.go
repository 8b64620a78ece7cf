package runstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentrun/internal/observability"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ReaperStore is the subset of Store the reaper sweeps.
type ReaperStore interface {
	ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	PurgePhases(ctx context.Context, before time.Time) (int64, error)
}

// ReaperConfig configures the sweeper.
type ReaperConfig struct {
	// Schedule is a cron expression. Defaults to every minute.
	Schedule string

	// IdempotencyTTL is how long completed phase records of terminal runs
	// are kept. Zero keeps them forever.
	IdempotencyTTL time.Duration
}

// SweepResult reports one sweep.
type SweepResult struct {
	LeasesReaped int64
	PhasesPurged int64
}

// Reaper deletes expired leases and stale idempotency records on a schedule.
type Reaper struct {
	store    ReaperStore
	config   ReaperConfig
	schedule cron.Schedule
	logger   *observability.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper validates the schedule and creates a reaper.
func NewReaper(store ReaperStore, cfg ReaperConfig, logger *observability.Logger) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 1m"
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &Reaper{store: store, config: cfg, schedule: schedule, logger: logger, now: time.Now}, nil
}

// Sweep runs one pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	n, err := r.store.ReapExpiredLeases(ctx, now)
	if err != nil {
		return res, err
	}
	res.LeasesReaped = n

	if r.config.IdempotencyTTL > 0 {
		n, err := r.store.PurgePhases(ctx, now.Add(-r.config.IdempotencyTTL))
		if err != nil {
			return res, err
		}
		res.PhasesPurged = n
	}
	return res, nil
}

// Next returns the next scheduled sweep after t.
func (r *Reaper) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Start schedules sweeps until Stop.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	r.cron = cron.New(cron.WithParser(cronParser))
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		res, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error(ctx, "sweep failed", "error", err)
			return
		}
		if res.LeasesReaped > 0 || res.PhasesPurged > 0 {
			r.logger.Info(ctx, "sweep completed", "leases_reaped", res.LeasesReaped, "phases_purged", res.PhasesPurged)
		}
	}))
	r.cron.Start()
}

// Stop halts scheduling and waits for a running sweep.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
