// Package runstore persists everything a run needs to survive a worker
// crash: run records, ordered messages, ownership leases, per-phase
// idempotency records and usage records.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseHeld indicates another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseNotHeld indicates the caller no longer owns the lease.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrAlreadyCompleted indicates the (run, step, phase) was already completed.
	ErrAlreadyCompleted = errors.New("phase already completed")
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run will not be resumed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run is the durable record of one run.
type Run struct {
	ID                string
	ThreadID          string
	Model             string
	Status            RunStatus
	Step              int
	TerminationReason string
	ErrorCode         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Lease is exclusive, time-bounded ownership of a run.
type Lease struct {
	RunID      string
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease lapsed before now.
func (l *Lease) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// Phase is a checkpointed part of a step.
type Phase string

const (
	PhaseStream Phase = "stream"
	PhaseTools  Phase = "tools"
	PhaseCommit Phase = "commit"
)

// IdempotencyKey identifies one phase of one step of a run.
type IdempotencyKey struct {
	RunID string
	Step  int
	Phase Phase
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.RunID, k.Step, k.Phase)
}

// Idempotency record states.
const (
	IdempotencyStarted   = "started"
	IdempotencyCompleted = "completed"
)

// IdempotencyRecord stores the state and result of a phase.
type IdempotencyRecord struct {
	Key         IdempotencyKey
	OwnerID     string
	Status      string
	Result      []byte
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Completed reports whether the phase finished.
func (r *IdempotencyRecord) Completed() bool {
	return r != nil && r.Status == IdempotencyCompleted
}

// UsageRecord is the token accounting of one step.
type UsageRecord struct {
	ID               string
	RunID            string
	Step             int
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// RunStore persists run records.
type RunStore interface {
	// CreateRun inserts the run if it does not exist yet.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
}

// MessageStore persists run messages.
type MessageStore interface {
	// AppendMessages writes msgs atomically. Existing ids are replaced.
	AppendMessages(ctx context.Context, msgs []*models.Message) error
	DeleteMessage(ctx context.Context, runID, id string) error
	ListMessages(ctx context.Context, runID string) ([]*models.Message, error)
}

// LeaseStore persists ownership leases.
type LeaseStore interface {
	// AcquireLease grants the lease when it is free, expired or already
	// owned by ownerID. Otherwise it returns ErrLeaseHeld.
	AcquireLease(ctx context.Context, runID, ownerID string, now time.Time, ttl time.Duration) (*Lease, error)

	// RenewLease extends a lease the caller owns, or returns ErrLeaseNotHeld.
	RenewLease(ctx context.Context, runID, ownerID string, expiresAt time.Time) error

	ReleaseLease(ctx context.Context, runID, ownerID string) error

	// ReapExpiredLeases deletes leases that expired before now.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyStore persists per-phase checkpoints.
type IdempotencyStore interface {
	// BeginPhase records the phase as started by ownerID. It returns
	// ErrAlreadyCompleted when the phase already finished. A started phase
	// left behind by a previous owner is taken over.
	BeginPhase(ctx context.Context, key IdempotencyKey, ownerID string, now time.Time) error

	// CompletePhase marks a started phase completed and stores its result.
	CompletePhase(ctx context.Context, key IdempotencyKey, result []byte, now time.Time) error

	GetPhase(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error)

	// PurgePhases removes completed records of terminal runs older than before.
	PurgePhases(ctx context.Context, before time.Time) (int64, error)
}

// UsageStore persists usage records. Recording the same id twice is a no-op.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	ListUsage(ctx context.Context, runID string) ([]*UsageRecord, error)
}

// Store is the full persistence surface of the run engine.
type Store interface {
	RunStore
	MessageStore
	LeaseStore
	IdempotencyStore
	UsageStore
	Close() error
}
