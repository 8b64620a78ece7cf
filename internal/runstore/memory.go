package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// MemoryStore implements Store in process memory. It is used by tests and
// by single-process runs that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	messages map[string]map[string]*models.Message
	leases   map[string]*Lease
	phases   map[IdempotencyKey]*IdempotencyRecord
	usage    map[string]*UsageRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		messages: make(map[string]map[string]*models.Message),
		leases:   make(map[string]*Lease),
		phases:   make(map[IdempotencyKey]*IdempotencyRecord),
		usage:    make(map[string]*UsageRecord),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	clone := *run
	return &clone, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	run.UpdatedAt = time.Now()
	run.CreatedAt = existing.CreatedAt
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, msgs []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		byID := s.messages[m.RunID]
		if byID == nil {
			byID = make(map[string]*models.Message)
			s.messages[m.RunID] = byID
		}
		byID[m.ID] = m.Clone()
	}
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, runID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages[runID], id)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, runID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0, len(s.messages[runID]))
	for _, m := range s.messages[runID] {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, runID, ownerID string, now time.Time, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[runID]; ok && l.OwnerID != ownerID && !l.Expired(now) {
		return nil, ErrLeaseHeld
	}
	l := &Lease{RunID: runID, OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.leases[runID] = l
	clone := *l
	return &clone, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, runID, ownerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[runID]
	if !ok || l.OwnerID != ownerID {
		return ErrLeaseNotHeld
	}
	l.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, runID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[runID]; ok && l.OwnerID == ownerID {
		delete(s.leases, runID)
	}
	return nil
}

func (s *MemoryStore) ReapExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.leases {
		if l.ExpiresAt.Before(now) {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}

// Lease returns the current lease of a run, if any.
func (s *MemoryStore) Lease(runID string) (*Lease, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[runID]
	if !ok {
		return nil, false
	}
	clone := *l
	return &clone, true
}

func (s *MemoryStore) BeginPhase(_ context.Context, key IdempotencyKey, ownerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.phases[key]; ok {
		if rec.Completed() {
			return ErrAlreadyCompleted
		}
		rec.OwnerID = ownerID
		return nil
	}
	s.phases[key] = &IdempotencyRecord{Key: key, OwnerID: ownerID, Status: IdempotencyStarted, CreatedAt: now}
	return nil
}

func (s *MemoryStore) CompletePhase(_ context.Context, key IdempotencyKey, result []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.phases[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	rec.Status = IdempotencyCompleted
	rec.Result = append([]byte(nil), result...)
	rec.CompletedAt = now
	return nil
}

func (s *MemoryStore) GetPhase(_ context.Context, key IdempotencyKey) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.phases[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) PurgePhases(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.phases {
		run, ok := s.runs[key.RunID]
		if !ok || !run.Status.Terminal() || !rec.Completed() || !rec.CompletedAt.Before(before) {
			continue
		}
		delete(s.phases, key)
		n++
	}
	return n, nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usage[rec.ID]; ok {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	clone := *rec
	s.usage[rec.ID] = &clone
	return nil
}

func (s *MemoryStore) ListUsage(_ context.Context, runID string) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UsageRecord
	for _, rec := range s.usage {
		if rec.RunID == runID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLStore)(nil)
