package runstore

import (
	"context"
	"errors"
	"sync"
)

// Spool is a fallback UsageStore that holds records in memory until they can
// be drained into the primary store.
type Spool struct {
	mu      sync.Mutex
	pending []*UsageRecord
	seen    map[string]bool
}

// NewSpool creates an empty spool.
func NewSpool() *Spool {
	return &Spool{seen: make(map[string]bool)}
}

// RecordUsage queues rec. Repeated ids are ignored.
func (s *Spool) RecordUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[rec.ID] {
		return nil
	}
	s.seen[rec.ID] = true
	clone := *rec
	s.pending = append(s.pending, &clone)
	return nil
}

// ListUsage returns queued records of a run.
func (s *Spool) ListUsage(_ context.Context, runID string) ([]*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UsageRecord
	for _, rec := range s.pending {
		if rec.RunID == runID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

// Len returns the number of queued records.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain moves queued records into dst. Records that fail stay queued.
func (s *Spool) Drain(ctx context.Context, dst UsageStore) (int, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var errs []error
	var kept []*UsageRecord
	drained := 0
	for _, rec := range pending {
		if err := dst.RecordUsage(ctx, rec); err != nil {
			errs = append(errs, err)
			kept = append(kept, rec)
			continue
		}
		drained++
	}

	if len(kept) > 0 {
		s.mu.Lock()
		s.pending = append(kept, s.pending...)
		s.mu.Unlock()
	}
	return drained, errors.Join(errs...)
}
