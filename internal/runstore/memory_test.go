package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestMemoryStore_Runs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &Run{ID: "r1", Model: "m"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	// Creating again keeps the original.
	if err := s.CreateRun(ctx, &Run{ID: "r1", Model: "other"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil || got.Model != "m" || got.Status != RunPending {
		t.Fatalf("GetRun = %+v, %v", got, err)
	}

	got.Status = RunCompleted
	got.TerminationReason = "complete"
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != RunCompleted || !got.Status.Terminal() {
		t.Errorf("status = %s", got.Status)
	}

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if err := s.UpdateRun(ctx, &Run{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMemoryStore_MessagesUpsertAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.AppendMessages(ctx, []*models.Message{
		{ID: "b", RunID: "r", Sequence: 2},
		{ID: "a", RunID: "r", Sequence: 1, Content: models.MessageContent{Text: "draft"}},
	})
	_ = s.AppendMessages(ctx, []*models.Message{{ID: "a", RunID: "r", Sequence: 1, Content: models.MessageContent{Text: "final"}}})

	msgs, _ := s.ListMessages(ctx, "r")
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[0].Content.Text != "final" {
		t.Fatalf("msgs = %+v", msgs)
	}

	_ = s.DeleteMessage(ctx, "r", "a")
	_ = s.DeleteMessage(ctx, "r", "missing")
	msgs, _ = s.ListMessages(ctx, "r")
	if len(msgs) != 1 {
		t.Errorf("len = %d", len(msgs))
	}
}

func TestMemoryStore_Phases(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := IdempotencyKey{RunID: "r", Step: 1, Phase: PhaseStream}
	now := time.Now()

	if err := s.BeginPhase(ctx, key, "a", now); err != nil {
		t.Fatal(err)
	}
	// A restarted owner takes over a started phase.
	if err := s.BeginPhase(ctx, key, "b", now); err != nil {
		t.Fatal(err)
	}
	if err := s.CompletePhase(ctx, key, []byte(`{"ok":true}`), now); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginPhase(ctx, key, "c", now); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
	rec, err := s.GetPhase(ctx, key)
	if err != nil || !rec.Completed() || rec.OwnerID != "b" || string(rec.Result) != `{"ok":true}` {
		t.Fatalf("rec = %+v, %v", rec, err)
	}

	// Not purged while the run is active.
	_ = s.CreateRun(ctx, &Run{ID: "r", Status: RunRunning})
	if n, _ := s.PurgePhases(ctx, now.Add(time.Hour)); n != 0 {
		t.Errorf("purged %d records of an active run", n)
	}
	_ = s.UpdateRun(ctx, &Run{ID: "r", Status: RunCompleted})
	if n, _ := s.PurgePhases(ctx, now.Add(time.Hour)); n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestMemoryStore_ReapExpiredLeases(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_, _ = s.AcquireLease(ctx, "old", "a", now.Add(-time.Hour), time.Minute)
	_, _ = s.AcquireLease(ctx, "live", "a", now, time.Minute)

	n, err := s.ReapExpiredLeases(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("reaped = %d, %v", n, err)
	}
	if _, ok := s.Lease("live"); !ok {
		t.Error("live lease was reaped")
	}
}

func TestMemoryStore_UsageIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &UsageRecord{ID: "u1", RunID: "r", Step: 1, PromptTokens: 10}
	_ = s.RecordUsage(ctx, rec)
	_ = s.RecordUsage(ctx, rec)
	_ = s.RecordUsage(ctx, &UsageRecord{ID: "u0", RunID: "r", Step: 0})

	list, _ := s.ListUsage(ctx, "r")
	if len(list) != 2 || list[0].ID != "u0" {
		t.Fatalf("usage = %+v", list)
	}
}

type failingUsage struct{ err error }

func (f failingUsage) RecordUsage(context.Context, *UsageRecord) error           { return f.err }
func (f failingUsage) ListUsage(context.Context, string) ([]*UsageRecord, error) { return nil, nil }

func TestSpool_Drain(t *testing.T) {
	spool := NewSpool()
	ctx := context.Background()
	_ = spool.RecordUsage(ctx, &UsageRecord{ID: "u1", RunID: "r"})
	_ = spool.RecordUsage(ctx, &UsageRecord{ID: "u1", RunID: "r"})
	_ = spool.RecordUsage(ctx, &UsageRecord{ID: "u2", RunID: "r"})

	if spool.Len() != 2 {
		t.Fatalf("len = %d", spool.Len())
	}

	n, err := spool.Drain(ctx, failingUsage{err: errors.New("down")})
	if err == nil || n != 0 || spool.Len() != 2 {
		t.Fatalf("failed drain = %d, %v, len %d", n, err, spool.Len())
	}

	dst := NewMemoryStore()
	n, err = spool.Drain(ctx, dst)
	if err != nil || n != 2 || spool.Len() != 0 {
		t.Fatalf("drain = %d, %v", n, err)
	}
	list, _ := dst.ListUsage(ctx, "r")
	if len(list) != 2 {
		t.Errorf("drained = %d", len(list))
	}
}

func TestReaper_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_, _ = s.AcquireLease(ctx, "old", "a", now.Add(-time.Hour), time.Minute)
	_ = s.CreateRun(ctx, &Run{ID: "done", Status: RunCompleted})
	key := IdempotencyKey{RunID: "done", Step: 1, Phase: PhaseCommit}
	_ = s.BeginPhase(ctx, key, "a", now.Add(-48*time.Hour))
	_ = s.CompletePhase(ctx, key, nil, now.Add(-48*time.Hour))

	r, err := NewReaper(s, ReaperConfig{Schedule: "*/5 * * * *", IdempotencyTTL: 24 * time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.LeasesReaped != 1 || res.PhasesPurged != 1 {
		t.Errorf("sweep = %+v", res)
	}

	base := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	if next := r.Next(base); !next.Equal(time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
}

func TestReaper_InvalidSchedule(t *testing.T) {
	if _, err := NewReaper(NewMemoryStore(), ReaperConfig{Schedule: "not a cron"}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestReaper_StartStop(t *testing.T) {
	r, err := NewReaper(NewMemoryStore(), ReaperConfig{Schedule: "@every 1h"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}
