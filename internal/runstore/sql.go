package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// SQLStore implements Store on postgres or sqlite. Timestamps are stored as
// unix milliseconds so the same statements run on both.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database. Run Migrator.Up before use.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SQLStore{db: db}, nil
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateRun inserts the run unless it already exists.
func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, model, status, step, termination_reason, error_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.ThreadID, run.Model, string(run.Status), run.Step, run.TerminationReason, run.ErrorCode,
		millis(run.CreatedAt), millis(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var status string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, model, status, step, termination_reason, error_code, created_at, updated_at
		FROM runs WHERE id = $1
	`, id).Scan(&run.ID, &run.ThreadID, &run.Model, &status, &run.Step, &run.TerminationReason, &run.ErrorCode, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = RunStatus(status)
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}

// UpdateRun saves the mutable fields of a run.
func (s *SQLStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, step = $2, termination_reason = $3, error_code = $4, updated_at = $5
		WHERE id = $6
	`, string(run.Status), run.Step, run.TerminationReason, run.ErrorCode, millis(run.UpdatedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// AppendMessages upserts msgs in one transaction.
func (s *SQLStore) AppendMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, m := range msgs {
		content, err := m.MarshalContent()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to marshal content: %w", err)
		}
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_messages (id, run_id, thread_id, type, content, metadata, sequence, visible, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE
			SET content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				sequence = EXCLUDED.sequence,
				visible = EXCLUDED.visible,
				updated_at = EXCLUDED.updated_at
		`, m.ID, m.RunID, m.ThreadID, string(m.Type), string(content), string(metadata), m.Sequence, m.Visible,
			millis(m.CreatedAt), millis(m.UpdatedAt))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to append message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// DeleteMessage removes a message. Missing ids are ignored.
func (s *SQLStore) DeleteMessage(ctx context.Context, runID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_messages WHERE run_id = $1 AND id = $2`, runID, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ListMessages returns a run's messages ordered by sequence.
func (s *SQLStore) ListMessages(ctx context.Context, runID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, thread_id, type, content, metadata, sequence, visible, created_at, updated_at
		FROM run_messages WHERE run_id = $1
		ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var typ, content, metadata string
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.RunID, &m.ThreadID, &typ, &content, &metadata, &m.Sequence, &m.Visible, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Type = models.MessageType(typ)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content of %s: %w", m.ID, err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", m.ID, err)
			}
		}
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updated)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// AcquireLease grants the lease when free, expired or already ours.
func (s *SQLStore) AcquireLease(ctx context.Context, runID, ownerID string, now time.Time, ttl time.Duration) (*Lease, error) {
	expiresAt := now.Add(ttl)
	var owner string
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO run_leases (run_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE run_leases.expires_at < $3 OR run_leases.owner_id = EXCLUDED.owner_id
		RETURNING owner_id, acquired_at, expires_at
	`, runID, ownerID, millis(now), millis(expiresAt)).Scan(&owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if owner != ownerID {
		return nil, ErrLeaseHeld
	}
	return &Lease{RunID: runID, OwnerID: owner, AcquiredAt: fromMillis(acquired), ExpiresAt: fromMillis(expires)}, nil
}

// RenewLease extends a lease held by ownerID.
func (s *SQLStore) RenewLease(ctx context.Context, runID, ownerID string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE run_leases
		SET expires_at = $1
		WHERE run_id = $2 AND owner_id = $3
	`, millis(expiresAt), runID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if rows == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// ReleaseLease deletes a lease held by ownerID.
func (s *SQLStore) ReleaseLease(ctx context.Context, runID, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM run_leases
		WHERE run_id = $1 AND owner_id = $2
	`, runID, ownerID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ReapExpiredLeases deletes leases that expired before now.
func (s *SQLStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE expires_at < $1`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to reap leases: %w", err)
	}
	return result.RowsAffected()
}

// BeginPhase records a phase start unless it already completed.
func (s *SQLStore) BeginPhase(ctx context.Context, key IdempotencyKey, ownerID string, now time.Time) error {
	var status string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (run_id, step, phase, owner_id, status, result, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, 0)
		ON CONFLICT (run_id, step, phase) DO UPDATE
		SET owner_id = EXCLUDED.owner_id
		WHERE idempotency_records.status <> $7
		RETURNING status
	`, key.RunID, key.Step, string(key.Phase), ownerID, IdempotencyStarted, millis(now), IdempotencyCompleted).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyCompleted
	}
	if err != nil {
		return fmt.Errorf("failed to begin %s: %w", key, err)
	}
	return nil
}

// CompletePhase marks a phase completed with its result.
func (s *SQLStore) CompletePhase(ctx context.Context, key IdempotencyKey, result []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $1, result = $2, completed_at = $3
		WHERE run_id = $4 AND step = $5 AND phase = $6
	`, IdempotencyCompleted, string(result), millis(now), key.RunID, key.Step, string(key.Phase))
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

// GetPhase loads an idempotency record.
func (s *SQLStore) GetPhase(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error) {
	rec := IdempotencyRecord{Key: key}
	var result string
	var created, completed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, status, result, created_at, completed_at
		FROM idempotency_records
		WHERE run_id = $1 AND step = $2 AND phase = $3
	`, key.RunID, key.Step, string(key.Phase)).Scan(&rec.OwnerID, &rec.Status, &result, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if result != "" {
		rec.Result = []byte(result)
	}
	rec.CreatedAt = fromMillis(created)
	rec.CompletedAt = fromMillis(completed)
	return &rec, nil
}

// PurgePhases deletes completed records of terminal runs older than before.
func (s *SQLStore) PurgePhases(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE status = $1 AND completed_at < $2
		AND run_id IN (SELECT id FROM runs WHERE status IN ($3, $4, $5))
	`, IdempotencyCompleted, millis(before), string(RunCompleted), string(RunFailed), string(RunCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return result.RowsAffected()
}

// RecordUsage inserts a usage record. Repeated ids are ignored.
func (s *SQLStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, run_id, step, model, prompt_tokens, completion_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.RunID, rec.Step, rec.Model, rec.PromptTokens, rec.CompletionTokens, millis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ListUsage returns a run's usage records ordered by step.
func (s *SQLStore) ListUsage(ctx context.Context, runID string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step, model, prompt_tokens, completion_tokens, created_at
		FROM usage_records WHERE run_id = $1
		ORDER BY step ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var created int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Step, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens, &created); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return out, nil
}
