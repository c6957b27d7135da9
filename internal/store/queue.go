package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/adpilot/internal/domain"
)

var (
	// ErrMissingIdempotencyKey is returned when an enqueue lacks a key.
	ErrMissingIdempotencyKey = errors.New("pending change requires an idempotency key")
	// ErrInvalidChangeType is returned for unknown change types.
	ErrInvalidChangeType = errors.New("unknown change type")
	// ErrConflictingPayload is returned when an idempotency key is reused
	// with a different payload. The first enqueue stands.
	ErrConflictingPayload = errors.New("idempotency key reused with conflicting payload")
)

const changeColumns = `id, ad_id, account_id, tenant_id, change_type, payload, status,
	attempts, worker_id, earliest_execute_at, claim_deadline, idempotency_key,
	COALESCE(reason, ''), COALESCE(error, ''), created_at, claimed_at, applied_at`

func scanChange(row interface{ Scan(...any) error }) (*domain.PendingAdChange, error) {
	c := &domain.PendingAdChange{}
	err := row.Scan(&c.ID, &c.AdID, &c.AccountID, &c.TenantID, &c.ChangeType, &c.Payload,
		&c.Status, &c.Attempts, &c.WorkerID, &c.EarliestExecuteAt, &c.ClaimDeadline,
		&c.IdempotencyKey, &c.Reason, &c.Error, &c.CreatedAt, &c.ClaimedAt, &c.AppliedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Enqueue durably accepts a change intent. A duplicate idempotency key with
// the same payload is a no-op returning the existing id; with a different
// payload it returns ErrConflictingPayload.
func (s *Store) Enqueue(ctx context.Context, c *domain.PendingAdChange) (int64, error) {
	if c.IdempotencyKey == "" {
		return 0, ErrMissingIdempotencyKey
	}
	if !domain.ValidChangeType(c.ChangeType) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChangeType, c.ChangeType)
	}
	if c.EarliestExecuteAt.IsZero() {
		c.EarliestExecuteAt = time.Now()
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pending_ad_changes
			(ad_id, account_id, tenant_id, change_type, payload, status, earliest_execute_at, idempotency_key, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		c.AdID, c.AccountID, c.TenantID, c.ChangeType, c.Payload,
		c.EarliestExecuteAt, c.IdempotencyKey, c.Reason).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("enqueue change: %w", err)
	}

	// Key already present: the first record stands. Verify the payload
	// matches before treating the enqueue as a no-op.
	existing, err := s.GetChangeByIdempotencyKey(ctx, c.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, fmt.Errorf("enqueue change: key %s vanished", c.IdempotencyKey)
	}
	if !bytes.Equal(normalizeJSON(existing.Payload), normalizeJSON(c.Payload)) || existing.ChangeType != c.ChangeType {
		return 0, fmt.Errorf("%w: key=%s", ErrConflictingPayload, c.IdempotencyKey)
	}
	return existing.ID, nil
}

func normalizeJSON(b []byte) []byte {
	return bytes.Join(bytes.Fields(b), nil)
}

// GetChangeByIdempotencyKey returns the change for a key, nil if absent.
func (s *Store) GetChangeByIdempotencyKey(ctx context.Context, key string) (*domain.PendingAdChange, error) {
	c, err := scanChange(s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM pending_ad_changes WHERE idempotency_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change by key: %w", err)
	}
	return c, nil
}

// GetChange returns one change by id, nil if absent.
func (s *Store) GetChange(ctx context.Context, id int64) (*domain.PendingAdChange, error) {
	c, err := scanChange(s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM pending_ad_changes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change %d: %w", id, err)
	}
	return c, nil
}

// Claim atomically selects up to batchSize due pending rows and marks them
// claimed by workerID. Row locks with SKIP LOCKED guarantee concurrent
// workers never receive overlapping rows. Per-ad enqueue order is preserved:
// a row is only claimable when no earlier non-terminal row exists for the
// same ad.
func (s *Store) Claim(ctx context.Context, workerID string, batchSize int, claimTTL time.Duration) ([]*domain.PendingAdChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT p.id FROM pending_ad_changes p
		WHERE p.status = 'pending'
		  AND p.earliest_execute_at <= NOW()
		  AND NOT EXISTS (
			SELECT 1 FROM pending_ad_changes q
			WHERE q.ad_id = p.ad_id
			  AND q.status IN ('pending', 'claimed')
			  AND (q.created_at, q.id) < (p.created_at, p.id)
		  )
		ORDER BY p.earliest_execute_at, p.id
		LIMIT $1
		FOR UPDATE OF p SKIP LOCKED`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	claimed, err := tx.QueryContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'claimed',
		    worker_id = $2,
		    claimed_at = NOW(),
		    claim_deadline = NOW() + $3 * INTERVAL '1 second'
		WHERE id = ANY($1)
		RETURNING `+changeColumns,
		pq.Array(ids), workerID, int64(claimTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	defer claimed.Close()

	var changes []*domain.PendingAdChange
	for claimed.Next() {
		c, err := scanChange(claimed)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := claimed.Err(); err != nil {
		return nil, err
	}
	return changes, tx.Commit()
}

// MarkApplied transitions a claimed row to applied. The guard on status keeps
// a stale worker (whose claim was reclaimed and re-applied elsewhere) from
// double-recording.
func (s *Store) MarkApplied(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'applied', applied_at = NOW(), error = '', claim_deadline = NULL
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("mark applied %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark applied %d: row not claimed by %s", id, workerID)
	}
	return nil
}

// Requeue sends a claimed row back to pending after a retryable failure,
// recording the error and the next execution time.
func (s *Store) Requeue(ctx context.Context, id int64, errMsg string, earliestExecuteAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'pending',
		    attempts = attempts + 1,
		    worker_id = NULL,
		    claimed_at = NULL,
		    claim_deadline = NULL,
		    error = $2,
		    earliest_execute_at = $3
		WHERE id = $1 AND status = 'claimed'`, id, errMsg, earliestExecuteAt)
	if err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	return nil
}

// MarkDead transitions a row to dead after exhausted attempts or a
// non-retryable platform error.
func (s *Store) MarkDead(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'dead', attempts = attempts + 1, error = $2, claim_deadline = NULL
		WHERE id = $1 AND status IN ('claimed', 'pending')`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark dead %d: %w", id, err)
	}
	return nil
}

// ReclaimStale requeues rows whose worker died mid-claim: claimed with a
// claim_deadline in the past. Returns the number of rows reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'pending', worker_id = NULL, claimed_at = NULL, claim_deadline = NULL,
		    attempts = attempts + 1
		WHERE status = 'claimed'
		  AND claim_deadline < NOW()
		  AND attempts < $1`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeadLetterExhausted moves rows over the attempt limit to dead. Returns ids
// so callers can audit each.
func (s *Store) DeadLetterExhausted(ctx context.Context, maxAttempts int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pending_ad_changes
		SET status = 'dead', error = 'max attempts exhausted', claim_deadline = NULL
		WHERE status IN ('pending', 'claimed')
		  AND attempts >= $1
		RETURNING id`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("dead-letter exhausted: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListChanges returns queue rows for an account, optionally filtered by
// status, newest first.
func (s *Store) ListChanges(ctx context.Context, accountID string, status domain.ChangeStatus, limit int) ([]*domain.PendingAdChange, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + changeColumns + ` FROM pending_ad_changes WHERE account_id = $1`
	args := []any{accountID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes %s: %w", accountID, err)
	}
	defer rows.Close()

	var changes []*domain.PendingAdChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// AppliedBudgetDeltaCents sums the absolute budget movement applied for an
// account within the window. Feeds the budget-velocity guard.
func (s *Store) AppliedBudgetDeltaCents(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ABS(
			(payload->>'new_budget_cents')::bigint - (payload->>'old_budget_cents')::bigint
		)), 0)
		FROM pending_ad_changes
		WHERE account_id = $1
		  AND status = 'applied'
		  AND change_type IN ('budget_increase', 'budget_decrease')
		  AND applied_at > NOW() - $2 * INTERVAL '1 second'`,
		accountID, int64(window.Seconds())).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("applied budget delta %s: %w", accountID, err)
	}
	return sum, nil
}

// AccountBudgetCents returns the total current budget across an account's
// active ads; the denominator of the velocity cap.
func (s *Store) AccountBudgetCents(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(current_budget_cents), 0)
		FROM ads WHERE account_id = $1 AND status IN ('active', 'fatigued')`,
		accountID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("account budget %s: %w", accountID, err)
	}
	return total, nil
}

// PurgeTerminalChanges batch-deletes terminal queue rows older than the
// retention window. Returns rows deleted.
func (s *Store) PurgeTerminalChanges(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_ad_changes
		WHERE id IN (
			SELECT id FROM pending_ad_changes
			WHERE status IN ('applied', 'dead')
			  AND created_at < NOW() - $1 * INTERVAL '1 second'
			LIMIT $2
		)`, int64(olderThan.Seconds()), batch)
	if err != nil {
		return 0, fmt.Errorf("purge terminal changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
