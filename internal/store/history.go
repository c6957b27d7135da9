package store

import (
	"context"
	"fmt"

	"github.com/ignite/adpilot/internal/domain"
)

// InsertHistory appends one audit row for a terminal change transition.
// Rows are never updated or deleted by the application.
func (s *Store) InsertHistory(ctx context.Context, h *domain.ChangeHistory) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO change_history
			(change_id, ad_id, account_id, change_type, status, idempotency_key,
			 attempts, latency_ms, error, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id, recorded_at`,
		h.ChangeID, h.AdID, h.AccountID, h.ChangeType, h.Status, h.IdempotencyKey,
		h.Attempts, h.LatencyMs, h.Error, h.Reason).Scan(&h.ID, &h.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert change history: %w", err)
	}
	return nil
}

// ListHistory returns audit rows for an account, newest first.
func (s *Store) ListHistory(ctx context.Context, accountID string, limit int) ([]*domain.ChangeHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_id, ad_id, account_id, change_type, status, idempotency_key,
		       attempts, latency_ms, COALESCE(error, ''), COALESCE(reason, ''), recorded_at
		FROM change_history
		WHERE account_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*domain.ChangeHistory
	for rows.Next() {
		h := &domain.ChangeHistory{}
		if err := rows.Scan(&h.ID, &h.ChangeID, &h.AdID, &h.AccountID, &h.ChangeType,
			&h.Status, &h.IdempotencyKey, &h.Attempts, &h.LatencyMs, &h.Error,
			&h.Reason, &h.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountAppliedByKey returns how many applied history rows share an
// idempotency key. Used by reconciliation after ambiguous writes.
func (s *Store) CountAppliedByKey(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_history
		WHERE idempotency_key = $1 AND status = 'applied'`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count applied by key: %w", err)
	}
	return n, nil
}
