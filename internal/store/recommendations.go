package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/adpilot/internal/domain"
)

// SaveRecommendations stores one cycle's decisions for an account. The
// components JSON makes every budget move explainable without replay.
func (s *Store) SaveRecommendations(ctx context.Context, recs []*domain.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save recommendations: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recommendations
			(ad_id, account_id, cycle_id, action, recommended_budget_cents,
			 current_budget_cents, confidence, reason, components, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`)
	if err != nil {
		return fmt.Errorf("prepare save recommendations: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		components, err := json.Marshal(r.Components)
		if err != nil {
			return fmt.Errorf("encode components %s: %w", r.AdID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.AdID, r.AccountID, r.CycleID, r.Action,
			r.RecommendedCents, r.CurrentCents, r.Confidence, r.Reason, components); err != nil {
			return fmt.Errorf("save recommendation %s: %w", r.AdID, err)
		}
	}
	return tx.Commit()
}

// ListLatestRecommendations returns the most recent cycle's recommendations
// for an account.
func (s *Store) ListLatestRecommendations(ctx context.Context, accountID string) ([]*domain.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ad_id, account_id, cycle_id, action, recommended_budget_cents,
		       current_budget_cents, confidence, reason, components, created_at
		FROM recommendations
		WHERE account_id = $1
		  AND cycle_id = (
			SELECT cycle_id FROM recommendations
			WHERE account_id = $1
			ORDER BY created_at DESC LIMIT 1
		  )
		ORDER BY recommended_budget_cents DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*domain.Recommendation
	for rows.Next() {
		r := &domain.Recommendation{}
		var components []byte
		if err := rows.Scan(&r.AdID, &r.AccountID, &r.CycleID, &r.Action, &r.RecommendedCents,
			&r.CurrentCents, &r.Confidence, &r.Reason, &components, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(components, &r.Components); err != nil {
			return nil, fmt.Errorf("decode components %s: %w", r.AdID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveTenants returns every tenant that currently has ad states;
// the scheduler cycles over these.
func (s *Store) ListActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM ad_states ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
