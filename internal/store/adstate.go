package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/adpilot/internal/domain"
)

const adStateColumns = `ad_id, account_id, tenant_id, impressions, clicks, spend_cents,
	observed_revenue_cents, synthetic_revenue_cents, alpha, beta, below_kill_streak,
	first_seen_at, updated_at`

func scanAdState(row interface{ Scan(...any) error }) (*domain.AdState, error) {
	st := &domain.AdState{}
	err := row.Scan(&st.AdID, &st.AccountID, &st.TenantID, &st.Impressions, &st.Clicks,
		&st.SpendCents, &st.ObservedRevCents, &st.SyntheticCents, &st.Alpha, &st.Beta,
		&st.BelowKillStreak, &st.FirstSeenAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// EnsureAdState creates the state row for an ad on first sight. Posterior
// starts at the uniform Beta(1,1) prior. Existing rows are untouched.
func (s *Store) EnsureAdState(ctx context.Context, adID, accountID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ad_states (ad_id, account_id, tenant_id, alpha, beta, first_seen_at, updated_at)
		VALUES ($1, $2, $3, 1, 1, NOW(), NOW())
		ON CONFLICT (ad_id) DO NOTHING`, adID, accountID, tenantID)
	if err != nil {
		return fmt.Errorf("ensure ad state %s: %w", adID, err)
	}
	return nil
}

// GetAdState returns the state for one ad, nil if unknown.
func (s *Store) GetAdState(ctx context.Context, adID string) (*domain.AdState, error) {
	st, err := scanAdState(s.db.QueryRowContext(ctx,
		`SELECT `+adStateColumns+` FROM ad_states WHERE ad_id = $1`, adID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ad state %s: %w", adID, err)
	}
	return st, nil
}

// SnapshotTenantStates loads all ad states for a tenant inside one
// repeatable-read transaction so a decision cycle sees a consistent view.
func (s *Store) SnapshotTenantStates(ctx context.Context, tenantID string) ([]*domain.AdState, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+adStateColumns+` FROM ad_states WHERE tenant_id = $1 ORDER BY ad_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("snapshot tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var states []*domain.AdState
	for rows.Next() {
		st, err := scanAdState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, tx.Commit()
}

// ApplyMetricDelta accumulates platform metric deltas onto an ad's counters.
// Negative deltas are clamped to zero movement: impressions, clicks, and
// spend never decrease.
func (s *Store) ApplyMetricDelta(ctx context.Context, adID string, impressions, clicks, spendCents int64, observedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ad_states SET
			impressions = impressions + GREATEST($2, 0),
			clicks = clicks + GREATEST($3, 0),
			spend_cents = spend_cents + GREATEST($4, 0),
			updated_at = GREATEST(updated_at, $5)
		WHERE ad_id = $1`, adID, impressions, clicks, spendCents, observedAt)
	if err != nil {
		return fmt.Errorf("apply metric delta %s: %w", adID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("apply metric delta %s: unknown ad", adID)
	}
	return nil
}

// AddSyntheticRevenue credits imputed pipeline revenue to an ad.
func (s *Store) AddSyntheticRevenue(ctx context.Context, adID string, deltaCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ad_states SET synthetic_revenue_cents = synthetic_revenue_cents + $2, updated_at = NOW()
		WHERE ad_id = $1`, adID, deltaCents)
	if err != nil {
		return fmt.Errorf("add synthetic revenue %s: %w", adID, err)
	}
	return nil
}

// AddObservedRevenue credits closed-deal revenue to an ad.
func (s *Store) AddObservedRevenue(ctx context.Context, adID string, deltaCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ad_states SET observed_revenue_cents = observed_revenue_cents + $2, updated_at = NOW()
		WHERE ad_id = $1`, adID, deltaCents)
	if err != nil {
		return fmt.Errorf("add observed revenue %s: %w", adID, err)
	}
	return nil
}

// UpdatePosterior adds the feedback weights to the Beta posterior. Floors at
// (1,1) so the posterior never degenerates.
func (s *Store) UpdatePosterior(ctx context.Context, adID string, dAlpha, dBeta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ad_states SET
			alpha = GREATEST(alpha + $2, 1),
			beta = GREATEST(beta + $3, 1),
			updated_at = NOW()
		WHERE ad_id = $1`, adID, dAlpha, dBeta)
	if err != nil {
		return fmt.Errorf("update posterior %s: %w", adID, err)
	}
	return nil
}

// SetBelowKillStreak records consecutive below-threshold evaluations.
func (s *Store) SetBelowKillStreak(ctx context.Context, adID string, streak int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ad_states SET below_kill_streak = $2, updated_at = NOW() WHERE ad_id = $1`,
		adID, streak)
	if err != nil {
		return fmt.Errorf("set kill streak %s: %w", adID, err)
	}
	return nil
}

// GetAd returns the shadow copy of one ad, nil if unknown.
func (s *Store) GetAd(ctx context.Context, adID string) (*domain.Ad, error) {
	ad := &domain.Ad{}
	err := s.db.QueryRowContext(ctx, `
		SELECT ad_id, account_id, campaign_id, status, current_budget_cents, created_at
		FROM ads WHERE ad_id = $1`, adID).Scan(
		&ad.AdID, &ad.AccountID, &ad.CampaignID, &ad.Status, &ad.BudgetCents, &ad.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ad %s: %w", adID, err)
	}
	return ad, nil
}

// UpsertAd refreshes the shadow copy from the platform.
func (s *Store) UpsertAd(ctx context.Context, ad *domain.Ad) error {
	if ad.Status == "" {
		ad.Status = domain.AdActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ads (ad_id, account_id, campaign_id, status, current_budget_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ad_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_budget_cents = EXCLUDED.current_budget_cents`,
		ad.AdID, ad.AccountID, ad.CampaignID, ad.Status, ad.BudgetCents, ad.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ad %s: %w", ad.AdID, err)
	}
	return nil
}

// ListAdsByAccount returns the shadow ads for an account.
func (s *Store) ListAdsByAccount(ctx context.Context, accountID string) ([]*domain.Ad, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ad_id, account_id, campaign_id, status, current_budget_cents, created_at
		FROM ads WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list ads %s: %w", accountID, err)
	}
	defer rows.Close()

	var ads []*domain.Ad
	for rows.Next() {
		ad := &domain.Ad{}
		if err := rows.Scan(&ad.AdID, &ad.AccountID, &ad.CampaignID, &ad.Status, &ad.BudgetCents, &ad.CreatedAt); err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

// SetAdStatus transitions the shadow ad's status.
func (s *Store) SetAdStatus(ctx context.Context, adID string, status domain.AdStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ads SET status = $2 WHERE ad_id = $1`, adID, status)
	if err != nil {
		return fmt.Errorf("set ad status %s: %w", adID, err)
	}
	return nil
}

// SetAdBudget updates the shadow budget after a successful platform apply.
func (s *Store) SetAdBudget(ctx context.Context, adID string, budgetCents int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ads SET current_budget_cents = $2 WHERE ad_id = $1`, adID, budgetCents)
	if err != nil {
		return fmt.Errorf("set ad budget %s: %w", adID, err)
	}
	return nil
}
