package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/adpilot/internal/domain"
)

// GetStageConfig loads a tenant's stage table, nil if the tenant has none.
func (s *Store) GetStageConfig(ctx context.Context, tenantID string) (*domain.StageConfig, error) {
	var stagesJSON []byte
	cfg := &domain.StageConfig{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT stages, funnel_order, updated_at
		FROM stage_configs WHERE tenant_id = $1`, tenantID).Scan(
		&stagesJSON, pq.Array(&cfg.FunnelOrder), &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage config %s: %w", tenantID, err)
	}
	if err := json.Unmarshal(stagesJSON, &cfg.Stages); err != nil {
		return nil, fmt.Errorf("decode stage config %s: %w", tenantID, err)
	}
	return cfg, nil
}

// UpsertStageConfig writes a tenant's stage table (mirror of the admin UI).
func (s *Store) UpsertStageConfig(ctx context.Context, cfg *domain.StageConfig) error {
	stagesJSON, err := json.Marshal(cfg.Stages)
	if err != nil {
		return fmt.Errorf("encode stage config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_configs (tenant_id, stages, funnel_order, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			stages = EXCLUDED.stages,
			funnel_order = EXCLUDED.funnel_order,
			updated_at = NOW()`,
		cfg.TenantID, stagesJSON, pq.Array(cfg.FunnelOrder))
	if err != nil {
		return fmt.Errorf("upsert stage config %s: %w", cfg.TenantID, err)
	}
	return nil
}

// InsertAttribution records one (deal, stage, ad) credit. Duplicate
// deliveries are ignored via the unique constraint; returns true when the
// row was actually inserted.
func (s *Store) InsertAttribution(ctx context.Context, r *domain.AttributionRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attributions
			(tenant_id, deal_id, stage_from, stage_to, ad_id, delta_value_cents,
			 confidence_tier, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (deal_id, stage_to, ad_id) DO NOTHING`,
		r.TenantID, r.DealID, r.StageFrom, r.StageTo, r.AdID, r.DeltaValueCents,
		r.Tier, r.Weight)
	if err != nil {
		return false, fmt.Errorf("insert attribution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StageEventSeen reports whether (deal, stage_to) was already attributed.
// Replayed webhook deliveries short-circuit here.
func (s *Store) StageEventSeen(ctx context.Context, dealID, stageTo string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attributions WHERE deal_id = $1 AND stage_to = $2`,
		dealID, stageTo).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("stage event seen: %w", err)
	}
	return n > 0, nil
}

// InsertTouchPoint records an ad interaction for later matching.
func (s *Store) InsertTouchPoint(ctx context.Context, tp *domain.TouchPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO touch_points (ad_id, tenant_id, fingerprint, ip, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tp.AdID, tp.TenantID, tp.Fingerprint, tp.IP, tp.UserAgent, tp.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert touch point: %w", err)
	}
	return nil
}

// FindTouchPointsByFingerprint returns touch points matching an identity
// fingerprint inside the window, newest first.
func (s *Store) FindTouchPointsByFingerprint(ctx context.Context, tenantID, fingerprint string, since time.Time) ([]*domain.TouchPoint, error) {
	return s.queryTouchPoints(ctx, `
		SELECT ad_id, tenant_id, fingerprint, ip, user_agent, occurred_at
		FROM touch_points
		WHERE tenant_id = $1 AND fingerprint = $2 AND occurred_at >= $3
		ORDER BY occurred_at DESC`, tenantID, fingerprint, since)
}

// FindTouchPointsByIPUA returns touch points matching ip + user agent inside
// the window, newest first.
func (s *Store) FindTouchPointsByIPUA(ctx context.Context, tenantID, ip, userAgent string, since time.Time) ([]*domain.TouchPoint, error) {
	return s.queryTouchPoints(ctx, `
		SELECT ad_id, tenant_id, fingerprint, ip, user_agent, occurred_at
		FROM touch_points
		WHERE tenant_id = $1 AND ip = $2 AND user_agent = $3 AND occurred_at >= $4
		ORDER BY occurred_at DESC`, tenantID, ip, userAgent, since)
}

// FindRecentTouchPoints returns all of a tenant's touch points inside the
// window for time-decay matching, newest first.
func (s *Store) FindRecentTouchPoints(ctx context.Context, tenantID string, since time.Time) ([]*domain.TouchPoint, error) {
	return s.queryTouchPoints(ctx, `
		SELECT ad_id, tenant_id, fingerprint, ip, user_agent, occurred_at
		FROM touch_points
		WHERE tenant_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC`, tenantID, since)
}

func (s *Store) queryTouchPoints(ctx context.Context, query string, args ...any) ([]*domain.TouchPoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query touch points: %w", err)
	}
	defer rows.Close()

	var out []*domain.TouchPoint
	for rows.Next() {
		tp := &domain.TouchPoint{}
		if err := rows.Scan(&tp.AdID, &tp.TenantID, &tp.Fingerprint, &tp.IP, &tp.UserAgent, &tp.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// RollingDealValueCents returns the 30-day median deal value for a tenant,
// 0 when no deals carried a value. Fallback basis for synthetic revenue.
func (s *Store) RollingDealValueCents(ctx context.Context, tenantID string) (int64, error) {
	var median sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY deal_value_cents)
		FROM deal_values
		WHERE tenant_id = $1 AND observed_at > NOW() - INTERVAL '30 days'`,
		tenantID).Scan(&median)
	if err != nil {
		return 0, fmt.Errorf("rolling deal value %s: %w", tenantID, err)
	}
	if !median.Valid {
		return 0, nil
	}
	return int64(median.Float64), nil
}

// RecordDealValue feeds the rolling deal-value basis.
func (s *Store) RecordDealValue(ctx context.Context, tenantID, dealID string, valueCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deal_values (tenant_id, deal_id, deal_value_cents, observed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, deal_id) DO UPDATE SET
			deal_value_cents = EXCLUDED.deal_value_cents,
			observed_at = NOW()`, tenantID, dealID, valueCents)
	if err != nil {
		return fmt.Errorf("record deal value: %w", err)
	}
	return nil
}

// PurgeOldAttributions batch-deletes attribution and touch-point rows older
// than the retention window.
func (s *Store) PurgeOldAttributions(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM attributions WHERE id IN (
			SELECT id FROM attributions WHERE created_at < NOW() - $1 * INTERVAL '1 second' LIMIT $2)`,
		`DELETE FROM touch_points WHERE id IN (
			SELECT id FROM touch_points WHERE occurred_at < NOW() - $1 * INTERVAL '1 second' LIMIT $2)`,
	} {
		res, err := s.db.ExecContext(ctx, q, int64(olderThan.Seconds()), batch)
		if err != nil {
			return total, fmt.Errorf("purge attributions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
