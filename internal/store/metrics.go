package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/adpilot/internal/domain"
)

// RecordDailyMetrics folds a metric delta into the ad's daily history row.
// The fatigue detector reads these as rolling windows. Negative deltas are
// clamped like the cumulative counters.
func (s *Store) RecordDailyMetrics(ctx context.Context, adID string, impressions, clicks, spendCents int64, observedAt time.Time) error {
	day := observedAt.UTC().Truncate(24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ad_metrics_daily (ad_id, day, impressions, clicks, spend_cents)
		VALUES ($1, $2, GREATEST($3, 0), GREATEST($4, 0), GREATEST($5, 0))
		ON CONFLICT (ad_id, day) DO UPDATE SET
			impressions = ad_metrics_daily.impressions + GREATEST($3, 0),
			clicks = ad_metrics_daily.clicks + GREATEST($4, 0),
			spend_cents = ad_metrics_daily.spend_cents + GREATEST($5, 0)`,
		adID, day, impressions, clicks, spendCents)
	if err != nil {
		return fmt.Errorf("record daily metrics %s: %w", adID, err)
	}
	return nil
}

// DailySeries returns up to days of an ad's daily metrics, newest first.
func (s *Store) DailySeries(ctx context.Context, adID string, days int) ([]*domain.DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ad_id, day, impressions, clicks, spend_cents
		FROM ad_metrics_daily
		WHERE ad_id = $1 AND day > NOW() - $2 * INTERVAL '1 day'
		ORDER BY day DESC`, adID, days)
	if err != nil {
		return nil, fmt.Errorf("daily series %s: %w", adID, err)
	}
	defer rows.Close()

	var out []*domain.DailyMetrics
	for rows.Next() {
		m := &domain.DailyMetrics{}
		if err := rows.Scan(&m.AdID, &m.Day, &m.Impressions, &m.Clicks, &m.SpendCents); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PurgeOldDailyMetrics trims history beyond the retention window.
func (s *Store) PurgeOldDailyMetrics(ctx context.Context, olderThanDays int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ad_metrics_daily WHERE day < NOW() - $1 * INTERVAL '1 day'`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("purge daily metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
