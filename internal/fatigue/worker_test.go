package fatigue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
)

type fakeWorkerStore struct {
	states map[string][]*domain.AdState
	ads    map[string]*domain.Ad
	series map[string][]*domain.DailyMetrics
}

func (s *fakeWorkerStore) ListActiveTenants(_ context.Context) ([]string, error) {
	return []string{"t1"}, nil
}

func (s *fakeWorkerStore) SnapshotTenantStates(_ context.Context, tenantID string) ([]*domain.AdState, error) {
	return s.states[tenantID], nil
}

func (s *fakeWorkerStore) GetAd(_ context.Context, adID string) (*domain.Ad, error) {
	return s.ads[adID], nil
}

func (s *fakeWorkerStore) DailySeries(_ context.Context, adID string, _ int) ([]*domain.DailyMetrics, error) {
	return s.series[adID], nil
}

// decliningSeries builds 14 days of history whose recent week's CTR
// collapsed versus the prior week, newest first.
func decliningSeries(adID string) []*domain.DailyMetrics {
	var out []*domain.DailyMetrics
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i < 14; i++ {
		clicks := int64(50)
		if i < 7 {
			clicks = 10
		}
		out = append(out, &domain.DailyMetrics{
			AdID: adID, Day: day.AddDate(0, 0, -i),
			Impressions: 1000, Clicks: clicks, SpendCents: 2000,
		})
	}
	return out
}

func TestWorkerSweepRemediatesFatiguedAd(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	store := &fakeWorkerStore{
		states: map[string][]*domain.AdState{"t1": {
			{AdID: "ad_tired", AccountID: "acct_1", TenantID: "t1",
				Impressions: 14000, Clicks: 420, SpendCents: 28000,
				FirstSeenAt: time.Now().Add(-14 * 24 * time.Hour)},
		}},
		ads: map[string]*domain.Ad{
			"ad_tired": {AdID: "ad_tired", AccountID: "acct_1", Status: domain.AdActive, BudgetCents: 10000},
		},
		series: map[string][]*domain.DailyMetrics{"ad_tired": decliningSeries("ad_tired")},
	}

	queue := &fakeQueue{}
	w := NewWorker(cfg.Fatigue, cfg.Tenant, store, New(cfg.Tenant), NewRemediator(queue, nil, nil))
	w.Sweep(context.Background())

	require.NotEmpty(t, queue.changes)
	assert.Equal(t, domain.ChangeBudgetDecrease, queue.changes[0].ChangeType)
	assert.Equal(t, "ad_tired", queue.changes[0].AdID)
}

func TestWorkerSkipsInactiveAds(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	store := &fakeWorkerStore{
		states: map[string][]*domain.AdState{"t1": {
			{AdID: "ad_paused", AccountID: "acct_1", TenantID: "t1"},
		}},
		ads: map[string]*domain.Ad{
			"ad_paused": {AdID: "ad_paused", Status: domain.AdPaused, BudgetCents: 10000},
		},
		series: map[string][]*domain.DailyMetrics{"ad_paused": decliningSeries("ad_paused")},
	}

	queue := &fakeQueue{}
	w := NewWorker(cfg.Fatigue, cfg.Tenant, store, New(cfg.Tenant), NewRemediator(queue, nil, nil))
	w.Sweep(context.Background())

	assert.Empty(t, queue.changes)
}
