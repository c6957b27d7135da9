package fatigue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
)

func testDefaults() config.TenantDefaults {
	cfg, _ := config.Load("")
	return cfg.Tenant
}

// dailySeries builds days of metrics newest first from per-day values.
func dailySeries(days []domain.DailyMetrics) []*domain.DailyMetrics {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	out := make([]*domain.DailyMetrics, len(days))
	for i := range days {
		d := days[i]
		d.AdID = "ad_1"
		d.Day = now.AddDate(0, 0, -i)
		out[i] = &d
	}
	return out
}

func flatDays(n int, impressions, clicks, spendCents int64) []domain.DailyMetrics {
	out := make([]domain.DailyMetrics, n)
	for i := range out {
		out[i] = domain.DailyMetrics{Impressions: impressions, Clicks: clicks, SpendCents: spendCents}
	}
	return out
}

func stateFor(impressions, clicks int64) *domain.AdState {
	return &domain.AdState{
		AdID:        "ad_1",
		AccountID:   "acct_1",
		TenantID:    "t1",
		Impressions: impressions,
		Clicks:      clicks,
		SpendCents:  100000,
		Alpha:       1,
		Beta:        1,
		FirstSeenAt: time.Now().Add(-14 * 24 * time.Hour),
	}
}

func TestCTRDeclineFires(t *testing.T) {
	d := New(testDefaults())

	// Days 8-14 at 2% CTR, days 1-7 at 1%: half the prior week.
	days := append(flatDays(7, 10000, 100, 50000), flatDays(7, 10000, 200, 50000)...)
	f := d.Evaluate(stateFor(140000, 2100), dailySeries(days), 0.02)

	require.NotNil(t, f)
	assert.Contains(t, f.Rules, RuleCTRDecline)
	assert.GreaterOrEqual(t, f.Severity, 1)
}

func TestCTRDeclineNeedsBothWindows(t *testing.T) {
	d := New(testDefaults())

	// Only 5 days of history: prior window is empty, no verdict.
	days := flatDays(5, 10000, 50, 50000)
	f := d.Evaluate(stateFor(50000, 250), dailySeries(days), 0.02)
	assert.Nil(t, f)
}

func TestCTRStableDoesNotFire(t *testing.T) {
	d := New(testDefaults())

	days := flatDays(14, 10000, 200, 50000)
	f := d.Evaluate(stateFor(140000, 2800), dailySeries(days), 0.02)
	assert.Nil(t, f)
}

func TestSaturationFires(t *testing.T) {
	d := New(testDefaults()) // cap 500k impressions

	// Past the cap, recent week converting under the lifetime average.
	st := stateFor(600000, 12000) // lifetime CTR 2%
	days := flatDays(14, 10000, 100, 50000)
	f := d.Evaluate(st, dailySeries(days), 0.02)

	require.NotNil(t, f)
	assert.Contains(t, f.Rules, RuleSaturation)
}

func TestSaturationNeedsImpressionCap(t *testing.T) {
	d := New(testDefaults())

	st := stateFor(100000, 2000)
	days := flatDays(14, 10000, 100, 50000)
	f := d.Evaluate(st, dailySeries(days), 0.02)
	if f != nil {
		assert.NotContains(t, f.Rules, RuleSaturation)
	}
}

func TestCPMSpikeFires(t *testing.T) {
	d := New(testDefaults())

	// Baseline $5 CPM for 11 days, then 3 days at $10: clean spike.
	days := append(flatDays(3, 10000, 200, 100000), flatDays(11, 10000, 200, 50000)...)
	f := d.Evaluate(stateFor(140000, 2800), dailySeries(days), 0.02)

	require.NotNil(t, f)
	assert.Contains(t, f.Rules, RuleCPMSpike)
}

func TestCPMNoiseDoesNotFire(t *testing.T) {
	d := New(testDefaults())

	// 1.2x drift is under the 1.5x gate.
	days := append(flatDays(3, 10000, 200, 60000), flatDays(11, 10000, 200, 50000)...)
	f := d.Evaluate(stateFor(140000, 2800), dailySeries(days), 0.02)
	if f != nil {
		assert.NotContains(t, f.Rules, RuleCPMSpike)
	}
}

func TestFlatlineFires(t *testing.T) {
	d := New(testDefaults())

	days := flatDays(14, 5000, 0, 25000)
	st := stateFor(70000, 0)
	f := d.Evaluate(st, dailySeries(days), 0.02)

	require.NotNil(t, f)
	assert.Contains(t, f.Rules, RuleFlatline)
}

func TestDisabledRulesSkipped(t *testing.T) {
	cfg := testDefaults()
	cfg.FatigueRulesEnabled = []string{"cpm_spike"}
	d := New(cfg)

	// Would trip ctr_decline and flatline, but neither is enabled.
	days := flatDays(14, 5000, 0, 25000)
	f := d.Evaluate(stateFor(70000, 0), dailySeries(days), 0.02)
	assert.Nil(t, f)
}

type fakeQueue struct {
	changes []*domain.PendingAdChange
	keys    map[string]int64
	nextID  int64
}

func (q *fakeQueue) Enqueue(_ context.Context, c *domain.PendingAdChange) (int64, error) {
	if q.keys == nil {
		q.keys = make(map[string]int64)
	}
	if id, ok := q.keys[c.IdempotencyKey]; ok {
		return id, nil
	}
	q.nextID++
	q.keys[c.IdempotencyKey] = q.nextID
	q.changes = append(q.changes, c)
	return q.nextID, nil
}

type fakeCreative struct {
	requests [][]string
	adIDs    []string
}

func (c *fakeCreative) RequestReplacement(_ context.Context, adID, reason string, winners []string) error {
	c.adIDs = append(c.adIDs, adID)
	c.requests = append(c.requests, winners)
	return nil
}

type fakeWinners struct{ ids []string }

func (w *fakeWinners) TopSimilarAdIDs(_ context.Context, adID string, k int) ([]string, error) {
	if len(w.ids) > k {
		return w.ids[:k], nil
	}
	return w.ids, nil
}

func TestRemediateSeverityOne(t *testing.T) {
	q := &fakeQueue{}
	r := NewRemediator(q, nil, nil)
	ad := &domain.Ad{AdID: "ad_1", AccountID: "acct_1", BudgetCents: 10000}
	st := stateFor(140000, 2100)

	f := &Finding{AdID: "ad_1", Rules: []Rule{RuleCTRDecline}, Severity: 1, Details: []string{"7d CTR 0.0100 is 50% of prior 7d 0.0200"}}
	require.NoError(t, r.Remediate(context.Background(), ad, st, f, time.Now()))

	require.Len(t, q.changes, 1)
	c := q.changes[0]
	assert.Equal(t, domain.ChangeBudgetDecrease, c.ChangeType)
	assert.Contains(t, c.Reason, "CTR")

	var p domain.BudgetPayload
	require.NoError(t, json.Unmarshal(c.Payload, &p))
	assert.Equal(t, int64(7000), p.NewBudgetCents)
}

func TestRemediateSeverityTwoPausesAndRequestsReplacement(t *testing.T) {
	q := &fakeQueue{}
	creative := &fakeCreative{}
	winners := &fakeWinners{ids: []string{"w1", "w2", "w3", "w4", "w5", "w6"}}
	r := NewRemediator(q, creative, winners)
	ad := &domain.Ad{AdID: "ad_1", AccountID: "acct_1", BudgetCents: 10000}
	st := stateFor(140000, 2100)

	f := &Finding{AdID: "ad_1", Rules: []Rule{RuleCTRDecline, RuleCPMSpike}, Severity: 2,
		Details: []string{"ctr declined", "cpm spiked"}}
	require.NoError(t, r.Remediate(context.Background(), ad, st, f, time.Now()))

	require.Len(t, q.changes, 2)
	assert.Equal(t, domain.ChangeBudgetDecrease, q.changes[0].ChangeType)
	assert.Equal(t, domain.ChangePause, q.changes[1].ChangeType)

	require.Len(t, creative.adIDs, 1)
	assert.Equal(t, []string{"w1", "w2", "w3", "w4", "w5"}, creative.requests[0])
}

func TestRemediateSameDayIsIdempotent(t *testing.T) {
	q := &fakeQueue{}
	r := NewRemediator(q, nil, nil)
	ad := &domain.Ad{AdID: "ad_1", AccountID: "acct_1", BudgetCents: 10000}
	st := stateFor(140000, 2100)
	now := time.Now()

	f := &Finding{AdID: "ad_1", Rules: []Rule{RuleCTRDecline}, Severity: 1, Details: []string{"d"}}
	require.NoError(t, r.Remediate(context.Background(), ad, st, f, now))
	require.NoError(t, r.Remediate(context.Background(), ad, st, f, now))

	assert.Len(t, q.changes, 1)
}

func TestRemediateBudgetFloor(t *testing.T) {
	q := &fakeQueue{}
	r := NewRemediator(q, nil, nil)
	ad := &domain.Ad{AdID: "ad_1", AccountID: "acct_1", BudgetCents: 120}
	st := stateFor(140000, 2100)

	f := &Finding{AdID: "ad_1", Rules: []Rule{RuleFlatline}, Severity: 1, Details: []string{"d"}}
	require.NoError(t, r.Remediate(context.Background(), ad, st, f, time.Now()))

	var p domain.BudgetPayload
	require.NoError(t, json.Unmarshal(q.changes[0].Payload, &p))
	assert.Equal(t, int64(budgetFloorCents), p.NewBudgetCents)
}
