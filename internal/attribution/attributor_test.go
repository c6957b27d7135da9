package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adpilot/internal/domain"
)

type fakeStore struct {
	configs      map[string]*domain.StageConfig
	touchPoints  []*domain.TouchPoint
	records      []*domain.AttributionRecord
	seen         map[string]bool
	medianCents  int64
	dealValues   map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:    make(map[string]*domain.StageConfig),
		seen:       make(map[string]bool),
		dealValues: make(map[string]int64),
	}
}

func (f *fakeStore) GetStageConfig(_ context.Context, tenantID string) (*domain.StageConfig, error) {
	return f.configs[tenantID], nil
}

func (f *fakeStore) StageEventSeen(_ context.Context, dealID, stageTo string) (bool, error) {
	return f.seen[dealID+"|"+stageTo], nil
}

func (f *fakeStore) RollingDealValueCents(_ context.Context, tenantID string) (int64, error) {
	return f.medianCents, nil
}

func (f *fakeStore) RecordDealValue(_ context.Context, tenantID, dealID string, valueCents int64) error {
	f.dealValues[tenantID+"|"+dealID] = valueCents
	return nil
}

func (f *fakeStore) FindTouchPointsByFingerprint(_ context.Context, tenantID, fingerprint string, since time.Time) ([]*domain.TouchPoint, error) {
	var out []*domain.TouchPoint
	for _, tp := range f.touchPoints {
		if tp.TenantID == tenantID && tp.Fingerprint == fingerprint && tp.OccurredAt.After(since) {
			out = append(out, tp)
		}
	}
	return out, nil
}

func (f *fakeStore) FindTouchPointsByIPUA(_ context.Context, tenantID, ip, ua string, since time.Time) ([]*domain.TouchPoint, error) {
	var out []*domain.TouchPoint
	for _, tp := range f.touchPoints {
		if tp.TenantID == tenantID && tp.IP == ip && tp.UserAgent == ua && tp.OccurredAt.After(since) {
			out = append(out, tp)
		}
	}
	return out, nil
}

func (f *fakeStore) FindRecentTouchPoints(_ context.Context, tenantID string, since time.Time) ([]*domain.TouchPoint, error) {
	var out []*domain.TouchPoint
	for _, tp := range f.touchPoints {
		if tp.TenantID == tenantID && tp.OccurredAt.After(since) {
			out = append(out, tp)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAttribution(_ context.Context, r *domain.AttributionRecord) (bool, error) {
	for _, prev := range f.records {
		if prev.DealID == r.DealID && prev.StageTo == r.StageTo && prev.AdID == r.AdID {
			return false, nil
		}
	}
	f.records = append(f.records, r)
	f.seen[r.DealID+"|"+r.StageTo] = true
	return true, nil
}

func funnelConfig(tenantID string) *domain.StageConfig {
	return &domain.StageConfig{
		TenantID: tenantID,
		Stages: map[string]domain.StageValue{
			"lead":       {ValuePercentage: 0.05},
			"qualified":  {ValuePercentage: 0.15},
			"proposal":   {ValuePercentage: 0.40},
			"closed_won": {ValuePercentage: 1.00},
		},
		FunnelOrder: []string{"lead", "qualified", "proposal", "closed_won"},
	}
}

func clickEvent(deal, from, to string, valueCents int64) *domain.StageEvent {
	return &domain.StageEvent{
		TenantID:       "t1",
		DealID:         deal,
		StageFrom:      from,
		StageTo:        to,
		DealValueCents: valueCents,
		Timestamp:      time.Now(),
		Fingerprint:    "fp_1",
	}
}

func TestAttributionCascade(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	fs.touchPoints = []*domain.TouchPoint{
		{AdID: "ad_1", TenantID: "t1", Fingerprint: "fp_1", OccurredAt: time.Now().Add(-24 * time.Hour)},
	}
	a := New(fs, 500000)
	ctx := context.Background()

	// $10,000 deal walking the funnel credits the stage deltas:
	// 5% -> $500, then +10% -> $1000, then +25% -> $2500.
	steps := []struct {
		from, to  string
		wantCents int64
	}{
		{"", "lead", 50000},
		{"lead", "qualified", 100000},
		{"qualified", "proposal", 250000},
	}
	for _, step := range steps {
		recs, err := a.Attribute(ctx, clickEvent("deal1", step.from, step.to, 1000000))
		require.NoError(t, err)
		require.Len(t, recs, 1, "%s -> %s", step.from, step.to)
		assert.Equal(t, step.wantCents, recs[0].DeltaValueCents)
		assert.Equal(t, "ad_1", recs[0].AdID)
		assert.Equal(t, domain.TierFingerprint, recs[0].Tier)
	}

	// Replaying any event yields nothing new.
	for _, step := range steps {
		recs, err := a.Attribute(ctx, clickEvent("deal1", step.from, step.to, 1000000))
		require.NoError(t, err)
		assert.Empty(t, recs)
	}
	assert.Len(t, fs.records, 3)
}

func TestAttributeUnknownTenantFails(t *testing.T) {
	a := New(newFakeStore(), 500000)

	_, err := a.Attribute(context.Background(), clickEvent("deal1", "", "lead", 1000000))
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestAttributeUnknownStageDropped(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	a := New(fs, 500000)

	recs, err := a.Attribute(context.Background(), clickEvent("deal1", "", "daydreaming", 1000000))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, fs.records)
}

func TestAttributeNoMatchIsNotAnError(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	a := New(fs, 500000)

	recs, err := a.Attribute(context.Background(), clickEvent("deal1", "", "lead", 1000000))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDealValueBasisOrder(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	fs.touchPoints = []*domain.TouchPoint{
		{AdID: "ad_1", TenantID: "t1", Fingerprint: "fp_1", OccurredAt: time.Now().Add(-time.Hour)},
	}
	a := New(fs, 500000)
	ctx := context.Background()

	// Supplied value wins and feeds the rolling basis.
	recs, err := a.Attribute(ctx, clickEvent("deal_a", "", "lead", 2000000))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(100000), recs[0].DeltaValueCents)
	assert.Equal(t, int64(2000000), fs.dealValues["t1|deal_a"])

	// No supplied value: the rolling median is next.
	fs.medianCents = 400000
	recs, err = a.Attribute(ctx, clickEvent("deal_b", "", "lead", 0))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(20000), recs[0].DeltaValueCents)

	// Neither: the configured default.
	fs.medianCents = 0
	recs, err = a.Attribute(ctx, clickEvent("deal_c", "", "lead", 0))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(25000), recs[0].DeltaValueCents)
}

func TestFingerprintTieSplitsEvenly(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	fs.touchPoints = []*domain.TouchPoint{
		{AdID: "ad_1", TenantID: "t1", Fingerprint: "fp_1", OccurredAt: time.Now().Add(-time.Hour)},
		{AdID: "ad_2", TenantID: "t1", Fingerprint: "fp_1", OccurredAt: time.Now().Add(-2 * time.Hour)},
	}
	a := New(fs, 500000)

	recs, err := a.Attribute(context.Background(), clickEvent("deal1", "", "lead", 1000000))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	var total int64
	for _, r := range recs {
		assert.InDelta(t, 0.5, r.Weight, 1e-9)
		total += r.DeltaValueCents
	}
	assert.Equal(t, int64(50000), total)
}

func TestTierFallbackToIPThenDecay(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	now := time.Now()
	fs.touchPoints = []*domain.TouchPoint{
		{AdID: "ad_ip", TenantID: "t1", IP: "203.0.113.9", UserAgent: "ua", OccurredAt: now.Add(-time.Hour)},
		{AdID: "ad_old", TenantID: "t1", OccurredAt: now.Add(-20 * 24 * time.Hour)},
	}
	a := New(fs, 500000)
	ctx := context.Background()

	// No fingerprint touch point exists: IP + user agent matches next.
	ev := &domain.StageEvent{
		TenantID: "t1", DealID: "deal1", StageTo: "lead", DealValueCents: 1000000,
		Timestamp: now, Fingerprint: "fp_other", IP: "203.0.113.9", UserAgent: "ua",
	}
	recs, err := a.Attribute(ctx, ev)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ad_ip", recs[0].AdID)
	assert.Equal(t, domain.TierIPTime, recs[0].Tier)

	// No identity at all: time-decay over everything recent.
	ev2 := &domain.StageEvent{
		TenantID: "t1", DealID: "deal2", StageTo: "lead", DealValueCents: 1000000, Timestamp: now,
	}
	recs, err = a.Attribute(ctx, ev2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, domain.TierTimeDecay, r.Tier)
	}
}

func TestDecaySharesFavorFresherTouches(t *testing.T) {
	now := time.Now()
	tps := []*domain.TouchPoint{
		{AdID: "fresh", OccurredAt: now.Add(-24 * time.Hour)},
		{AdID: "week_old", OccurredAt: now.Add(-8 * 24 * time.Hour)},
	}
	shares := decayShares(tps, now)

	assert.Greater(t, shares["fresh"], shares["week_old"])
	assert.InDelta(t, 1.0, shares["fresh"]+shares["week_old"], 1e-9)

	// A 7-day-old touch is worth half a fresh one.
	tps = []*domain.TouchPoint{
		{AdID: "now", OccurredAt: now},
		{AdID: "half_life", OccurredAt: now.Add(-7 * 24 * time.Hour)},
	}
	shares = decayShares(tps, now)
	assert.InDelta(t, shares["now"]/2, shares["half_life"], 1e-6)
}

func TestBackwardStageMoveCreditsNothing(t *testing.T) {
	fs := newFakeStore()
	fs.configs["t1"] = funnelConfig("t1")
	fs.touchPoints = []*domain.TouchPoint{
		{AdID: "ad_1", TenantID: "t1", Fingerprint: "fp_1", OccurredAt: time.Now().Add(-time.Hour)},
	}
	a := New(fs, 500000)

	recs, err := a.Attribute(context.Background(), clickEvent("deal1", "proposal", "qualified", 1000000))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

var _ Store = (*fakeStore)(nil)
