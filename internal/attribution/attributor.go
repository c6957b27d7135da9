// Package attribution converts CRM pipeline-stage transitions into
// immediate monetary feedback for the scorer. A deal moving from
// "qualified" to "proposal" is worth a known fraction of its eventual
// value; the attributor credits that delta to whichever ads touched the
// buyer, matched with descending confidence.
package attribution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

const (
	fingerprintWindow = 30 * 24 * time.Hour
	ipTimeWindow      = 7 * 24 * time.Hour
	timeDecayWindow   = 30 * 24 * time.Hour
)

// decayLambda halves a touch point's weight every 7 days.
var decayLambda = math.Ln2 / 7

// ErrUnknownTenant is returned when a stage event names a tenant with no
// stage configuration; the caller surfaces it as a client error.
var ErrUnknownTenant = fmt.Errorf("no stage configuration for tenant")

// Store is the persistence surface the attributor needs.
type Store interface {
	GetStageConfig(ctx context.Context, tenantID string) (*domain.StageConfig, error)
	StageEventSeen(ctx context.Context, dealID, stageTo string) (bool, error)
	RollingDealValueCents(ctx context.Context, tenantID string) (int64, error)
	RecordDealValue(ctx context.Context, tenantID, dealID string, valueCents int64) error
	FindTouchPointsByFingerprint(ctx context.Context, tenantID, fingerprint string, since time.Time) ([]*domain.TouchPoint, error)
	FindTouchPointsByIPUA(ctx context.Context, tenantID, ip, userAgent string, since time.Time) ([]*domain.TouchPoint, error)
	FindRecentTouchPoints(ctx context.Context, tenantID string, since time.Time) ([]*domain.TouchPoint, error)
	InsertAttribution(ctx context.Context, r *domain.AttributionRecord) (bool, error)
}

// Attributor matches stage events to ads and records the synthetic-revenue
// credits. It does not mutate AdState itself; the caller applies the
// returned records under the per-ad lock.
type Attributor struct {
	store                 Store
	defaultDealValueCents int64
}

// New returns an attributor. defaultDealValueCents is the last-resort deal
// value basis when neither the event nor recent history carries one.
func New(store Store, defaultDealValueCents int64) *Attributor {
	return &Attributor{store: store, defaultDealValueCents: defaultDealValueCents}
}

// Attribute processes one stage event. Returns the attribution records that
// were actually inserted; a replayed event returns none. A tenant without
// stage configuration fails the event; an unknown stage drops it with a
// warning.
func (a *Attributor) Attribute(ctx context.Context, ev *domain.StageEvent) ([]*domain.AttributionRecord, error) {
	seen, err := a.store.StageEventSeen(ctx, ev.DealID, ev.StageTo)
	if err != nil {
		return nil, err
	}
	if seen {
		logger.Debug("stage event already attributed", "deal_id", ev.DealID, "stage_to", ev.StageTo)
		return nil, nil
	}

	cfg, err := a.store.GetStageConfig(ctx, ev.TenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, ev.TenantID)
	}

	valueTo, ok := cfg.Value(ev.StageTo)
	if !ok {
		logger.Warn("unknown stage, dropping event",
			"tenant_id", ev.TenantID, "stage", ev.StageTo, "deal_id", ev.DealID)
		return nil, nil
	}
	valueFrom, ok := cfg.Value(ev.StageFrom)
	if !ok {
		logger.Warn("unknown prior stage, treating as funnel entry",
			"tenant_id", ev.TenantID, "stage", ev.StageFrom, "deal_id", ev.DealID)
		valueFrom = 0
	}

	basis, err := a.dealValueBasis(ctx, ev)
	if err != nil {
		return nil, err
	}
	deltaCents := int64(math.Round(math.Max(0, valueTo-valueFrom) * float64(basis)))
	if deltaCents == 0 {
		return nil, nil
	}

	matches, tier, err := a.match(ctx, ev)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		logger.Debug("no touch points matched stage event", "deal_id", ev.DealID, "tenant_id", ev.TenantID)
		return nil, nil
	}

	var out []*domain.AttributionRecord
	for adID, share := range matches {
		rec := &domain.AttributionRecord{
			TenantID:        ev.TenantID,
			DealID:          ev.DealID,
			StageFrom:       ev.StageFrom,
			StageTo:         ev.StageTo,
			AdID:            adID,
			DeltaValueCents: int64(math.Round(float64(deltaCents) * share)),
			Tier:            tier,
			Weight:          share,
		}
		inserted, err := a.store.InsertAttribution(ctx, rec)
		if err != nil {
			return out, err
		}
		if inserted {
			out = append(out, rec)
		}
	}
	return out, nil
}

// dealValueBasis picks the monetary basis in preference order: the event's
// own deal value, the tenant's 30-day rolling median, the configured
// default.
func (a *Attributor) dealValueBasis(ctx context.Context, ev *domain.StageEvent) (int64, error) {
	if ev.DealValueCents > 0 {
		if err := a.store.RecordDealValue(ctx, ev.TenantID, ev.DealID, ev.DealValueCents); err != nil {
			return 0, err
		}
		return ev.DealValueCents, nil
	}
	median, err := a.store.RollingDealValueCents(ctx, ev.TenantID)
	if err != nil {
		return 0, err
	}
	if median > 0 {
		return median, nil
	}
	return a.defaultDealValueCents, nil
}

// match runs the three matching passes in confidence order, stopping at the
// first pass that yields touch points. Returns per-ad weight shares
// summing to 1.
func (a *Attributor) match(ctx context.Context, ev *domain.StageEvent) (map[string]float64, domain.ConfidenceTier, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if ev.Fingerprint != "" {
		tps, err := a.store.FindTouchPointsByFingerprint(ctx, ev.TenantID, ev.Fingerprint, at.Add(-fingerprintWindow))
		if err != nil {
			return nil, "", err
		}
		if len(tps) > 0 {
			return equalShares(tps), domain.TierFingerprint, nil
		}
	}

	if ev.IP != "" && ev.UserAgent != "" {
		tps, err := a.store.FindTouchPointsByIPUA(ctx, ev.TenantID, ev.IP, ev.UserAgent, at.Add(-ipTimeWindow))
		if err != nil {
			return nil, "", err
		}
		if len(tps) > 0 {
			return equalShares(tps), domain.TierIPTime, nil
		}
	}

	tps, err := a.store.FindRecentTouchPoints(ctx, ev.TenantID, at.Add(-timeDecayWindow))
	if err != nil {
		return nil, "", err
	}
	if len(tps) == 0 {
		return nil, "", nil
	}
	return decayShares(tps, at), domain.TierTimeDecay, nil
}

// equalShares splits credit evenly across the distinct ads in a tier.
func equalShares(tps []*domain.TouchPoint) map[string]float64 {
	weights := make(map[string]float64)
	for _, tp := range tps {
		weights[tp.AdID] = 1
	}
	share := 1.0 / float64(len(weights))
	for adID := range weights {
		weights[adID] = share
	}
	return weights
}

// decayShares weights each ad by the freshest touch point's exponential
// time decay, then normalizes.
func decayShares(tps []*domain.TouchPoint, at time.Time) map[string]float64 {
	weights := make(map[string]float64)
	for _, tp := range tps {
		ageDays := at.Sub(tp.OccurredAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		w := math.Exp(-decayLambda * ageDays)
		if w > weights[tp.AdID] {
			weights[tp.AdID] = w
		}
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	for adID := range weights {
		weights[adID] /= total
	}
	return weights
}
