// Package ingress processes inbound feedback: CRM stage transitions,
// platform metric deltas, click touch points, and winner registrations.
// Stage events are accepted immediately and attributed asynchronously;
// everything that mutates an AdState runs under that ad's distributed lock.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/adpilot/internal/allocator"
	"github.com/ignite/adpilot/internal/attribution"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/distlock"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/scoring"
	"github.com/ignite/adpilot/internal/winner"
)

// ErrQueueFull is returned when the stage-event buffer is saturated; the
// API surfaces it as 503 so the CRM webhook retries.
var ErrQueueFull = errors.New("stage event queue full")

// adLockTTL bounds how long a crashed worker can hold an ad's state lock.
const adLockTTL = 30 * time.Second

// stageQueueDepth is the in-flight stage event buffer. CRM webhooks burst
// on bulk pipeline edits.
const stageQueueDepth = 1024

// Store is the persistence surface of the feedback path.
type Store interface {
	EnsureAdState(ctx context.Context, adID, accountID, tenantID string) error
	GetAd(ctx context.Context, adID string) (*domain.Ad, error)
	ApplyMetricDelta(ctx context.Context, adID string, impressions, clicks, spendCents int64, observedAt time.Time) error
	RecordDailyMetrics(ctx context.Context, adID string, impressions, clicks, spendCents int64, observedAt time.Time) error
	AddSyntheticRevenue(ctx context.Context, adID string, deltaCents int64) error
	AddObservedRevenue(ctx context.Context, adID string, deltaCents int64) error
	UpdatePosterior(ctx context.Context, adID string, dAlpha, dBeta float64) error
	InsertTouchPoint(ctx context.Context, tp *domain.TouchPoint) error
}

// LockFactory builds the per-ad state lock.
type LockFactory func(adID string) distlock.DistLock

// Service is the feedback processor.
type Service struct {
	store      Store
	attributor *attribution.Attributor
	scorer     *scoring.Scorer
	winners    *winner.Index
	locks      LockFactory

	stageEvents chan *domain.StageEvent
	workers     int
}

// New builds the service. winners may be nil when no index is wired.
func New(store Store, attributor *attribution.Attributor, scorer *scoring.Scorer,
	winners *winner.Index, locks LockFactory, workers int) *Service {
	if workers <= 0 {
		workers = 2
	}
	return &Service{
		store:       store,
		attributor:  attributor,
		scorer:      scorer,
		winners:     winners,
		locks:       locks,
		stageEvents: make(chan *domain.StageEvent, stageQueueDepth),
		workers:     workers,
	}
}

// Run drains the stage-event queue until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	logger.Info("ingress workers started", "workers", s.workers)
	done := make(chan struct{})
	for i := 0; i < s.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-s.stageEvents:
					if err := s.ProcessStageEvent(context.WithoutCancel(ctx), ev); err != nil {
						logger.Error("stage event processing failed",
							"tenant_id", ev.TenantID, "deal_id", ev.DealID, "error", err.Error())
					}
				}
			}
		}()
	}
	for i := 0; i < s.workers; i++ {
		<-done
	}
	logger.Info("ingress workers stopped")
}

// SubmitStageEvent queues a stage event for asynchronous attribution.
func (s *Service) SubmitStageEvent(ev *domain.StageEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.stageEvents <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// ProcessStageEvent attributes one stage event and applies the resulting
// synthetic-revenue and posterior updates under each ad's lock.
func (s *Service) ProcessStageEvent(ctx context.Context, ev *domain.StageEvent) error {
	records, err := s.attributor.Attribute(ctx, ev)
	if err != nil {
		return fmt.Errorf("attribute: %w", err)
	}
	for _, rec := range records {
		if err := s.applyAttribution(ctx, rec); err != nil {
			logger.Error("attribution apply failed", "ad_id", rec.AdID,
				"deal_id", rec.DealID, "error", err.Error())
		}
	}
	return nil
}

func (s *Service) applyAttribution(ctx context.Context, rec *domain.AttributionRecord) error {
	unlock, err := s.lockAd(ctx, rec.AdID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.AddSyntheticRevenue(ctx, rec.AdID, rec.DeltaValueCents); err != nil {
		return err
	}
	dAlpha, dBeta := allocator.PosteriorDelta(allocator.Outcome{Success: true, Tier: rec.Tier})
	if err := s.store.UpdatePosterior(ctx, rec.AdID, dAlpha, dBeta); err != nil {
		return err
	}
	s.scorer.Invalidate(rec.AdID)

	logger.Info("synthetic revenue credited", "ad_id", rec.AdID, "deal_id", rec.DealID,
		"delta_cents", rec.DeltaValueCents, "tier", string(rec.Tier), "weight", rec.Weight)
	return nil
}

// MetricUpdate is one ad's metric delta from the platform feed.
type MetricUpdate struct {
	AdID              string    `json:"ad_id"`
	ImpressionsDelta  int64     `json:"impressions_delta"`
	ClicksDelta       int64     `json:"clicks_delta"`
	SpendDeltaCents   int64     `json:"spend_delta_cents"`
	RevenueDeltaCents int64     `json:"revenue_delta_cents"`
	ObservedAt        time.Time `json:"observed_at"`
}

// Validate rejects deltas that would violate state invariants.
func (u *MetricUpdate) Validate() error {
	if u.AdID == "" {
		return errors.New("ad_id is required")
	}
	if u.ImpressionsDelta < 0 || u.ClicksDelta < 0 || u.SpendDeltaCents < 0 || u.RevenueDeltaCents < 0 {
		return errors.New("metric deltas must be non-negative")
	}
	if u.ClicksDelta > u.ImpressionsDelta {
		return errors.New("clicks delta exceeds impressions delta")
	}
	return nil
}

// ProcessMetricUpdate applies one metric delta to the cumulative state and
// the daily series, synchronously.
func (s *Service) ProcessMetricUpdate(ctx context.Context, u *MetricUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now()
	}

	unlock, err := s.lockAd(ctx, u.AdID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.ApplyMetricDelta(ctx, u.AdID, u.ImpressionsDelta, u.ClicksDelta, u.SpendDeltaCents, u.ObservedAt); err != nil {
		return err
	}
	if err := s.store.RecordDailyMetrics(ctx, u.AdID, u.ImpressionsDelta, u.ClicksDelta, u.SpendDeltaCents, u.ObservedAt); err != nil {
		return err
	}
	if u.RevenueDeltaCents > 0 {
		if err := s.store.AddObservedRevenue(ctx, u.AdID, u.RevenueDeltaCents); err != nil {
			return err
		}
	}
	if u.ClicksDelta > 0 {
		dAlpha, dBeta := allocator.PosteriorDelta(allocator.Outcome{Success: true})
		if err := s.store.UpdatePosterior(ctx, u.AdID, dAlpha*float64(u.ClicksDelta), dBeta); err != nil {
			return err
		}
	}
	s.scorer.Invalidate(u.AdID)
	return nil
}

// RecordTouchPoint stores one ad click interaction for later attribution.
func (s *Service) RecordTouchPoint(ctx context.Context, tp *domain.TouchPoint) error {
	if tp.AdID == "" || tp.TenantID == "" {
		return errors.New("ad_id and tenant_id are required")
	}
	if tp.OccurredAt.IsZero() {
		tp.OccurredAt = time.Now()
	}
	return s.store.InsertTouchPoint(ctx, tp)
}

// RegisterWinner nominates an ad for the winner index.
func (s *Service) RegisterWinner(ctx context.Context, c *winner.Candidate) error {
	if s.winners == nil {
		return errors.New("winner index not configured")
	}
	if c.AdID == "" {
		return errors.New("ad_id is required")
	}
	if c.AccountID == "" {
		ad, err := s.store.GetAd(ctx, c.AdID)
		if err != nil {
			return err
		}
		if ad == nil {
			return fmt.Errorf("unknown ad %s", c.AdID)
		}
		c.AccountID = ad.AccountID
	}
	return s.winners.Add(ctx, c)
}

// lockAd acquires the per-ad state lock, returning its release func.
func (s *Service) lockAd(ctx context.Context, adID string) (func(), error) {
	lock := s.locks(adID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire ad lock %s: %w", adID, err)
	}
	if !ok {
		return nil, fmt.Errorf("ad %s locked by another writer", adID)
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("ad lock release failed", "ad_id", adID, "error", err.Error())
		}
	}, nil
}
