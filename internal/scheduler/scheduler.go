// Package scheduler drives the decision cycle: every interval it snapshots
// each tenant's ad states, runs the allocator, persists the recommendations,
// and enqueues the resulting changes for the executor. A per-tenant
// distributed lock keeps cycles single-flight across replicas.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/adpilot/internal/allocator"
	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/distlock"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/tenant"
)

// Store is the persistence surface of the decision cycle.
type Store interface {
	ListActiveTenants(ctx context.Context) ([]string, error)
	SnapshotTenantStates(ctx context.Context, tenantID string) ([]*domain.AdState, error)
	GetAd(ctx context.Context, adID string) (*domain.Ad, error)
	AccountBudgetCents(ctx context.Context, accountID string) (int64, error)
	SaveRecommendations(ctx context.Context, recs []*domain.Recommendation) error
	SetBelowKillStreak(ctx context.Context, adID string, streak int) error
	Enqueue(ctx context.Context, c *domain.PendingAdChange) (int64, error)
}

// BoostSource supplies the winner-similarity boost per ad.
type BoostSource interface {
	BoostForAd(ctx context.Context, accountID, adID string) (float64, error)
}

// LockFactory builds the per-tenant cycle lock.
type LockFactory func(tenantID string) distlock.DistLock

// Scheduler runs decision cycles for all active tenants.
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   Store
	tenants *tenant.Cache
	boosts  BoostSource
	locks   LockFactory
	now     func() time.Time
}

// New builds a scheduler. boosts may be nil when no winner index is wired.
func New(cfg config.SchedulerConfig, store Store, tenants *tenant.Cache, boosts BoostSource, locks LockFactory) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		tenants: tenants,
		boosts:  boosts,
		locks:   locks,
		now:     time.Now,
	}
}

// Run executes cycles on the configured interval until cancelled. The first
// cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("scheduler started", "cycle_interval", s.cfg.CycleInterval.String())
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		s.RunAllTenants(ctx)
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunAllTenants runs one decision cycle per active tenant.
func (s *Scheduler) RunAllTenants(ctx context.Context) {
	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		logger.Error("list tenants failed", "error", err.Error())
		return
	}
	for _, id := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := s.RunTenantCycle(ctx, id); err != nil {
			logger.Error("tenant cycle failed", "tenant_id", id, "error", err.Error())
		}
	}
}

// RunTenantCycle runs one tenant's cycle under the cycle lock and deadline.
// A held lock (another replica mid-cycle) is a silent skip.
func (s *Scheduler) RunTenantCycle(ctx context.Context, tenantID string) error {
	lock := s.locks(tenantID)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		logger.Info("cycle already running elsewhere", "tenant_id", tenantID)
		return nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cycle lock release failed", "tenant_id", tenantID, "error", err.Error())
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleDeadline)
	defer cancel()
	return s.cycle(cctx, tenantID)
}

func (s *Scheduler) cycle(ctx context.Context, tenantID string) error {
	start := s.now()
	cycleID := uuid.NewString()

	rt, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant runtime: %w", err)
	}

	states, err := s.store.SnapshotTenantStates(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("snapshot states: %w", err)
	}
	if len(states) == 0 {
		return nil
	}

	var enqueued, recCount int
	for accountID, group := range groupByAccount(states) {
		n, r, err := s.cycleAccount(ctx, cycleID, rt, accountID, group)
		if err != nil {
			logger.Error("account cycle failed", "tenant_id", tenantID,
				"account_id", accountID, "cycle_id", cycleID, "error", err.Error())
			continue
		}
		enqueued += n
		recCount += r
	}

	logger.Info("decision cycle complete", "tenant_id", tenantID, "cycle_id", cycleID,
		"ads", len(states), "recommendations", recCount, "changes_enqueued", enqueued,
		"elapsed_ms", s.now().Sub(start).Milliseconds())
	return nil
}

// cycleAccount allocates one account's budget and enqueues the deltas.
func (s *Scheduler) cycleAccount(ctx context.Context, cycleID string, rt *tenant.Runtime,
	accountID string, states []*domain.AdState) (enqueued, recs int, err error) {

	inputs := make([]allocator.AdInput, 0, len(states))
	var totalBudget int64
	for _, st := range states {
		ad, err := s.store.GetAd(ctx, st.AdID)
		if err != nil {
			return 0, 0, fmt.Errorf("load ad %s: %w", st.AdID, err)
		}
		if ad == nil || ad.Status == domain.AdKilled {
			continue
		}
		boost := 0.0
		if s.boosts != nil {
			b, err := s.boosts.BoostForAd(ctx, accountID, st.AdID)
			if err != nil {
				logger.Warn("boost lookup failed", "ad_id", st.AdID, "error", err.Error())
			} else {
				boost = b
			}
		}
		inputs = append(inputs, allocator.AdInput{
			State:              st,
			CurrentBudgetCents: ad.BudgetCents,
			DNABoost:           boost,
		})
		totalBudget += ad.BudgetCents
	}
	if len(inputs) == 0 {
		return 0, 0, nil
	}
	if b, err := s.store.AccountBudgetCents(ctx, accountID); err == nil && b > 0 {
		totalBudget = b
	}

	result := rt.Allocator.Allocate(cycleID, inputs, totalBudget, s.now())

	if err := s.store.SaveRecommendations(ctx, result.Recommendations); err != nil {
		return 0, 0, fmt.Errorf("save recommendations: %w", err)
	}
	for adID, streak := range result.KillStreaks {
		if err := s.store.SetBelowKillStreak(ctx, adID, streak); err != nil {
			logger.Error("streak persist failed", "ad_id", adID, "error", err.Error())
		}
	}

	for _, rec := range result.Recommendations {
		n, err := s.enqueueRecommendation(ctx, cycleID, rt.TenantID, rec)
		if err != nil {
			logger.Error("enqueue failed", "ad_id", rec.AdID, "cycle_id", cycleID, "error", err.Error())
			continue
		}
		enqueued += n
	}
	return enqueued, len(result.Recommendations), nil
}

// enqueueRecommendation turns one recommendation into zero or one queued
// changes. Holds produce nothing; sub-1% budget moves are dropped as noise.
func (s *Scheduler) enqueueRecommendation(ctx context.Context, cycleID, tenantID string, rec *domain.Recommendation) (int, error) {
	var changeType domain.ChangeType
	var payload any

	switch rec.Action {
	case domain.ActionHold:
		return 0, nil
	case domain.ActionKill:
		changeType = domain.ChangePause
	case domain.ActionScale, domain.ActionReduce:
		delta := rec.RecommendedCents - rec.CurrentCents
		if delta == 0 || (rec.CurrentCents > 0 && abs(delta)*100 < rec.CurrentCents) {
			return 0, nil
		}
		if delta > 0 {
			changeType = domain.ChangeBudgetIncrease
		} else {
			changeType = domain.ChangeBudgetDecrease
		}
		payload = domain.BudgetPayload{
			NewBudgetCents: rec.RecommendedCents,
			OldBudgetCents: rec.CurrentCents,
		}
	default:
		return 0, fmt.Errorf("unknown action %q", rec.Action)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		raw = b
	}

	_, err := s.store.Enqueue(ctx, &domain.PendingAdChange{
		AdID:       rec.AdID,
		AccountID:  rec.AccountID,
		TenantID:   tenantID,
		ChangeType: changeType,
		Payload:    raw,
		// One key per (cycle, ad, type): a crashed cycle rerun with the
		// same id cannot double-enqueue.
		IdempotencyKey:    fmt.Sprintf("cycle:%s:%s:%s", cycleID, rec.AdID, changeType),
		EarliestExecuteAt: s.now(),
		Reason:            rec.Reason,
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func groupByAccount(states []*domain.AdState) map[string][]*domain.AdState {
	out := make(map[string][]*domain.AdState)
	for _, st := range states {
		out[st.AccountID] = append(out[st.AccountID], st)
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
