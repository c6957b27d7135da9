package fatigue

import (
	"context"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/scoring"
)

// seriesDays is how much daily history the rules look at.
const seriesDays = 14

// WorkerStore is the read surface of the fatigue sweep.
type WorkerStore interface {
	ListActiveTenants(ctx context.Context) ([]string, error)
	SnapshotTenantStates(ctx context.Context, tenantID string) ([]*domain.AdState, error)
	GetAd(ctx context.Context, adID string) (*domain.Ad, error)
	DailySeries(ctx context.Context, adID string, days int) ([]*domain.DailyMetrics, error)
}

// Worker sweeps every tenant's active ads through the fatigue rules on a
// fixed cadence.
type Worker struct {
	cfg      config.FatigueConfig
	baseline string
	store    WorkerStore
	detector *Detector
	rem      *Remediator
	now      func() time.Time
}

// NewWorker builds the sweep worker.
func NewWorker(cfg config.FatigueConfig, tenantCfg config.TenantDefaults, store WorkerStore, det *Detector, rem *Remediator) *Worker {
	return &Worker{
		cfg:      cfg,
		baseline: tenantCfg.CohortBaseline,
		store:    store,
		detector: det,
		rem:      rem,
		now:      time.Now,
	}
}

// Run sweeps on the tick interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger.Info("fatigue worker started", "tick_interval", w.cfg.TickInterval.String())
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("fatigue worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep evaluates every tenant's active ads once.
func (w *Worker) Sweep(ctx context.Context) {
	tenants, err := w.store.ListActiveTenants(ctx)
	if err != nil {
		logger.Error("fatigue: list tenants failed", "error", err.Error())
		return
	}
	for _, tid := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.sweepTenant(ctx, tid)
	}
}

func (w *Worker) sweepTenant(ctx context.Context, tenantID string) {
	states, err := w.store.SnapshotTenantStates(ctx, tenantID)
	if err != nil {
		logger.Error("fatigue: snapshot failed", "tenant_id", tenantID, "error", err.Error())
		return
	}
	cohort := scoring.CohortOf(states, w.baseline)

	findings := 0
	for _, st := range states {
		ad, err := w.store.GetAd(ctx, st.AdID)
		if err != nil {
			logger.Error("fatigue: ad lookup failed", "ad_id", st.AdID, "error", err.Error())
			continue
		}
		if ad == nil || ad.Status != domain.AdActive {
			continue
		}
		series, err := w.store.DailySeries(ctx, st.AdID, seriesDays)
		if err != nil {
			logger.Error("fatigue: daily series failed", "ad_id", st.AdID, "error", err.Error())
			continue
		}
		f := w.detector.Evaluate(st, series, cohort.CTRBaseline)
		if f == nil {
			continue
		}
		findings++
		logger.Warn("fatigue detected", "ad_id", st.AdID, "tenant_id", tenantID,
			"severity", f.Severity, "rules", ruleNames(f.Rules))
		if err := w.rem.Remediate(ctx, ad, st, f, w.now()); err != nil {
			logger.Error("fatigue remediation failed", "ad_id", st.AdID, "error", err.Error())
		}
	}
	if findings > 0 {
		logger.Info("fatigue sweep complete", "tenant_id", tenantID,
			"ads", len(states), "findings", findings)
	}
}

func ruleNames(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = string(r)
	}
	return out
}
