package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/ingress"
	"github.com/ignite/adpilot/internal/pkg/httputil"
	"github.com/ignite/adpilot/internal/tenant"
	"github.com/ignite/adpilot/internal/winner"
)

// Store is the read-side and registry persistence the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	UpsertAd(ctx context.Context, ad *domain.Ad) error
	EnsureAdState(ctx context.Context, adID, accountID, tenantID string) error
	UpsertStageConfig(ctx context.Context, cfg *domain.StageConfig) error
	ListLatestRecommendations(ctx context.Context, accountID string) ([]*domain.Recommendation, error)
	ListChanges(ctx context.Context, accountID string, status domain.ChangeStatus, limit int) ([]*domain.PendingAdChange, error)
	ListHistory(ctx context.Context, accountID string, limit int) ([]*domain.ChangeHistory, error)
}

// Handlers holds the dependencies of every endpoint.
type Handlers struct {
	store   Store
	ingress *ingress.Service
	winners *winner.Index
	tenants *tenant.Cache
	started time.Time
}

// NewHandlers builds the handler set. winners may be nil.
func NewHandlers(store Store, ing *ingress.Service, winners *winner.Index, tenants *tenant.Cache) *Handlers {
	return &Handlers{
		store:   store,
		ingress: ing,
		winners: winners,
		tenants: tenants,
		started: time.Now(),
	}
}

// HealthCheck reports liveness and store reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// StageChange accepts a CRM pipeline-stage transition and queues it for
// asynchronous attribution.
func (h *Handlers) StageChange(w http.ResponseWriter, r *http.Request) {
	var ev domain.StageEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	if ev.TenantID == "" || ev.DealID == "" || ev.StageTo == "" {
		httputil.BadRequest(w, "tenant_id, deal_id, and stage_to are required")
		return
	}
	if err := h.ingress.SubmitStageEvent(&ev); err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.Accepted(w, map[string]string{"status": "queued"})
}

// MetricUpdate applies a batch of per-ad metric deltas synchronously. A bad
// entry fails the batch; the platform feed retries whole payloads.
func (h *Handlers) MetricUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []*ingress.MetricUpdate `json:"updates"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.Updates) == 0 {
		httputil.BadRequest(w, "updates is empty")
		return
	}
	for _, u := range body.Updates {
		if err := u.Validate(); err != nil {
			httputil.BadRequest(w, u.AdID+": "+err.Error())
			return
		}
	}
	for _, u := range body.Updates {
		if err := h.ingress.ProcessMetricUpdate(r.Context(), u); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, map[string]int{"applied": len(body.Updates)})
}

// RecordTouchPoint stores one ad click interaction.
func (h *Handlers) RecordTouchPoint(w http.ResponseWriter, r *http.Request) {
	var tp domain.TouchPoint
	if !httputil.Decode(w, r, &tp) {
		return
	}
	if err := h.ingress.RecordTouchPoint(r.Context(), &tp); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, map[string]string{"status": "recorded"})
}

// RegisterWinner nominates an ad for the winner index.
func (h *Handlers) RegisterWinner(w http.ResponseWriter, r *http.Request) {
	var c winner.Candidate
	if !httputil.Decode(w, r, &c) {
		return
	}
	err := h.ingress.RegisterWinner(r.Context(), &c)
	switch {
	case errors.Is(err, winner.ErrBelowThreshold):
		httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, winner.ErrBadEmbedding):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Created(w, map[string]string{"status": "indexed"})
	}
}

// UpsertAd registers or updates an ad in the shadow registry and ensures
// its state row exists.
func (h *Handlers) UpsertAd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		domain.Ad
		TenantID string `json:"tenant_id"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.AdID == "" || body.AccountID == "" || body.TenantID == "" {
		httputil.BadRequest(w, "ad_id, account_id, and tenant_id are required")
		return
	}
	if body.Status == "" {
		body.Status = domain.AdActive
	}
	if err := h.store.UpsertAd(r.Context(), &body.Ad); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.store.EnsureAdState(r.Context(), body.AdID, body.AccountID, body.TenantID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"ad_id": body.AdID})
}

// PutStageConfig replaces a tenant's stage-value configuration and drops
// the cached runtime so the next cycle sees it.
func (h *Handlers) PutStageConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var cfg domain.StageConfig
	if !httputil.Decode(w, r, &cfg) {
		return
	}
	cfg.TenantID = tenantID
	if len(cfg.Stages) == 0 {
		httputil.BadRequest(w, "stages is empty")
		return
	}
	for name, sv := range cfg.Stages {
		if sv.ValuePercentage < 0 || sv.ValuePercentage > 1 {
			httputil.BadRequest(w, "stage "+name+": value_percentage must be in [0,1]")
			return
		}
	}
	if err := h.store.UpsertStageConfig(r.Context(), &cfg); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.tenants != nil {
		h.tenants.Invalidate(tenantID)
	}
	httputil.OK(w, map[string]string{"tenant_id": tenantID})
}

// ListRecommendations returns the latest cycle's recommendations for an
// account.
func (h *Handlers) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		httputil.BadRequest(w, "account_id is required")
		return
	}
	recs, err := h.store.ListLatestRecommendations(r.Context(), accountID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"recommendations": recs, "count": len(recs)})
}

// ListChanges returns queue rows for an account, optionally filtered by
// status.
func (h *Handlers) ListChanges(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		httputil.BadRequest(w, "account_id is required")
		return
	}
	status := domain.ChangeStatus(r.URL.Query().Get("status"))
	changes, err := h.store.ListChanges(r.Context(), accountID, status, queryLimit(r, 100))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"changes": changes, "count": len(changes)})
}

// ListHistory returns the audit trail for an account, newest first.
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		httputil.BadRequest(w, "account_id is required")
		return
	}
	rows, err := h.store.ListHistory(r.Context(), accountID, queryLimit(r, 100))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"history": rows, "count": len(rows)})
}

// SimilarWinners returns the nearest winner patterns to an indexed ad.
func (h *Handlers) SimilarWinners(w http.ResponseWriter, r *http.Request) {
	if h.winners == nil {
		httputil.Error(w, http.StatusNotImplemented, "winner index not configured")
		return
	}
	adID := r.URL.Query().Get("ad_id")
	if adID == "" {
		httputil.BadRequest(w, "ad_id is required")
		return
	}
	ids, err := h.winners.TopSimilarAdIDs(r.Context(), adID, queryLimit(r, 5))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if ids == nil {
		httputil.NotFound(w, "ad not in winner index")
		return
	}
	httputil.OK(w, map[string]any{"ad_id": adID, "similar": ids})
}

// queryLimit parses ?limit= with a default, capped at 500.
func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
