// Package executor drains the pending-change queue and applies mutations to
// the ad platform without tripping its automated-behavior detection. Every
// outbound change passes through jitter, an hourly rate cap, a budget
// velocity cap, and budget fuzzing before the platform sees it.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/httpretry"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/platform"
)

// budgetFuzzPct is the half-width of the deterministic budget fuzz band.
// Round-number budgets are a fingerprint of automation.
const budgetFuzzPct = 0.005

// velocityRequeueDelay is how long a velocity-capped change waits before the
// 6h rolling window has room again.
const velocityRequeueDelay = time.Hour

// Store is the queue and state persistence the executor needs.
type Store interface {
	Claim(ctx context.Context, workerID string, batchSize int, claimTTL time.Duration) ([]*domain.PendingAdChange, error)
	MarkApplied(ctx context.Context, id int64, workerID string) error
	Requeue(ctx context.Context, id int64, errMsg string, earliestExecuteAt time.Time) error
	MarkDead(ctx context.Context, id int64, errMsg string) error
	InsertHistory(ctx context.Context, h *domain.ChangeHistory) error
	SetAdBudget(ctx context.Context, adID string, budgetCents int64) error
	SetAdStatus(ctx context.Context, adID string, status domain.AdStatus) error
	AppliedBudgetDeltaCents(ctx context.Context, accountID string, window time.Duration) (int64, error)
	AccountBudgetCents(ctx context.Context, accountID string) (int64, error)
}

// Platform is the outbound client surface.
type Platform interface {
	UpdateBudget(ctx context.Context, adID string, newBudgetCents int64, idempotencyKey string) error
	Pause(ctx context.Context, adID, idempotencyKey string) error
	Resume(ctx context.Context, adID, idempotencyKey string) error
	ReplaceCreative(ctx context.Context, adID, creativeID, idempotencyKey string) error
	BatchUpdate(ctx context.Context, accountID string, changes []platform.BatchChange, idempotencyKey string) error
	BudgetApplied(ctx context.Context, adID string, wantBudgetCents int64) (bool, error)
}

// RateLimiter reserves per-account change slots before the platform call and
// refunds them when the call fails, so only applied changes consume the cap.
type RateLimiter interface {
	Reserve(ctx context.Context, accountID string, n int) (bool, time.Duration, error)
	Refund(ctx context.Context, accountID string, n int) error
}

// Auditor records terminal transitions. Implementations must tolerate being
// called on every applied and dead change.
type Auditor interface {
	Terminal(ctx context.Context, h *domain.ChangeHistory)
	ArchiveDead(ctx context.Context, c *domain.PendingAdChange, errBody string)
}

// Executor is one queue-draining worker.
type Executor struct {
	workerID string
	cfg      config.ExecutorConfig
	tenant   config.TenantDefaults
	store    Store
	platform Platform
	limiter  RateLimiter
	audit    Auditor

	// sleep and now are swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
	// jitterRand draws batch delays; not deterministic in production.
	jitterRand *rand.Rand
}

// New builds an executor worker.
func New(workerID string, cfg config.ExecutorConfig, tenant config.TenantDefaults,
	store Store, pf Platform, limiter RateLimiter, audit Auditor) *Executor {
	return &Executor{
		workerID:   workerID,
		cfg:        cfg,
		tenant:     tenant,
		store:      store,
		platform:   pf,
		limiter:    limiter,
		audit:      audit,
		sleep:      sleepCtx,
		now:        time.Now,
		jitterRand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides sleep and now. Tests only.
func (e *Executor) SetClock(sleep func(context.Context, time.Duration), now func() time.Time) {
	e.sleep = sleep
	e.now = now
}

// Run drains the queue until the context is cancelled.
func (e *Executor) Run(ctx context.Context) {
	logger.Info("executor started", "worker_id", e.workerID,
		"poll_interval", e.cfg.PollInterval.String(), "batch_size", e.cfg.BatchSize)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := e.RunOnce(ctx)
		if err != nil {
			logger.Error("executor pass failed", "worker_id", e.workerID, "error", err.Error())
		}
		// Keep draining without a poll delay while the queue has work.
		if n > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("executor stopped", "worker_id", e.workerID)
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it. Returns the number of changes
// claimed.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	changes, err := e.store.Claim(ctx, e.workerID, e.cfg.BatchSize, e.cfg.ClaimDeadline)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	for _, group := range groupByAccount(changes) {
		if ctx.Err() != nil {
			// Shutdown mid-batch: unclaimed work is reclaimed after the
			// claim deadline expires.
			break
		}
		e.processAccount(ctx, group)
	}
	return len(changes), nil
}

// processAccount applies one account's slice of the batch: jitter once, then
// rate and velocity gates, then the platform calls.
func (e *Executor) processAccount(ctx context.Context, changes []*domain.PendingAdChange) {
	accountID := changes[0].AccountID
	e.sleep(ctx, e.batchJitter())
	if ctx.Err() != nil {
		return
	}

	changes = e.gateVelocity(ctx, accountID, changes)
	if len(changes) == 0 {
		return
	}

	if len(changes) >= e.tenant.BatchThreshold {
		if e.applyBatch(ctx, accountID, changes) {
			return
		}
		// Batch rate reservation failed; fall through to singles, which
		// reserve one slot at a time.
	}

	for _, c := range changes {
		allowed, wait, err := e.limiter.Reserve(ctx, accountID, 1)
		if err != nil {
			logger.Error("rate limiter unavailable", "account_id", accountID, "error", err.Error())
			e.requeue(ctx, c, "rate limiter unavailable: "+err.Error(), e.now().Add(e.cfg.PollInterval))
			continue
		}
		if !allowed {
			e.requeue(ctx, c, "hourly change rate cap reached", e.now().Add(wait))
			continue
		}
		e.applySingle(ctx, c)
	}
}

// gateVelocity drops budget changes that would push the account past the
// rolling 6h budget-movement cap, requeuing them for the next window. Smaller
// moves are admitted first so one large change cannot starve the rest.
func (e *Executor) gateVelocity(ctx context.Context, accountID string, changes []*domain.PendingAdChange) []*domain.PendingAdChange {
	hasBudget := false
	for _, c := range changes {
		if c.ChangeType.IsBudgetChange() {
			hasBudget = true
			break
		}
	}
	if !hasBudget {
		return changes
	}

	applied, err := e.store.AppliedBudgetDeltaCents(ctx, accountID, 6*time.Hour)
	if err != nil {
		logger.Error("velocity lookup failed", "account_id", accountID, "error", err.Error())
		applied = 0
	}
	total, err := e.store.AccountBudgetCents(ctx, accountID)
	if err != nil || total <= 0 {
		// Unknown account budget: skip the velocity gate rather than
		// stall the queue.
		return changes
	}

	capCents := int64(float64(total) * e.tenant.MaxVelocityPct6h)
	remaining := capCents - applied

	budget := make([]*domain.PendingAdChange, 0, len(changes))
	var passthrough, admitted []*domain.PendingAdChange
	for _, c := range changes {
		if c.ChangeType.IsBudgetChange() {
			budget = append(budget, c)
		} else {
			passthrough = append(passthrough, c)
		}
	}
	sort.SliceStable(budget, func(i, j int) bool {
		return budget[i].BudgetDeltaCents() < budget[j].BudgetDeltaCents()
	})
	for _, c := range budget {
		delta := c.BudgetDeltaCents()
		if delta > remaining {
			e.requeue(ctx, c, fmt.Sprintf("velocity cap: %d cents moved of %d allowed in 6h", applied, capCents),
				e.now().Add(velocityRequeueDelay))
			continue
		}
		remaining -= delta
		admitted = append(admitted, c)
	}
	return append(passthrough, admitted...)
}

// applyBatch sends the whole group in one platform call. Returns false when
// the rate reservation was denied and the caller should degrade to singles.
func (e *Executor) applyBatch(ctx context.Context, accountID string, changes []*domain.PendingAdChange) bool {
	allowed, _, err := e.limiter.Reserve(ctx, accountID, len(changes))
	if err != nil || !allowed {
		return false
	}

	batch := make([]platform.BatchChange, 0, len(changes))
	sent := make(map[int64]bool, len(changes))
	fuzzed := make(map[int64]int64, len(changes))
	for _, c := range changes {
		bc := platform.BatchChange{AdID: c.AdID, ChangeType: string(c.ChangeType)}
		if c.ChangeType.IsBudgetChange() {
			target, err := budgetTarget(c)
			if err != nil {
				e.dead(ctx, c, "bad payload: "+err.Error(), "")
				continue
			}
			bc.NewBudgetCents = fuzzBudget(target, c.IdempotencyKey)
			fuzzed[c.ID] = bc.NewBudgetCents
		}
		if c.ChangeType == domain.ChangeReplaceCreative {
			var p domain.ReplaceCreativePayload
			if err := json.Unmarshal(c.Payload, &p); err != nil {
				e.dead(ctx, c, "bad payload: "+err.Error(), "")
				continue
			}
			bc.CreativeID = p.CreativeID
		}
		batch = append(batch, bc)
		sent[c.ID] = true
	}
	if len(batch) == 0 {
		e.refund(ctx, accountID, len(changes))
		return true
	}
	if skipped := len(changes) - len(batch); skipped > 0 {
		e.refund(ctx, accountID, skipped)
	}

	start := e.now()
	err = e.platform.BatchUpdate(ctx, accountID, batch, batchKey(changes))
	latency := e.now().Sub(start)
	if err != nil {
		e.refund(ctx, accountID, len(batch))
		for _, c := range changes {
			if sent[c.ID] {
				e.failChange(ctx, c, err, latency)
			}
		}
		return true
	}

	for _, c := range changes {
		if sent[c.ID] {
			e.succeed(ctx, c, latency, fuzzed[c.ID])
		}
	}
	return true
}

// applySingle dispatches one change to the platform. The rate slot is
// already reserved; a failure refunds it.
func (e *Executor) applySingle(ctx context.Context, c *domain.PendingAdChange) {
	var newBudget int64
	var err error

	start := e.now()
	switch c.ChangeType {
	case domain.ChangeBudgetIncrease, domain.ChangeBudgetDecrease:
		var target int64
		target, err = budgetTarget(c)
		if err != nil {
			e.refund(ctx, c.AccountID, 1)
			e.dead(ctx, c, "bad payload: "+err.Error(), "")
			return
		}
		newBudget = fuzzBudget(target, c.IdempotencyKey)
		err = e.platform.UpdateBudget(ctx, c.AdID, newBudget, c.IdempotencyKey)
	case domain.ChangePause:
		err = e.platform.Pause(ctx, c.AdID, c.IdempotencyKey)
	case domain.ChangeResume:
		err = e.platform.Resume(ctx, c.AdID, c.IdempotencyKey)
	case domain.ChangeReplaceCreative:
		var p domain.ReplaceCreativePayload
		if uerr := json.Unmarshal(c.Payload, &p); uerr != nil {
			e.refund(ctx, c.AccountID, 1)
			e.dead(ctx, c, "bad payload: "+uerr.Error(), "")
			return
		}
		err = e.platform.ReplaceCreative(ctx, c.AdID, p.CreativeID, c.IdempotencyKey)
	default:
		e.refund(ctx, c.AccountID, 1)
		e.dead(ctx, c, "unknown change type "+string(c.ChangeType), "")
		return
	}
	latency := e.now().Sub(start)

	if err != nil {
		// An ambiguous failure on a budget write may have landed anyway.
		// Read back before burning an attempt.
		if c.ChangeType.IsBudgetChange() {
			if applied, rerr := e.platform.BudgetApplied(ctx, c.AdID, newBudget); rerr == nil && applied {
				logger.Warn("ambiguous budget write reconciled as applied",
					"change_id", c.ID, "ad_id", c.AdID, "error", err.Error())
				e.succeed(ctx, c, latency, newBudget)
				return
			}
		}
		e.refund(ctx, c.AccountID, 1)
		e.failChange(ctx, c, err, latency)
		return
	}
	e.succeed(ctx, c, latency, newBudget)
}

// succeed records an applied change and mirrors the result locally.
func (e *Executor) succeed(ctx context.Context, c *domain.PendingAdChange, latency time.Duration, newBudgetCents int64) {
	if err := e.store.MarkApplied(ctx, c.ID, e.workerID); err != nil {
		// A reclaimed row applied elsewhere; the platform call was
		// idempotent so nothing to undo.
		logger.Warn("applied change no longer owned", "change_id", c.ID, "error", err.Error())
		return
	}

	switch c.ChangeType {
	case domain.ChangeBudgetIncrease, domain.ChangeBudgetDecrease:
		if err := e.store.SetAdBudget(ctx, c.AdID, newBudgetCents); err != nil {
			logger.Error("budget mirror update failed", "ad_id", c.AdID, "error", err.Error())
		}
	case domain.ChangePause:
		if err := e.store.SetAdStatus(ctx, c.AdID, domain.AdPaused); err != nil {
			logger.Error("status mirror update failed", "ad_id", c.AdID, "error", err.Error())
		}
	case domain.ChangeResume:
		if err := e.store.SetAdStatus(ctx, c.AdID, domain.AdActive); err != nil {
			logger.Error("status mirror update failed", "ad_id", c.AdID, "error", err.Error())
		}
	}

	e.terminal(ctx, c, domain.ChangeApplied, latency, "")
	logger.Info("change applied", "change_id", c.ID, "ad_id", c.AdID,
		"change_type", string(c.ChangeType), "latency_ms", latency.Milliseconds())
}

// failChange routes a platform failure: retryable errors requeue with
// backoff until attempts run out, the rest dead-letter immediately.
func (e *Executor) failChange(ctx context.Context, c *domain.PendingAdChange, err error, latency time.Duration) {
	if platform.IsRetryable(err) && c.Attempts+1 < e.tenant.MaxAttempts {
		e.requeue(ctx, c, err.Error(), e.now().Add(httpretry.Backoff(c.Attempts+1)))
		return
	}
	body := ""
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		body = apiErr.Body
	}
	e.deadWithLatency(ctx, c, err.Error(), body, latency)
}

func (e *Executor) requeue(ctx context.Context, c *domain.PendingAdChange, msg string, at time.Time) {
	if err := e.store.Requeue(ctx, c.ID, msg, at); err != nil {
		logger.Error("requeue failed", "change_id", c.ID, "error", err.Error())
		return
	}
	logger.Warn("change requeued", "change_id", c.ID, "ad_id", c.AdID,
		"attempts", c.Attempts+1, "next_at", at.UTC().Format(time.RFC3339), "reason", msg)
}

func (e *Executor) dead(ctx context.Context, c *domain.PendingAdChange, msg, errBody string) {
	e.deadWithLatency(ctx, c, msg, errBody, 0)
}

func (e *Executor) deadWithLatency(ctx context.Context, c *domain.PendingAdChange, msg, errBody string, latency time.Duration) {
	if err := e.store.MarkDead(ctx, c.ID, msg); err != nil {
		logger.Error("dead-letter failed", "change_id", c.ID, "error", err.Error())
		return
	}
	e.terminal(ctx, c, domain.ChangeDead, latency, msg)
	if e.audit != nil {
		e.audit.ArchiveDead(ctx, c, errBody)
	}
	logger.Error("change dead-lettered", "change_id", c.ID, "ad_id", c.AdID,
		"change_type", string(c.ChangeType), "attempts", c.Attempts+1, "error", msg)
}

// terminal writes the immutable history row and notifies the auditor.
func (e *Executor) terminal(ctx context.Context, c *domain.PendingAdChange, status domain.ChangeStatus, latency time.Duration, errMsg string) {
	h := &domain.ChangeHistory{
		ChangeID:       c.ID,
		AdID:           c.AdID,
		AccountID:      c.AccountID,
		ChangeType:     c.ChangeType,
		Status:         status,
		IdempotencyKey: c.IdempotencyKey,
		Attempts:       c.Attempts + 1,
		LatencyMs:      latency.Milliseconds(),
		Error:          errMsg,
		Reason:         c.Reason,
		RecordedAt:     e.now(),
	}
	if err := e.store.InsertHistory(ctx, h); err != nil {
		logger.Error("history insert failed", "change_id", c.ID, "error", err.Error())
	}
	if e.audit != nil {
		e.audit.Terminal(ctx, h)
	}
}

func (e *Executor) refund(ctx context.Context, accountID string, n int) {
	if err := e.limiter.Refund(ctx, accountID, n); err != nil {
		logger.Error("rate refund failed", "account_id", accountID, "error", err.Error())
	}
}

// batchJitter draws the one random delay applied before an account's batch.
func (e *Executor) batchJitter() time.Duration {
	lo, hi := e.tenant.JitterMinSeconds, e.tenant.JitterMaxSeconds
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}
	return time.Duration(lo)*time.Second +
		time.Duration(e.jitterRand.Int63n(int64(hi-lo)*int64(time.Second)))
}

// budgetTarget decodes the intended budget from a budget-change payload.
func budgetTarget(c *domain.PendingAdChange) (int64, error) {
	var p domain.BudgetPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return 0, err
	}
	if p.NewBudgetCents <= 0 {
		return 0, fmt.Errorf("non-positive budget %d", p.NewBudgetCents)
	}
	return p.NewBudgetCents, nil
}

// fuzzBudget perturbs a budget by up to ±0.5%, deterministically from the
// idempotency key so retries send the identical amount.
func fuzzBudget(cents int64, idempotencyKey string) int64 {
	h := fnv.New64a()
	h.Write([]byte(idempotencyKey))
	// Map the hash to [-1, 1), then scale to the fuzz band.
	u := float64(h.Sum64()%2_000_001)/1_000_000.0 - 1.0
	out := int64(float64(cents) * (1 + budgetFuzzPct*u))
	if out < 1 {
		out = 1
	}
	return out
}

// batchKey derives one idempotency key for a batch call from its members.
func batchKey(changes []*domain.PendingAdChange) string {
	h := fnv.New64a()
	for _, c := range changes {
		h.Write([]byte(c.IdempotencyKey))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("batch:%x", h.Sum64())
}

// groupByAccount splits a claimed batch by account, preserving claim order
// inside each group. Group order follows first appearance.
func groupByAccount(changes []*domain.PendingAdChange) [][]*domain.PendingAdChange {
	index := make(map[string]int)
	var groups [][]*domain.PendingAdChange
	for _, c := range changes {
		i, ok := index[c.AccountID]
		if !ok {
			i = len(groups)
			index[c.AccountID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
