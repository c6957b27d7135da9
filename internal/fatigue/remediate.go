package fatigue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// budgetFloorCents keeps a decreased budget from hitting zero; zero budget
// is the platform's "paused" and pause is its own intent.
const budgetFloorCents = 100

// Enqueuer accepts change intents; satisfied by the store.
type Enqueuer interface {
	Enqueue(ctx context.Context, c *domain.PendingAdChange) (int64, error)
}

// CreativeRequester asks the upstream generator for a replacement ad.
type CreativeRequester interface {
	RequestReplacement(ctx context.Context, adID, reason string, similarWinners []string) error
}

// WinnerSource supplies the nearest winning patterns to seed a replacement.
type WinnerSource interface {
	TopSimilarAdIDs(ctx context.Context, adID string, k int) ([]string, error)
}

// Remediator converts findings into queued changes: one rule firing cuts
// the budget 30%, two or more also pauses and requests a replacement.
type Remediator struct {
	queue    Enqueuer
	creative CreativeRequester
	winners  WinnerSource
}

// NewRemediator wires the remediation outputs. creative and winners may be
// nil when no generator is configured; pause intents still go out.
func NewRemediator(queue Enqueuer, creative CreativeRequester, winners WinnerSource) *Remediator {
	return &Remediator{queue: queue, creative: creative, winners: winners}
}

// Remediate enqueues the intents for one finding. Idempotency keys embed
// the UTC day so a re-tick the same day is a no-op.
func (r *Remediator) Remediate(ctx context.Context, ad *domain.Ad, st *domain.AdState, f *Finding, now time.Time) error {
	if f == nil || f.Severity == 0 {
		return nil
	}
	reason := fmt.Sprintf("fatigue: %s", strings.Join(f.Details, "; "))
	day := now.UTC().Format("2006-01-02")

	newBudget := ad.BudgetCents * 70 / 100
	if newBudget < budgetFloorCents {
		newBudget = budgetFloorCents
	}
	payload, err := json.Marshal(domain.BudgetPayload{
		OldBudgetCents: ad.BudgetCents,
		NewBudgetCents: newBudget,
	})
	if err != nil {
		return err
	}
	if _, err := r.queue.Enqueue(ctx, &domain.PendingAdChange{
		AdID:           ad.AdID,
		AccountID:      ad.AccountID,
		TenantID:       st.TenantID,
		ChangeType:     domain.ChangeBudgetDecrease,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("fatigue:decrease:%s:%s", ad.AdID, day),
		Reason:         reason,
	}); err != nil {
		return fmt.Errorf("enqueue fatigue decrease %s: %w", ad.AdID, err)
	}

	if f.Severity < 2 {
		return nil
	}

	if _, err := r.queue.Enqueue(ctx, &domain.PendingAdChange{
		AdID:           ad.AdID,
		AccountID:      ad.AccountID,
		TenantID:       st.TenantID,
		ChangeType:     domain.ChangePause,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: fmt.Sprintf("fatigue:pause:%s:%s", ad.AdID, day),
		Reason:         reason,
	}); err != nil {
		return fmt.Errorf("enqueue fatigue pause %s: %w", ad.AdID, err)
	}

	if r.creative == nil {
		return nil
	}
	var winners []string
	if r.winners != nil {
		winners, err = r.winners.TopSimilarAdIDs(ctx, ad.AdID, 5)
		if err != nil {
			logger.Warn("winner lookup failed for replacement request", "ad_id", ad.AdID, "error", err.Error())
		}
	}
	if err := r.creative.RequestReplacement(ctx, ad.AdID, reason, winners); err != nil {
		// The pause already protects spend; a generator outage only
		// delays the replacement.
		logger.Error("replacement request failed", "ad_id", ad.AdID, "error", err.Error())
	}
	return nil
}
