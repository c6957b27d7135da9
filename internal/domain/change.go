package domain

import (
	"encoding/json"
	"time"
)

// ChangeType is the closed set of mutations the executor knows how to apply.
// Adding a new type means updating the executor's dispatch.
type ChangeType string

const (
	ChangeBudgetIncrease  ChangeType = "budget_increase"
	ChangeBudgetDecrease  ChangeType = "budget_decrease"
	ChangePause           ChangeType = "pause"
	ChangeResume          ChangeType = "resume"
	ChangeReplaceCreative ChangeType = "replace_creative"
)

// ValidChangeType reports whether t is a known change type.
func ValidChangeType(t ChangeType) bool {
	switch t {
	case ChangeBudgetIncrease, ChangeBudgetDecrease, ChangePause, ChangeResume, ChangeReplaceCreative:
		return true
	}
	return false
}

// IsBudgetChange reports whether the change moves money.
func (t ChangeType) IsBudgetChange() bool {
	return t == ChangeBudgetIncrease || t == ChangeBudgetDecrease
}

// ChangeStatus enumerates the lifecycle of a pending change.
//
//	pending → claimed → applied
//	                  → failed → pending (attempts < max)
//	                           → dead
type ChangeStatus string

const (
	ChangePending ChangeStatus = "pending"
	ChangeClaimed ChangeStatus = "claimed"
	ChangeApplied ChangeStatus = "applied"
	ChangeFailed  ChangeStatus = "failed"
	ChangeDead    ChangeStatus = "dead"
)

// IsTerminal reports whether the status is final.
func (s ChangeStatus) IsTerminal() bool {
	return s == ChangeApplied || s == ChangeDead
}

// BudgetPayload is the payload for budget_increase/budget_decrease changes.
type BudgetPayload struct {
	NewBudgetCents int64 `json:"new_budget_cents"`
	OldBudgetCents int64 `json:"old_budget_cents"`
}

// ReplaceCreativePayload is the payload for replace_creative changes.
type ReplaceCreativePayload struct {
	CreativeID string `json:"creative_id"`
}

// PendingAdChange is the durable unit of work in the safe-execution queue.
// For a given IdempotencyKey at most one record ever reaches applied.
type PendingAdChange struct {
	ID                int64           `json:"id" db:"id"`
	AdID              string          `json:"ad_id" db:"ad_id"`
	AccountID         string          `json:"account_id" db:"account_id"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	ChangeType        ChangeType      `json:"change_type" db:"change_type"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	Status            ChangeStatus    `json:"status" db:"status"`
	Attempts          int             `json:"attempts" db:"attempts"`
	WorkerID          *string         `json:"worker_id" db:"worker_id"`
	EarliestExecuteAt time.Time       `json:"earliest_execute_at" db:"earliest_execute_at"`
	ClaimDeadline     *time.Time      `json:"claim_deadline" db:"claim_deadline"`
	IdempotencyKey    string          `json:"idempotency_key" db:"idempotency_key"`
	Reason            string          `json:"reason" db:"reason"`
	Error             string          `json:"error" db:"error"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ClaimedAt         *time.Time      `json:"claimed_at" db:"claimed_at"`
	AppliedAt         *time.Time      `json:"applied_at" db:"applied_at"`
}

// BudgetDeltaCents returns the absolute budget movement of the change, 0 for
// non-budget changes or undecodable payloads.
func (c *PendingAdChange) BudgetDeltaCents() int64 {
	if !c.ChangeType.IsBudgetChange() {
		return 0
	}
	var p BudgetPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return 0
	}
	d := p.NewBudgetCents - p.OldBudgetCents
	if d < 0 {
		d = -d
	}
	return d
}

// ChangeHistory is the append-only audit row written on every terminal
// transition of a PendingAdChange. Immutable once written.
type ChangeHistory struct {
	ID             int64        `json:"id" db:"id"`
	ChangeID       int64        `json:"change_id" db:"change_id"`
	AdID           string       `json:"ad_id" db:"ad_id"`
	AccountID      string       `json:"account_id" db:"account_id"`
	ChangeType     ChangeType   `json:"change_type" db:"change_type"`
	Status         ChangeStatus `json:"status" db:"status"`
	IdempotencyKey string       `json:"idempotency_key" db:"idempotency_key"`
	Attempts       int          `json:"attempts" db:"attempts"`
	LatencyMs      int64        `json:"latency_ms" db:"latency_ms"`
	Error          string       `json:"error" db:"error"`
	Reason         string       `json:"reason" db:"reason"`
	RecordedAt     time.Time    `json:"recorded_at" db:"recorded_at"`
}
