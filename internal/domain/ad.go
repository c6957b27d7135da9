package domain

import (
	"time"
)

// AdStatus enumerates the lifecycle states of an ad. Ads are never deleted;
// they transition status instead.
type AdStatus string

const (
	AdActive   AdStatus = "active"
	AdPaused   AdStatus = "paused"
	AdFatigued AdStatus = "fatigued"
	AdKilled   AdStatus = "killed"
)

// Ad is the unit of optimization. The ad platform owns the authoritative
// record; this is the shadow copy the engine operates on.
type Ad struct {
	AdID         string    `json:"ad_id" db:"ad_id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	CampaignID   string    `json:"campaign_id" db:"campaign_id"`
	Status       AdStatus  `json:"status" db:"status"`
	BudgetCents  int64     `json:"current_budget_cents" db:"current_budget_cents"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AdState holds the mutable per-ad statistics the scorer reads. Mutated only
// by the attributor and the metric-feedback ingress, always under the per-ad
// advisory lock. Counters are monotonic; money is integer cents.
type AdState struct {
	AdID             string    `json:"ad_id" db:"ad_id"`
	AccountID        string    `json:"account_id" db:"account_id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	Impressions      int64     `json:"impressions" db:"impressions"`
	Clicks           int64     `json:"clicks" db:"clicks"`
	SpendCents       int64     `json:"spend_cents" db:"spend_cents"`
	ObservedRevCents int64     `json:"observed_revenue_cents" db:"observed_revenue_cents"`
	SyntheticCents   int64     `json:"synthetic_revenue_cents" db:"synthetic_revenue_cents"`
	// Beta posterior for Thompson sampling. Invariant: Alpha >= 1, Beta >= 1.
	Alpha float64 `json:"alpha" db:"alpha"`
	Beta  float64 `json:"beta" db:"beta"`
	// Consecutive evaluations below the kill threshold (resets on recovery).
	BelowKillStreak int       `json:"below_kill_streak" db:"below_kill_streak"`
	FirstSeenAt     time.Time `json:"first_seen_at" db:"first_seen_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// AgeHours returns the ad's age in hours at the given instant.
func (s *AdState) AgeHours(now time.Time) float64 {
	return now.Sub(s.FirstSeenAt).Hours()
}

// CTR returns clicks/impressions, 0 when no impressions yet.
func (s *AdState) CTR() float64 {
	if s.Impressions <= 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}

// PipelineROAS returns (observed + synthetic revenue) / spend. Spend of zero
// yields 0, not +Inf: an ad that hasn't spent has no return signal yet.
func (s *AdState) PipelineROAS() float64 {
	if s.SpendCents <= 0 {
		return 0
	}
	return float64(s.ObservedRevCents+s.SyntheticCents) / float64(s.SpendCents)
}

// Valid reports whether the state satisfies its invariants.
func (s *AdState) Valid() bool {
	return s.Alpha >= 1 && s.Beta >= 1 &&
		s.Impressions >= s.Clicks && s.Clicks >= 0 &&
		s.SpendCents >= 0
}
