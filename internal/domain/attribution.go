package domain

import (
	"time"
)

// StageValue is the per-stage entry of a tenant's stage configuration.
// ValuePercentage is the fraction of eventual deal value this stage is
// worth (0..1). Confidence reflects how reliably the tenant's funnel
// historically converts from this stage.
type StageValue struct {
	ValuePercentage float64 `json:"value_percentage" yaml:"value_percentage" db:"value_percentage"`
	Confidence      float64 `json:"confidence" yaml:"confidence" db:"confidence"`
	Description     string  `json:"description" yaml:"description" db:"description"`
}

// StageConfig maps CRM stage names to values for one tenant. Values should be
// non-decreasing along the canonical funnel order; violations are logged when
// loaded, not rejected (the tenant admin UI owns the data).
type StageConfig struct {
	TenantID  string                `json:"tenant_id" db:"tenant_id"`
	Stages    map[string]StageValue `json:"stages" db:"stages"`
	FunnelOrder []string            `json:"funnel_order" db:"funnel_order"`
	UpdatedAt time.Time             `json:"updated_at" db:"updated_at"`
}

// Value returns the value percentage for a stage name, with ok=false for
// unknown stages. An empty stage name (first event of a deal) is worth 0.
func (c *StageConfig) Value(stage string) (float64, bool) {
	if stage == "" {
		return 0, true
	}
	v, ok := c.Stages[stage]
	if !ok {
		return 0, false
	}
	return v.ValuePercentage, true
}

// ConfidenceTier classifies how an attribution match was made.
type ConfidenceTier string

const (
	// TierFingerprint is an identity-fingerprint match (30-day window).
	TierFingerprint ConfidenceTier = "fingerprint"
	// TierIPTime is an IP + user-agent + time match (7-day window).
	TierIPTime ConfidenceTier = "ip+time"
	// TierTimeDecay is a probabilistic time-decay match (30-day window).
	TierTimeDecay ConfidenceTier = "time-decay"
)

// Confidence returns the nominal confidence for the tier.
func (t ConfidenceTier) Confidence() float64 {
	switch t {
	case TierFingerprint:
		return 0.9
	case TierIPTime:
		return 0.7
	case TierTimeDecay:
		return 0.4
	}
	return 0
}

// StageEvent is a CRM pipeline-stage transition received by the ingress.
type StageEvent struct {
	TenantID       string    `json:"tenant_id"`
	DealID         string    `json:"deal_id"`
	StageFrom      string    `json:"stage_from"`
	StageTo        string    `json:"stage_to"`
	DealValueCents int64     `json:"deal_value_cents"`
	Timestamp      time.Time `json:"timestamp"`
	Fingerprint    string    `json:"fingerprint"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"user_agent"`
}

// AttributionRecord links one CRM stage transition to one ad, with the
// synthetic-revenue delta credited to that ad. At most one record exists per
// (deal, stage_to, ad) triple; re-delivery is a no-op.
type AttributionRecord struct {
	ID              int64          `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	DealID          string         `json:"deal_id" db:"deal_id"`
	StageFrom       string         `json:"stage_from" db:"stage_from"`
	StageTo         string         `json:"stage_to" db:"stage_to"`
	AdID            string         `json:"ad_id" db:"ad_id"`
	DeltaValueCents int64          `json:"delta_value_cents" db:"delta_value_cents"`
	Tier            ConfidenceTier `json:"confidence_tier" db:"confidence_tier"`
	Weight          float64        `json:"weight" db:"weight"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// TouchPoint is a recorded ad interaction (click) used by the attributor to
// match stage events back to ads.
type TouchPoint struct {
	AdID        string    `json:"ad_id" db:"ad_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	IP          string    `json:"ip" db:"ip"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
}
