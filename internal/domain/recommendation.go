package domain

import (
	"time"
)

// Action is the allocator's verdict for one ad in one decision cycle.
type Action string

const (
	ActionScale  Action = "scale"
	ActionHold   Action = "hold"
	ActionReduce Action = "reduce"
	ActionKill   Action = "kill"
)

// Mode selects which revenue signal drives kill decisions.
type Mode string

const (
	// ModePipeline optimizes on pipeline ROAS (observed + synthetic revenue).
	ModePipeline Mode = "pipeline"
	// ModeDirect optimizes on observed revenue only.
	ModeDirect Mode = "direct"
)

// ScoreComponents carries the pieces of a blended score so every downstream
// decision can be explained without replay.
type ScoreComponents struct {
	CTRScore     float64 `json:"ctr_score"`
	ROASScore    float64 `json:"roas_score"`
	CTRWeight    float64 `json:"ctr_weight"`
	FatigueDecay float64 `json:"fatigue_decay"`
	DNABoost     float64 `json:"dna_boost"`
	ThompsonDraw float64 `json:"thompson_draw,omitempty"`
}

// Recommendation is one ad's budget decision for a cycle.
type Recommendation struct {
	AdID             string          `json:"ad_id" db:"ad_id"`
	AccountID        string          `json:"account_id" db:"account_id"`
	CycleID          string          `json:"cycle_id" db:"cycle_id"`
	Action           Action          `json:"action" db:"action"`
	RecommendedCents int64           `json:"recommended_budget_cents" db:"recommended_budget_cents"`
	CurrentCents     int64           `json:"current_budget_cents" db:"current_budget_cents"`
	Confidence       float64         `json:"confidence" db:"confidence"`
	Reason           string          `json:"reason" db:"reason"`
	Components       ScoreComponents `json:"components" db:"components"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}
