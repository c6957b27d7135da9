package domain

import (
	"time"
)

// EmbeddingDim is the fixed dimension of winner-pattern embeddings.
const EmbeddingDim = 256

// WinnerMetadata describes the creative DNA of a winning ad.
type WinnerMetadata struct {
	HookStyle string `json:"hook_style"`
	CTA       string `json:"cta"`
	Niche     string `json:"niche"`
	Cohort    string `json:"cohort"`
}

// WinnerSnapshot is the performance of the ad at the moment it was indexed.
type WinnerSnapshot struct {
	CTR          float64 `json:"ctr"`
	PipelineROAS float64 `json:"pipeline_roas"`
	SpendCents   int64   `json:"spend_cents"`
	Impressions  int64   `json:"impressions"`
}

// WinnerPattern is a stored winning-ad fingerprint. Indexed only when the
// CTR, pipeline-ROAS, and minimum-spend gates all pass; idempotent on AdID.
type WinnerPattern struct {
	PatternID string         `json:"pattern_id" db:"pattern_id"`
	AdID      string         `json:"ad_id" db:"ad_id"`
	AccountID string         `json:"account_id" db:"account_id"`
	Embedding []float64      `json:"embedding" db:"embedding"`
	Metadata  WinnerMetadata `json:"metadata" db:"metadata"`
	Snapshot  WinnerSnapshot `json:"snapshot" db:"snapshot"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// WinnerMatch is a k-NN search result.
type WinnerMatch struct {
	Pattern    WinnerPattern `json:"pattern"`
	Similarity float64       `json:"similarity"`
}
