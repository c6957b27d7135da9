package domain

import "time"

// DailyMetrics is one day of an ad's delivery metrics, accumulated from
// metric-update feedback. Rolling windows over these rows drive fatigue
// detection.
type DailyMetrics struct {
	AdID        string    `json:"ad_id" db:"ad_id"`
	Day         time.Time `json:"day" db:"day"`
	Impressions int64     `json:"impressions" db:"impressions"`
	Clicks      int64     `json:"clicks" db:"clicks"`
	SpendCents  int64     `json:"spend_cents" db:"spend_cents"`
}

// CTR returns the day's click-through rate, 0 without impressions.
func (m *DailyMetrics) CTR() float64 {
	if m.Impressions <= 0 {
		return 0
	}
	return float64(m.Clicks) / float64(m.Impressions)
}

// CPMCents returns the day's cost per thousand impressions in cents.
func (m *DailyMetrics) CPMCents() float64 {
	if m.Impressions <= 0 {
		return 0
	}
	return float64(m.SpendCents) * 1000 / float64(m.Impressions)
}
