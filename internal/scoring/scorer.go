// Package scoring computes the blended per-ad score that drives budget
// allocation: an age-weighted mix of click-through and pipeline-ROAS
// signals with fatigue decay and an optional creative-similarity boost.
//
// The scorer is a pure function of its inputs. It never touches the store
// and never mutates AdState, so a scoring failure can only fail the
// current decision cycle.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// epsilon guards every division; raw counters can legitimately be zero.
const epsilon = 1e-9

// Cohort carries the account-level baselines used to normalize raw CTR and
// ROAS so ads compete on relative performance, not niche-dependent absolutes.
type Cohort struct {
	CTRBaseline  float64
	ROASBaseline float64
}

// CohortOf computes baselines over an account's ad states. Baseline is
// "mean" or "median"; anything else falls back to mean.
func CohortOf(states []*domain.AdState, baseline string) Cohort {
	if len(states) == 0 {
		return Cohort{}
	}
	ctrs := make([]float64, 0, len(states))
	roas := make([]float64, 0, len(states))
	for _, st := range states {
		ctrs = append(ctrs, st.CTR())
		roas = append(roas, st.PipelineROAS())
	}
	if baseline == "median" {
		return Cohort{CTRBaseline: median(ctrs), ROASBaseline: median(roas)}
	}
	return Cohort{CTRBaseline: mean(ctrs), ROASBaseline: mean(roas)}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// Input is everything one score computation needs. DNABoost comes from the
// winner index as a plain value so the scorer stays decoupled from it; zero
// means absent and is treated as no boost.
type Input struct {
	State    *domain.AdState
	Cohort   Cohort
	DNABoost float64
	Now      time.Time
}

// Result is a score with its pieces, kept for audit explanations.
type Result struct {
	Value       float64
	Components  domain.ScoreComponents
	Explanation string
}

// Scorer computes blended scores with memoization.
type Scorer struct {
	gamma float64
	cache *scoreCache
}

// New returns a scorer with the given fatigue-decay gamma and a bounded
// memoization cache.
func New(gamma float64, cacheSize int) *Scorer {
	if gamma <= 0 {
		gamma = 0.3
	}
	return &Scorer{gamma: gamma, cache: newScoreCache(cacheSize, 30*time.Minute)}
}

// Score returns the blended score for one ad.
func (s *Scorer) Score(in Input) Result {
	key := cacheKey(in)
	if r, ok := s.cache.get(key); ok {
		return r
	}
	r := s.compute(in)
	s.cache.put(in.State.AdID, key, r)
	return r
}

// Invalidate drops cached scores for an ad. Called on every feedback
// ingest so fresh signal is visible to the next cycle immediately.
func (s *Scorer) Invalidate(adID string) {
	s.cache.invalidate(adID)
}

func (s *Scorer) compute(in Input) Result {
	st := in.State

	rawCTR := st.CTR()
	rawROAS := st.PipelineROAS()
	if isBad(rawCTR) || isBad(rawROAS) || isBad(in.Cohort.CTRBaseline) || isBad(in.Cohort.ROASBaseline) {
		logger.Warn("non-finite score input, scoring 0", "ad_id", st.AdID)
		return Result{Explanation: "non-finite input"}
	}

	ctrScore := rawCTR / math.Max(in.Cohort.CTRBaseline, epsilon)
	roasScore := rawROAS / math.Max(in.Cohort.ROASBaseline, epsilon)

	w := CTRWeight(st.AgeHours(in.Now))
	decay := math.Exp(-s.gamma * float64(st.Impressions) / 1e5)
	boost := clampBoost(in.DNABoost)

	value := (w*ctrScore + (1-w)*roasScore) * decay * boost
	if value < 0 || isBad(value) {
		value = 0
	}

	comp := domain.ScoreComponents{
		CTRScore:     ctrScore,
		ROASScore:    roasScore,
		CTRWeight:    w,
		FatigueDecay: decay,
		DNABoost:     boost,
	}
	return Result{
		Value:      value,
		Components: comp,
		Explanation: fmt.Sprintf("ctr=%.3f roas=%.3f w_ctr=%.2f decay=%.3f boost=%.2f",
			ctrScore, roasScore, w, decay, boost),
	}
}

// clampBoost maps the externally supplied similarity boost into [1.0, 1.2].
// Zero means no winner-index signal and is neutral.
func clampBoost(b float64) float64 {
	if b == 0 || isBad(b) {
		return 1.0
	}
	if b < 1.0 {
		return 1.0
	}
	if b > 1.2 {
		return 1.2
	}
	return b
}

func isBad(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
