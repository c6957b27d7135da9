// Package allocator turns scored ad states into per-ad budget
// recommendations: Thompson sampling over Beta posteriors for
// exploration, softmax for the budget split, with an ignorance zone that
// shields young low-spend ads from kill decisions.
package allocator

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/stat"
	"github.com/ignite/adpilot/internal/scoring"
)

// AdInput is one ad's view going into a decision cycle.
type AdInput struct {
	State              *domain.AdState
	CurrentBudgetCents int64
	// DNABoost is the winner-index similarity boost, 0 when absent.
	DNABoost float64
}

// Result is one cycle's output: the recommendations plus the updated
// below-kill streak per ad, which the caller persists.
type Result struct {
	Recommendations []*domain.Recommendation
	KillStreaks     map[string]int
}

// Allocator holds the tenant knobs and the scorer. Side-effect free: it
// reads states and produces recommendations, never touching the store.
type Allocator struct {
	cfg    config.TenantDefaults
	scorer *scoring.Scorer

	// rngFor is injectable for deterministic tests. The production seed
	// derives from (cycleID, adID) so reruns of a cycle draw identically.
	rngFor func(cycleID, adID string) *rand.Rand
}

// New returns an allocator with production seeding.
func New(cfg config.TenantDefaults, scorer *scoring.Scorer) *Allocator {
	return &Allocator{
		cfg:    cfg,
		scorer: scorer,
		rngFor: func(cycleID, adID string) *rand.Rand {
			h := fnv.New64a()
			h.Write([]byte(cycleID))
			h.Write([]byte{'|'})
			h.Write([]byte(adID))
			return rand.New(rand.NewSource(int64(h.Sum64())))
		},
	}
}

// SetRNG overrides the per-ad RNG source. Tests only.
func (a *Allocator) SetRNG(f func(cycleID, adID string) *rand.Rand) { a.rngFor = f }

type candidate struct {
	in          AdInput
	score       scoring.Result
	theta       float64
	u           float64
	roas        float64
	action      domain.Action
	reason      string
	streak      int
	ignorance   bool
	recommended int64
}

// Allocate produces budget recommendations for one account's ads given the
// account's total daily budget.
func (a *Allocator) Allocate(cycleID string, ads []AdInput, totalBudgetCents int64, now time.Time) Result {
	states := make([]*domain.AdState, len(ads))
	for i, in := range ads {
		states[i] = in.State
	}
	cohort := scoring.CohortOf(states, a.cfg.CohortBaseline)
	mode := domain.Mode(a.cfg.Mode)

	cands := make([]*candidate, 0, len(ads))
	for _, in := range ads {
		c := &candidate{in: in}
		c.score = a.scorer.Score(scoring.Input{State: in.State, Cohort: cohort, DNABoost: in.DNABoost, Now: now})
		c.theta = stat.SampleBeta(a.rngFor(cycleID, in.State.AdID), in.State.Alpha, in.State.Beta)
		c.u = c.theta * c.score.Value
		c.roas = modeROAS(in.State, mode)
		cands = append(cands, c)
	}

	topQuartile := thetaQuartile(cands)

	for _, c := range cands {
		a.classify(c, mode, topQuartile, now)
	}

	a.distribute(cands, totalBudgetCents)

	recs := make([]*domain.Recommendation, 0, len(cands))
	streaks := make(map[string]int, len(cands))
	for _, c := range cands {
		comp := c.score.Components
		comp.ThompsonDraw = c.theta
		recs = append(recs, &domain.Recommendation{
			AdID:             c.in.State.AdID,
			AccountID:        c.in.State.AccountID,
			CycleID:          cycleID,
			Action:           c.action,
			RecommendedCents: c.recommended,
			CurrentCents:     c.in.CurrentBudgetCents,
			Confidence:       a.confidence(c),
			Reason:           c.reason,
			Components:       comp,
			CreatedAt:        now,
		})
		streaks[c.in.State.AdID] = c.streak
	}
	return Result{Recommendations: recs, KillStreaks: streaks}
}

func (a *Allocator) classify(c *candidate, mode domain.Mode, topQuartile float64, now time.Time) {
	st := c.in.State
	ageDays := st.AgeHours(now) / 24

	ignDays := a.cfg.IgnoranceZoneDays
	if mode == domain.ModeDirect {
		ignDays = a.cfg.IgnoranceZoneDaysDirect
	}

	// Too young and too cheap to judge: hold regardless of the draw.
	if ageDays < ignDays && st.SpendCents < a.cfg.IgnoranceZoneSpendCents {
		c.action = domain.ActionHold
		c.ignorance = true
		c.streak = st.BelowKillStreak
		c.reason = fmt.Sprintf("ignorance zone: age %.1fd < %.1fd and spend $%.2f < $%.2f",
			ageDays, ignDays, cents(st.SpendCents), cents(a.cfg.IgnoranceZoneSpendCents))
		return
	}

	killThreshold := a.cfg.KillROASThreshold
	if mode == domain.ModeDirect {
		killThreshold = a.cfg.KillROASThresholdDirect
	}

	if c.roas < killThreshold {
		c.streak = st.BelowKillStreak + 1
	} else {
		c.streak = 0
	}

	switch {
	case mode == domain.ModePipeline && ageDays >= ignDays && c.streak >= a.cfg.KillStreak:
		c.action = domain.ActionKill
		c.reason = fmt.Sprintf("pipeline ROAS %.2f below %.2f for %d consecutive evaluations",
			c.roas, killThreshold, c.streak)
	case mode == domain.ModeDirect && c.roas < killThreshold:
		c.action = domain.ActionKill
		c.reason = fmt.Sprintf("direct ROAS %.2f below %.2f", c.roas, killThreshold)
	case c.roas > a.cfg.ScaleROASThreshold && c.theta >= topQuartile:
		c.action = domain.ActionScale
		c.reason = fmt.Sprintf("ROAS %.2f above %.2f with top-quartile draw %.3f",
			c.roas, a.cfg.ScaleROASThreshold, c.theta)
	default:
		// Provisional; distribute() may downgrade to reduce.
		c.action = domain.ActionHold
		c.reason = fmt.Sprintf("ROAS %.2f, draw %.3f: no strong signal either way", c.roas, c.theta)
	}
}

// distribute splits the budget pool by softmax over u among live candidates.
// Ignorance-zone ads keep their current share; killed ads get zero; no ad
// moves more than the per-cycle step cap.
func (a *Allocator) distribute(cands []*candidate, totalBudgetCents int64) {
	var held int64
	var live []*candidate
	for _, c := range cands {
		switch c.action {
		case domain.ActionKill:
			c.recommended = 0
		case domain.ActionHold:
			if c.ignorance {
				c.recommended = c.in.CurrentBudgetCents
				held += c.recommended
				continue
			}
			live = append(live, c)
		default:
			live = append(live, c)
		}
	}
	pool := totalBudgetCents - held
	if pool < 0 {
		pool = 0
	}
	if len(live) == 0 {
		return
	}

	weights := softmax(live, a.cfg.SoftmaxTemperature)
	for i, c := range live {
		target := int64(math.Round(float64(pool) * weights[i]))
		c.recommended = clampStep(target, c.in.CurrentBudgetCents, a.cfg.MaxBudgetStepPct)
		if c.action == domain.ActionHold && c.recommended < c.in.CurrentBudgetCents {
			c.action = domain.ActionReduce
			c.reason += "; below-average draw shifts budget to stronger ads"
		}
	}
}

// clampStep bounds a budget move to maxStepPct of the current budget per
// cycle. Ads starting from zero are unconstrained upward.
func clampStep(target, current int64, maxStepPct float64) int64 {
	if current <= 0 {
		return target
	}
	maxUp := current + int64(float64(current)*maxStepPct)
	maxDown := current - int64(float64(current)*maxStepPct)
	if target > maxUp {
		return maxUp
	}
	if target < maxDown {
		return maxDown
	}
	return target
}

func softmax(cands []*candidate, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1.0
	}
	maxU := math.Inf(-1)
	for _, c := range cands {
		if c.u > maxU {
			maxU = c.u
		}
	}
	out := make([]float64, len(cands))
	var sum float64
	for i, c := range cands {
		out[i] = math.Exp((c.u - maxU) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// confidence is the posterior mass above the decision threshold. The ROAS
// threshold maps onto the Beta support as tau/(tau+roas): the better the
// observed return, the lower the bar the posterior must clear.
func (a *Allocator) confidence(c *candidate) float64 {
	tau := a.cfg.ScaleROASThreshold
	x := 0.5
	if c.roas > 0 {
		x = tau / (tau + c.roas)
	}
	return stat.BetaTailProb(x, c.in.State.Alpha, c.in.State.Beta)
}

// thetaQuartile returns the 75th-percentile Thompson draw; scale eligibility
// requires clearing it.
func thetaQuartile(cands []*candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	thetas := make([]float64, len(cands))
	for i, c := range cands {
		thetas[i] = c.theta
	}
	sort.Float64s(thetas)
	idx := (len(thetas) * 3) / 4
	if idx >= len(thetas) {
		idx = len(thetas) - 1
	}
	return thetas[idx]
}

func modeROAS(st *domain.AdState, mode domain.Mode) float64 {
	if mode == domain.ModeDirect {
		if st.SpendCents <= 0 {
			return 0
		}
		return float64(st.ObservedRevCents) / float64(st.SpendCents)
	}
	return st.PipelineROAS()
}

func cents(c int64) float64 { return float64(c) / 100 }

// Outcome classifies a feedback event for the posterior update.
type Outcome struct {
	// Success is true for click or synthetic-revenue events, false for
	// impressions that aged out without a click.
	Success bool
	// Tier weights the update; zero tier means direct platform feedback
	// with unit weight.
	Tier domain.ConfidenceTier
}

// PosteriorDelta returns the (dAlpha, dBeta) a feedback outcome adds to an
// ad's Beta posterior. Weight scales with attribution confidence.
func PosteriorDelta(o Outcome) (float64, float64) {
	w := 1.0
	if o.Tier != "" {
		w = o.Tier.Confidence()
	}
	if o.Success {
		return w, 0
	}
	return 0, w
}
