// Package fatigue flags ads whose delivery has materially degraded and
// turns the findings into remediation intents on the change queue.
package fatigue

import (
	"fmt"
	"math"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/stat"
)

// Rule names a fatigue signal. Tenants can disable rules individually.
type Rule string

const (
	RuleCTRDecline Rule = "ctr_decline"
	RuleSaturation Rule = "saturation"
	RuleCPMSpike   Rule = "cpm_spike"
	RuleFlatline   Rule = "flatline"
)

const (
	// minWindowImpressions is the floor below which a rolling CTR window
	// is too thin to compare.
	minWindowImpressions = 1000

	// cpmSpikeRatio and cpmSpikeP gate the CPM rule: the recent mean must
	// exceed the baseline by the ratio and the t-test must reject chance.
	cpmSpikeRatio = 1.5
	cpmSpikeP     = 0.05

	// ctrDeclineRatio fires when the recent week runs below this fraction
	// of the prior week.
	ctrDeclineRatio = 0.7
)

// Finding is one ad's fatigue assessment at one tick. Severity is the
// number of rules that fired.
type Finding struct {
	AdID     string
	Rules    []Rule
	Severity int
	Details  []string
}

// Detector evaluates the rolling-window rules. Stateless; all inputs come
// from the caller so ticks are trivially testable.
type Detector struct {
	cfg     config.TenantDefaults
	enabled map[Rule]bool
}

// New returns a detector honoring the tenant's enabled-rules list.
func New(cfg config.TenantDefaults) *Detector {
	enabled := make(map[Rule]bool, len(cfg.FatigueRulesEnabled))
	for _, r := range cfg.FatigueRulesEnabled {
		enabled[Rule(r)] = true
	}
	return &Detector{cfg: cfg, enabled: enabled}
}

// Evaluate runs every enabled rule against one ad. series is daily metrics
// newest first; cohortCTR scales the flatline window. Returns nil when
// nothing fired.
func (d *Detector) Evaluate(st *domain.AdState, series []*domain.DailyMetrics, cohortCTR float64) *Finding {
	f := &Finding{AdID: st.AdID}

	if d.enabled[RuleCTRDecline] {
		if detail, fired := d.ctrDecline(series); fired {
			f.Rules = append(f.Rules, RuleCTRDecline)
			f.Details = append(f.Details, detail)
		}
	}
	if d.enabled[RuleSaturation] {
		if detail, fired := d.saturation(st, series); fired {
			f.Rules = append(f.Rules, RuleSaturation)
			f.Details = append(f.Details, detail)
		}
	}
	if d.enabled[RuleCPMSpike] {
		if detail, fired := d.cpmSpike(series); fired {
			f.Rules = append(f.Rules, RuleCPMSpike)
			f.Details = append(f.Details, detail)
		}
	}
	if d.enabled[RuleFlatline] {
		if detail, fired := d.flatline(series, cohortCTR); fired {
			f.Rules = append(f.Rules, RuleFlatline)
			f.Details = append(f.Details, detail)
		}
	}

	f.Severity = len(f.Rules)
	if f.Severity == 0 {
		return nil
	}
	return f
}

// ctrDecline compares the last 7 days against the 7 before. Both windows
// must carry enough impressions to mean anything.
func (d *Detector) ctrDecline(series []*domain.DailyMetrics) (string, bool) {
	recent := windowTotals(series, 0, 7)
	prior := windowTotals(series, 7, 14)
	if recent.Impressions < minWindowImpressions || prior.Impressions < minWindowImpressions {
		return "", false
	}
	recentCTR := recent.CTR()
	priorCTR := prior.CTR()
	if priorCTR <= 0 || recentCTR >= ctrDeclineRatio*priorCTR {
		return "", false
	}
	return fmt.Sprintf("7d CTR %.4f is %.0f%% of prior 7d %.4f",
		recentCTR, 100*recentCTR/priorCTR, priorCTR), true
}

// saturation fires when lifetime impressions pass the tenant cap without
// proportional click growth: the recent week converts worse than the
// lifetime average.
func (d *Detector) saturation(st *domain.AdState, series []*domain.DailyMetrics) (string, bool) {
	if st.Impressions <= d.cfg.SaturationImpressions {
		return "", false
	}
	recent := windowTotals(series, 0, 7)
	if recent.Impressions < minWindowImpressions {
		return "", false
	}
	lifetime := st.CTR()
	if lifetime <= 0 || recent.CTR() >= lifetime {
		return "", false
	}
	return fmt.Sprintf("impressions %d past %d with recent CTR %.4f under lifetime %.4f",
		st.Impressions, d.cfg.SaturationImpressions, recent.CTR(), lifetime), true
}

// cpmSpike fires when the 3-day CPM runs 1.5x over the 14-day baseline and
// a one-sided t-test over the daily CPM samples rejects noise at p < 0.05.
func (d *Detector) cpmSpike(series []*domain.DailyMetrics) (string, bool) {
	if len(series) < 5 {
		return "", false
	}
	var recent, baseline []float64
	for i, m := range series {
		if i >= 14 {
			break
		}
		if m.Impressions <= 0 {
			continue
		}
		if i < 3 {
			recent = append(recent, m.CPMCents())
		} else {
			baseline = append(baseline, m.CPMCents())
		}
	}
	if len(recent) < 2 || len(baseline) < 2 {
		return "", false
	}
	recentMean := mean(recent)
	baselineMean := mean(baseline)
	if baselineMean <= 0 || recentMean < cpmSpikeRatio*baselineMean {
		return "", false
	}
	p := stat.WelchOneSidedP(recent, baseline)
	if p >= cpmSpikeP {
		return "", false
	}
	return fmt.Sprintf("3d CPM $%.2f vs 14d $%.2f (p=%.4f)",
		recentMean/100, baselineMean/100, p), true
}

// flatline fires on zero clicks over the last N impressions, where N scales
// with the cohort: weaker cohorts get a longer leash.
func (d *Detector) flatline(series []*domain.DailyMetrics, cohortCTR float64) (string, bool) {
	n := int64(3 / math.Max(cohortCTR, 1e-9))
	if n < minWindowImpressions {
		n = minWindowImpressions
	}
	if n > 100000 {
		n = 100000
	}

	var impressions, clicks int64
	for _, m := range series {
		impressions += m.Impressions
		clicks += m.Clicks
		if impressions >= n {
			break
		}
	}
	if impressions < n || clicks > 0 {
		return "", false
	}
	return fmt.Sprintf("zero clicks over last %d impressions", impressions), true
}

// windowTotals sums series days [from, to), series newest first.
func windowTotals(series []*domain.DailyMetrics, from, to int) *domain.DailyMetrics {
	total := &domain.DailyMetrics{}
	for i, m := range series {
		if i < from {
			continue
		}
		if i >= to {
			break
		}
		total.Impressions += m.Impressions
		total.Clicks += m.Clicks
		total.SpendCents += m.SpendCents
	}
	return total
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
