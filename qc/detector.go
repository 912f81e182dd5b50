package qc

import (
	"fmt"
	"time"
)

// Monitored signal keys, matching the Sample wire names.
const (
	SignalSiO2      = "SiO2_in"
	SignalCaO       = "CaO_in"
	SignalMoisture  = "Moisture"
	SignalSeparator = "Separator"
	SignalGypsum    = "Gypsum"
	SignalLSF       = "LSF_est"
	SignalBlaine    = "Blaine_est"
	SignalFCaO      = "fCaO_est"
)

// KPI impact directions.
const (
	ImpactUp      = "up"
	ImpactDown    = "down"
	ImpactNeutral = "neutral"
)

// ZThresh is the z-score above which a raw-input deviation counts as drift.
const ZThresh = 1.3

// Issue is the detector's verdict that current readings warrant correction.
type Issue struct {
	Timestamp time.Time         `json:"ts"`
	Text      string            `json:"text"`
	Drivers   []string          `json:"drivers"`
	KPIImpact map[string]string `json:"kpi_impact"`
}

// ruleHit is the contribution of one fired drift rule.
type ruleHit struct {
	text   string
	driver string
	impact map[string]string
}

// driftRule inspects window state and reports a hit or nil. Rules are
// evaluated in priority order: the first hit owns the headline text, all
// hits merge their drivers and KPI impacts.
type driftRule func(d *DriftDetector) *ruleHit

// DriftDetector consumes samples through the rolling-statistics engine and
// decides whether the plant has drifted enough to correct. Not safe for
// concurrent use; the control loop serializes Push and MaybeIssue.
type DriftDetector struct {
	rs      *RollingStats
	targets Targets
	rules   []driftRule
	clock   func() time.Time
}

// NewDriftDetector creates a detector over a fresh rolling window.
func NewDriftDetector(win WindowConfig, targets Targets) *DriftDetector {
	d := &DriftDetector{
		rs:      NewRollingStats(win.Length, win.MinSamples),
		targets: targets,
		clock:   time.Now,
	}
	d.rules = []driftRule{
		zScoreRule(SignalSiO2, above, "SiO2_in_high",
			"SiO2 spike detected; expect LSF down and f-CaO up",
			map[string]string{"LSF": ImpactDown, "Blaine": ImpactNeutral, "fCaO": ImpactUp}),
		zScoreRule(SignalCaO, below, "CaO_in_low",
			"CaO low drift detected; expect LSF down and f-CaO up",
			map[string]string{"LSF": ImpactDown, "Blaine": ImpactNeutral, "fCaO": ImpactUp}),
		zScoreRule(SignalSeparator, below, "Separator_low",
			"Separator speed low; expect Blaine down",
			map[string]string{"LSF": ImpactNeutral, "Blaine": ImpactDown, "fCaO": ImpactNeutral}),
		lsfBandRule,
		blaineBandRule,
		fcaoHighRule,
	}
	return d
}

// SetTargets swaps the detection bands; callers hold the control-loop lock.
func (d *DriftDetector) SetTargets(t Targets) {
	d.targets = t
}

// Push forwards each monitored signal of a sample into the rolling windows.
func (d *DriftDetector) Push(s Sample) {
	d.rs.Push(SignalSiO2, s.SiO2In)
	d.rs.Push(SignalCaO, s.CaOIn)
	d.rs.Push(SignalMoisture, s.Moisture)
	d.rs.Push(SignalSeparator, s.Separator)
	d.rs.Push(SignalGypsum, s.Gypsum)
	d.rs.Push(SignalLSF, s.LSF)
	d.rs.Push(SignalBlaine, s.Blaine)
	d.rs.Push(SignalFCaO, s.FCaO)
}

// SampleCount reports how many samples the detector has seen (via the
// primary raw-input window).
func (d *DriftDetector) SampleCount() int {
	return d.rs.Len(SignalSiO2)
}

// LastValues returns the most recent value per monitored signal, for the
// advisor context bundle. Signals whose window is not warm are omitted.
func (d *DriftDetector) LastValues() map[string]float64 {
	out := make(map[string]float64)
	for _, key := range []string{SignalSiO2, SignalCaO, SignalMoisture, SignalSeparator, SignalGypsum, SignalLSF, SignalBlaine, SignalFCaO} {
		if st, ok := d.rs.Stats(key); ok {
			out[key] = st.Last
		}
	}
	return out
}

// MaybeIssue runs the rule cascade and returns an Issue, or nil when no rule
// fires. Nil is the normal no-drift outcome, not an error.
func (d *DriftDetector) MaybeIssue() *Issue {
	var text string
	var drivers []string
	impact := map[string]string{"LSF": ImpactNeutral, "Blaine": ImpactNeutral, "fCaO": ImpactNeutral}
	seen := make(map[string]bool)

	for _, rule := range d.rules {
		hit := rule(d)
		if hit == nil {
			continue
		}
		if text == "" {
			text = hit.text
		}
		if !seen[hit.driver] {
			seen[hit.driver] = true
			drivers = append(drivers, hit.driver)
		}
		for k, v := range hit.impact {
			impact[k] = v
		}
	}

	if text == "" || len(drivers) == 0 {
		return nil
	}
	return &Issue{
		Timestamp: d.clock(),
		Text:      text,
		Drivers:   drivers,
		KPIImpact: impact,
	}
}

type badDirection int

const (
	above badDirection = iota
	below
)

// zScoreRule fires when a signal's z-score exceeds ZThresh and its last
// value deviates from the mean in the bad direction.
func zScoreRule(signal string, dir badDirection, driver, text string, impact map[string]string) driftRule {
	return func(d *DriftDetector) *ruleHit {
		st, ok := d.rs.Stats(signal)
		if !ok || st.Z <= ZThresh {
			return nil
		}
		if dir == above && st.Last <= st.Mean {
			return nil
		}
		if dir == below && st.Last >= st.Mean {
			return nil
		}
		return &ruleHit{text: text, driver: driver, impact: impact}
	}
}

// lsfBandRule is the band-breach fallback for LSF; unlike the z rules it
// only needs a warm window, not a meaningful baseline.
func lsfBandRule(d *DriftDetector) *ruleHit {
	st, ok := d.rs.Stats(SignalLSF)
	if !ok || (st.Last >= d.targets.LSFMin && st.Last <= d.targets.LSFMax) {
		return nil
	}
	dirn := "high"
	impact := map[string]string{"LSF": ImpactNeutral, "Blaine": ImpactNeutral, "fCaO": ImpactNeutral}
	if st.Last < d.targets.LSFMin {
		dirn = "low"
		impact["fCaO"] = ImpactUp
	}
	return &ruleHit{
		text:   fmt.Sprintf("LSF %s vs target band; adjust rawmix proportions", dirn),
		driver: "LSF_band_breach",
		impact: impact,
	}
}

func blaineBandRule(d *DriftDetector) *ruleHit {
	st, ok := d.rs.Stats(SignalBlaine)
	if !ok || (st.Last >= d.targets.BlaineMin && st.Last <= d.targets.BlaineMax) {
		return nil
	}
	dirn, blaineDir := "high", ImpactUp
	if st.Last < d.targets.BlaineMin {
		dirn, blaineDir = "low", ImpactDown
	}
	return &ruleHit{
		text:   fmt.Sprintf("Blaine %s vs target band; tune separator/gypsum", dirn),
		driver: "Blaine_band_breach",
		impact: map[string]string{"LSF": ImpactNeutral, "Blaine": blaineDir, "fCaO": ImpactNeutral},
	}
}

// fcaoHighRule warns at 80% of the fCaO ceiling, a direct quality signal.
func fcaoHighRule(d *DriftDetector) *ruleHit {
	st, ok := d.rs.Stats(SignalFCaO)
	warn := d.targets.FCaOMax * 0.8
	if !ok || st.Last <= warn {
		return nil
	}
	return &ruleHit{
		text:   fmt.Sprintf("fCaO is high (%.2f > %.2f); indicates LSF deviation", st.Last, warn),
		driver: "fCaO_high",
		impact: map[string]string{"LSF": ImpactNeutral, "fCaO": ImpactUp},
	}
}
