package qc

import (
	"fmt"
	"strings"
)

// PlanAction is a single proposed or clamped knob adjustment. Delta is in
// percent points for raw-mix and gypsum knobs, rpm for the separator.
type PlanAction struct {
	Knob   string  `json:"knob"`
	Delta  float64 `json:"delta_pct"`
	Reason string  `json:"reason"`
}

// rawMixKnobs are the composition knobs bound by the mass-balance invariant.
var rawMixKnobs = map[string]bool{
	KnobLimestone: true,
	KnobSand:      true,
	KnobClay:      true,
}

// ClampActions enforces per-knob ramp limits and the raw-mix mass balance on
// a proposed plan. Every adjustment is annotated in the returned notes; a
// plan is never rejected outright, only made safe.
//
// If the raw-mix deltas sum away from zero and the plan carries no explicit
// clay action, a compensating clay action is synthesized so the applied plan
// preserves limestone + sand + clay == 100.
func ClampActions(actions []PlanAction, limits Limits) ([]PlanAction, string) {
	var notes []string
	out := make([]PlanAction, 0, len(actions)+1)

	for _, a := range actions {
		switch {
		case rawMixKnobs[a.Knob]:
			lim := limits.RampLimitPct
			if a.Delta > lim {
				a.Delta = lim
				notes = append(notes, fmt.Sprintf("%s clamped to +%g%%", a.Knob, lim))
			}
			if a.Delta < -lim {
				a.Delta = -lim
				notes = append(notes, fmt.Sprintf("%s clamped to -%g%%", a.Knob, lim))
			}
		case a.Knob == KnobSeparator:
			lim := limits.SepRampLimit
			if a.Delta > lim {
				a.Delta = lim
				notes = append(notes, fmt.Sprintf("separator clamped to +%g rpm", lim))
			}
			if a.Delta < -lim {
				a.Delta = -lim
				notes = append(notes, fmt.Sprintf("separator clamped to -%g rpm", lim))
			}
		case a.Knob == KnobGypsum:
			lim := limits.GypsumRampLimit
			if a.Delta > lim {
				a.Delta = lim
				notes = append(notes, fmt.Sprintf("gypsum clamped to +%g%%", lim))
			}
			if a.Delta < -lim {
				a.Delta = -lim
				notes = append(notes, fmt.Sprintf("gypsum clamped to -%g%%", lim))
			}
		default:
			notes = append(notes, fmt.Sprintf("unknown knob %q left untouched", a.Knob))
		}
		out = append(out, a)
	}

	var totalRawDelta float64
	hasClay := false
	for _, a := range out {
		if rawMixKnobs[a.Knob] {
			totalRawDelta += a.Delta
		}
		if a.Knob == KnobClay {
			hasClay = true
		}
	}
	if (totalRawDelta > 1e-6 || totalRawDelta < -1e-6) && !hasClay {
		out = append(out, PlanAction{
			Knob:   KnobClay,
			Delta:  -totalRawDelta,
			Reason: "Auto-balance to keep limestone+sand+clay ≈ 100%",
		})
		notes = append(notes, fmt.Sprintf("clay_pct %+.3f%% synthesized for mass balance", -totalRawDelta))
	}

	return out, strings.Join(notes, "; ")
}
