package qc

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLimits() Limits {
	return DefaultConfig().Limits
}

func TestClampActions_RampLimitAndAutoBalance(t *testing.T) {
	// GIVEN a sand action far beyond the 0.5% ramp limit and no clay action
	actions := []PlanAction{{Knob: KnobSand, Delta: 5.0, Reason: "test"}}

	// WHEN the safety clamp runs
	out, notes := ClampActions(actions, defaultLimits())

	// THEN the delta is clamped to 0.5 with a note
	require.Len(t, out, 2)
	assert.Equal(t, KnobSand, out[0].Knob)
	assert.InDelta(t, 0.5, out[0].Delta, 1e-9)
	assert.Contains(t, notes, "sand_pct clamped")

	// AND a compensating clay action is synthesized
	assert.Equal(t, KnobClay, out[1].Knob)
	assert.InDelta(t, -0.5, out[1].Delta, 1e-9)
	assert.Contains(t, out[1].Reason, "Auto-balance")
}

func TestClampActions_AllKnobsRespectLimits(t *testing.T) {
	limits := defaultLimits()
	actions := []PlanAction{
		{Knob: KnobLimestone, Delta: 3.0},
		{Knob: KnobSand, Delta: -3.0},
		{Knob: KnobClay, Delta: 3.0},
		{Knob: KnobSeparator, Delta: 10.0},
		{Knob: KnobGypsum, Delta: -1.0},
	}

	out, _ := ClampActions(actions, limits)

	for _, a := range out {
		var lim float64
		switch {
		case rawMixKnobs[a.Knob]:
			lim = limits.RampLimitPct
		case a.Knob == KnobSeparator:
			lim = limits.SepRampLimit
		case a.Knob == KnobGypsum:
			lim = limits.GypsumRampLimit
		}
		if math.Abs(a.Delta) > lim+1e-9 {
			t.Errorf("%s: |delta| %v exceeds ramp limit %v", a.Knob, a.Delta, lim)
		}
	}
}

func TestClampActions_WithinLimits_Unchanged(t *testing.T) {
	// Deltas inside the limits pass through untouched, balance already held
	actions := []PlanAction{
		{Knob: KnobSand, Delta: 0.3},
		{Knob: KnobClay, Delta: -0.3},
	}
	out, notes := ClampActions(actions, defaultLimits())
	require.Len(t, out, 2)
	assert.InDelta(t, 0.3, out[0].Delta, 1e-9)
	assert.InDelta(t, -0.3, out[1].Delta, 1e-9)
	assert.Empty(t, notes)
}

func TestClampActions_ExplicitClay_NoSynthesis(t *testing.T) {
	// GIVEN an unbalanced plan that already touches clay
	actions := []PlanAction{
		{Knob: KnobLimestone, Delta: 0.4},
		{Knob: KnobClay, Delta: -0.1},
	}

	out, _ := ClampActions(actions, defaultLimits())

	// THEN no extra clay action is appended even though the sum is non-zero;
	// ApplyActions' residual correction covers the remainder
	require.Len(t, out, 2)
}

func TestClampActions_SeparatorOnly_NoBalanceAction(t *testing.T) {
	out, _ := ClampActions([]PlanAction{{Knob: KnobSeparator, Delta: 2.0}}, defaultLimits())
	require.Len(t, out, 1)
}

func TestClampActions_NegativeClamp(t *testing.T) {
	out, notes := ClampActions([]PlanAction{{Knob: KnobGypsum, Delta: -2.0}}, defaultLimits())
	require.Len(t, out, 1)
	assert.InDelta(t, -0.3, out[0].Delta, 1e-9)
	assert.Contains(t, notes, "gypsum clamped")
}

func TestClampActions_UnknownKnob_Annotated(t *testing.T) {
	// Unknown knobs are never dropped silently
	out, notes := ClampActions([]PlanAction{{Knob: "kiln_speed", Delta: 1.0}}, defaultLimits())
	require.Len(t, out, 1)
	assert.True(t, strings.Contains(notes, "kiln_speed"), "notes should mention the unknown knob: %q", notes)
}

func TestClampActions_EmptyPlan(t *testing.T) {
	out, notes := ClampActions(nil, defaultLimits())
	assert.Empty(t, out)
	assert.Empty(t, notes)
}
