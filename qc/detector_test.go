package qc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steadySample returns an in-band reading so no rule fires on it.
func steadySample() Sample {
	return Sample{
		Timestamp: time.Now(),
		SiO2In:    14.0,
		CaOIn:     43.0,
		Moisture:  1.5,
		Separator: 120.0,
		Gypsum:    3.0,
		LSF:       100.0,
		Blaine:    340.0,
		FCaO:      0.0,
	}
}

func newTestDetector() *DriftDetector {
	cfg := DefaultConfig()
	return NewDriftDetector(cfg.Window, cfg.Targets)
}

func TestDetector_SteadyState_NoIssue(t *testing.T) {
	// GIVEN a warm window of identical in-band readings
	d := newTestDetector()
	for i := 0; i < 20; i++ {
		d.Push(steadySample())
	}

	// THEN no rule fires; nil is the normal outcome, not an error
	assert.Nil(t, d.MaybeIssue())
}

func TestDetector_ColdWindow_NoIssue(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 5; i++ {
		s := steadySample()
		s.LSF = 90.0 // would breach the band if the window were warm
		d.Push(s)
	}
	assert.Nil(t, d.MaybeIssue())
}

func TestDetector_SiO2Spike_ZScoreRuleFires(t *testing.T) {
	// GIVEN ten identical SiO2 readings at 14.0
	d := newTestDetector()
	for i := 0; i < 10; i++ {
		d.Push(steadySample())
	}

	// WHEN one reading arrives at 18.0
	s := steadySample()
	s.SiO2In = 18.0
	d.Push(s)

	// THEN the z-score rule fires with driver SiO2_in_high
	issue := d.MaybeIssue()
	require.NotNil(t, issue)
	assert.Contains(t, issue.Drivers, "SiO2_in_high")
	assert.Equal(t, ImpactDown, issue.KPIImpact["LSF"])
	assert.Equal(t, ImpactUp, issue.KPIImpact["fCaO"])
	assert.Contains(t, issue.Text, "SiO2 spike")
}

func TestDetector_CaODrop_BadDirectionOnly(t *testing.T) {
	// A CaO excursion upward is not drift in the bad direction
	d := newTestDetector()
	for i := 0; i < 10; i++ {
		d.Push(steadySample())
	}
	s := steadySample()
	s.CaOIn = 45.0
	d.Push(s)

	issue := d.MaybeIssue()
	if issue != nil {
		assert.NotContains(t, issue.Drivers, "CaO_in_low")
	}
}

func TestDetector_MergesDriversAcrossRules(t *testing.T) {
	// GIVEN simultaneous SiO2-high and CaO-low drift
	d := newTestDetector()
	for i := 0; i < 10; i++ {
		d.Push(steadySample())
	}
	s := steadySample()
	s.SiO2In = 18.0
	s.CaOIn = 41.0
	d.Push(s)

	issue := d.MaybeIssue()
	require.NotNil(t, issue)

	// THEN the first rule owns the headline, both drivers are present
	assert.Contains(t, issue.Text, "SiO2 spike")
	assert.Contains(t, issue.Drivers, "SiO2_in_high")
	assert.Contains(t, issue.Drivers, "CaO_in_low")
}

func TestDetector_LSFBandBreach_Fallback(t *testing.T) {
	// GIVEN a stable but out-of-band LSF (no z-score drift at all)
	d := newTestDetector()
	for i := 0; i < 15; i++ {
		s := steadySample()
		s.LSF = 95.0
		s.FCaO = 0.75 // below the 0.8 warning threshold
		d.Push(s)
	}

	issue := d.MaybeIssue()
	require.NotNil(t, issue)
	assert.Contains(t, issue.Drivers, "LSF_band_breach")
	assert.Contains(t, issue.Text, "LSF low")
	assert.Equal(t, ImpactUp, issue.KPIImpact["fCaO"])
}

func TestDetector_BlaineBandBreach_Direction(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 15; i++ {
		s := steadySample()
		s.Blaine = 310.0
		d.Push(s)
	}

	issue := d.MaybeIssue()
	require.NotNil(t, issue)
	assert.Contains(t, issue.Drivers, "Blaine_band_breach")
	assert.Equal(t, ImpactDown, issue.KPIImpact["Blaine"])
}

func TestDetector_FCaOWarningThreshold(t *testing.T) {
	// fCaO above 80% of its ceiling is an issue on its own
	d := newTestDetector()
	for i := 0; i < 15; i++ {
		s := steadySample()
		s.FCaO = 0.9
		s.LSF = 100.0 // keep the LSF band rule quiet
		d.Push(s)
	}

	issue := d.MaybeIssue()
	require.NotNil(t, issue)
	assert.Contains(t, issue.Drivers, "fCaO_high")
	assert.Contains(t, issue.Text, "fCaO is high")
}

func TestDetector_SetTargets_TakesEffect(t *testing.T) {
	// GIVEN readings inside the default band
	d := newTestDetector()
	for i := 0; i < 15; i++ {
		d.Push(steadySample())
	}
	require.Nil(t, d.MaybeIssue())

	// WHEN the band is tightened past the current LSF
	d.SetTargets(Targets{LSFMin: 101.0, LSFMax: 103.0, BlaineMin: 320.0, BlaineMax: 360.0, FCaOMax: 1.0})

	// THEN the band-breach rule fires immediately
	issue := d.MaybeIssue()
	require.NotNil(t, issue)
	assert.Contains(t, issue.Drivers, "LSF_band_breach")
}

func TestDetector_LastValues(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 12; i++ {
		d.Push(steadySample())
	}
	vals := d.LastValues()
	assert.InDelta(t, 14.0, vals[SignalSiO2], 1e-9)
	assert.InDelta(t, 100.0, vals[SignalLSF], 1e-9)
	assert.Len(t, vals, 8)
}
