package qc

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MassBalanceEps is the tolerance for the raw-mix invariant
// limestone + sand + clay == 100.
const MassBalanceEps = 0.01

// Knob names, as they appear in plans and over the wire.
const (
	KnobLimestone = "limestone_pct"
	KnobSand      = "sand_pct"
	KnobClay      = "clay_pct"
	KnobSeparator = "separator_speed"
	KnobGypsum    = "gypsum_pct"
)

// Disturbance kinds accepted by InjectDisturbance.
const (
	DisturbSiO2Spike = "siO2_spike"
	DisturbCaODrop   = "cao_drop"
	DisturbSepLow    = "sep_low"
)

// Knobs is the controllable plant state: raw-mix composition plus mill
// settings. The raw-mix triple must sum to ~100 after every mutation.
type Knobs struct {
	LimestonePct   float64 `json:"limestone_pct" yaml:"limestone_pct"`
	SandPct        float64 `json:"sand_pct" yaml:"sand_pct"`
	ClayPct        float64 `json:"clay_pct" yaml:"clay_pct"`
	SeparatorSpeed float64 `json:"separator_speed" yaml:"separator_speed"`
	GypsumPct      float64 `json:"gypsum_pct" yaml:"gypsum_pct"`
}

// RawMixSum returns limestone + sand + clay.
func (k Knobs) RawMixSum() float64 {
	return k.LimestonePct + k.SandPct + k.ClayPct
}

// Sample is one immutable reading of the plant, produced once per tick.
type Sample struct {
	Timestamp time.Time `json:"ts"`
	SiO2In    float64   `json:"SiO2_in"`
	CaOIn     float64   `json:"CaO_in"`
	Moisture  float64   `json:"Moisture"`
	Separator float64   `json:"Separator"`
	Gypsum    float64   `json:"Gypsum"`
	LSF       float64   `json:"LSF_est"`
	Blaine    float64   `json:"Blaine_est"`
	FCaO      float64   `json:"fCaO_est"`
	Energy    float64   `json:"energy_consumption"`
}

// disturbance is the active transient offset set, applied to raw inputs for
// a bounded number of ticks and then auto-cleared.
type disturbance struct {
	dSiO2 float64
	dCaO  float64
	dSep  float64
	left  int
}

// Plant simulates the raw-mix/grinding process. It is the single owner of
// the knobs and raw sensor inputs; all mutation happens under its mutex so a
// concurrent ApplyActions cannot race a Tick's clamp-and-mutate step.
type Plant struct {
	mu sync.Mutex

	sio2In   float64
	caoIn    float64
	moisture float64
	knobs    Knobs

	disturb disturbance

	eval  *Evaluator
	rng   *rand.Rand
	clock func() time.Time
}

// NewPlant creates a plant at baseline raw inputs with the configured
// initial knobs. rng drives the per-tick process noise.
func NewPlant(cfg Config, eval *Evaluator, rng *rand.Rand) *Plant {
	return &Plant{
		sio2In:   14.0,
		caoIn:    43.0,
		moisture: 1.5,
		knobs:    cfg.Knobs,
		eval:     eval,
		rng:      rng,
		clock:    time.Now,
	}
}

// uniform returns a value in [-half, +half).
func (p *Plant) uniform(half float64) float64 {
	return (p.rng.Float64()*2 - 1) * half
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tick advances the plant one step: noise, active disturbance, physical
// clamps, KPI evaluation, energy model. Returns the resulting Sample.
func (p *Plant) Tick() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sio2In += p.uniform(0.05)
	p.caoIn += p.uniform(0.05)
	p.moisture += p.uniform(0.02)
	p.knobs.SeparatorSpeed += p.uniform(0.2)
	p.knobs.GypsumPct += p.uniform(0.01)

	if p.disturb.left > 0 {
		p.sio2In += p.disturb.dSiO2
		p.caoIn += p.disturb.dCaO
		p.knobs.SeparatorSpeed += p.disturb.dSep
		p.disturb.left--
		if p.disturb.left == 0 {
			p.disturb = disturbance{}
		}
	}

	// Physical bounds per signal; noise and disturbances cannot push the
	// plant outside realistic ranges.
	p.sio2In = clampRange(p.sio2In, 10.0, 18.0)
	p.caoIn = clampRange(p.caoIn, 40.0, 46.0)
	p.moisture = clampRange(p.moisture, 0.5, 3.0)
	p.knobs.SeparatorSpeed = clampRange(p.knobs.SeparatorSpeed, 110.0, 130.0)
	p.knobs.GypsumPct = clampRange(p.knobs.GypsumPct, 2.0, 4.0)

	kpis := p.eval.Evaluate(p.caoIn, p.sio2In, p.knobs.SeparatorSpeed, p.knobs.GypsumPct, p.moisture)

	return Sample{
		Timestamp: p.clock(),
		SiO2In:    p.sio2In,
		CaOIn:     p.caoIn,
		Moisture:  p.moisture,
		Separator: p.knobs.SeparatorSpeed,
		Gypsum:    p.knobs.GypsumPct,
		LSF:       kpis.LSF,
		Blaine:    kpis.Blaine,
		FCaO:      kpis.FCaO,
		Energy:    energyConsumption(p.knobs.SeparatorSpeed, p.knobs.GypsumPct, p.sio2In),
	}
}

// energyConsumption models mill energy draw from separator speed, gypsum
// dosing and SiO2 deviation from baseline.
func energyConsumption(separator, gypsum, sio2 float64) float64 {
	dev := sio2 - 14.0
	if dev < 0 {
		dev = -dev
	}
	return separator*0.1 + gypsum*5 + dev*2
}

// rawEffects applies the raw-input side effects of one action to the given
// locations. Shared between ApplyActions and the what-if preview so both use
// the same coefficients.
func rawEffects(a PlanAction, sio2, cao, separator, gypsum *float64) {
	switch a.Knob {
	case KnobSand:
		*sio2 += -0.4 * a.Delta
	case KnobLimestone:
		*cao += 0.4 * a.Delta
		*sio2 += -0.2 * a.Delta
	case KnobClay:
		*sio2 += -0.1 * a.Delta
	case KnobSeparator:
		*separator += a.Delta
	case KnobGypsum:
		*gypsum += a.Delta
	}
}

// ApplyActions adds each action's delta to the named knob with its raw-input
// side effect, then restores the raw-mix mass balance by correcting clay if
// the triple drifted beyond tolerance. Callers are expected to have passed
// the actions through ClampActions first.
func (p *Plant) ApplyActions(actions []PlanAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range actions {
		switch a.Knob {
		case KnobLimestone:
			p.knobs.LimestonePct += a.Delta
		case KnobSand:
			p.knobs.SandPct += a.Delta
		case KnobClay:
			p.knobs.ClayPct += a.Delta
		case KnobSeparator, KnobGypsum:
			// handled entirely by rawEffects below
		default:
			logrus.Warnf("apply: unknown knob %q skipped", a.Knob)
			continue
		}
		rawEffects(a, &p.sio2In, &p.caoIn, &p.knobs.SeparatorSpeed, &p.knobs.GypsumPct)
	}

	if total := p.knobs.RawMixSum(); total < 100.0-MassBalanceEps || total > 100.0+MassBalanceEps {
		p.knobs.ClayPct += 100.0 - total
	}
	if total := p.knobs.RawMixSum(); total < 100.0-MassBalanceEps || total > 100.0+MassBalanceEps {
		logrus.Errorf("raw mix sums to %.4f after correction", total)
		return fmt.Errorf("%w: sum=%.4f", ErrInvariantViolation, total)
	}
	return nil
}

// InjectDisturbance sets or extends an active raw-input offset. Duration
// does not stack: the remaining tick count becomes the longer of the current
// and requested durations.
func (p *Plant) InjectDisturbance(kind string, magnitude float64, durationTicks int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case DisturbSiO2Spike:
		p.disturb.dSiO2 = +magnitude
	case DisturbCaODrop:
		p.disturb.dCaO = -magnitude
	case DisturbSepLow:
		p.disturb.dSep = -magnitude
	default:
		return fmt.Errorf("unknown disturbance kind %q", kind)
	}
	if durationTicks > p.disturb.left {
		p.disturb.left = durationTicks
	}
	logrus.Infof("disturbance %s mag=%.2f for %d ticks", kind, magnitude, p.disturb.left)
	return nil
}

// Snapshot returns a copy of the current knob state.
func (p *Plant) Snapshot() Knobs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.knobs
}

// DisturbanceRemaining reports how many ticks of active disturbance remain.
func (p *Plant) DisturbanceRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disturb.left
}
