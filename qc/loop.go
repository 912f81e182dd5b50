package qc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// proposeMinSamples is how many samples the detector must have seen before
// Propose will run; below this even the band-breach fallback is noise.
const proposeMinSamples = 5

// applyWaitTicks bounds how many tick periods Apply waits for a post-apply
// sample before giving up.
const applyWaitTicks = 10

// PlanResult is the outcome of clamping and simulating or applying a plan.
type PlanResult struct {
	Plan            Plan               `json:"plan"`
	AdjustedActions []PlanAction       `json:"adjusted_actions"`
	SafetyNotes     string             `json:"safety_notes,omitempty"`
	SimulatedAfter  map[string]float64 `json:"simulated_after,omitempty"`
}

// ControlLoop orchestrates the regulator: it drives the plant tick cadence,
// feeds the drift detector, and serves propose/simulate/apply requests. Its
// mutex serializes detector access between the tick path and Propose, and
// guards the runtime-patchable configuration.
type ControlLoop struct {
	mu       sync.Mutex
	cfg      Config
	plant    *Plant
	detector *DriftDetector
	eval     *Evaluator
	store    Store
	advisor  Advisor
}

// NewControlLoop wires the regulator's components together.
func NewControlLoop(cfg Config, plant *Plant, detector *DriftDetector, eval *Evaluator, store Store, advisor Advisor) *ControlLoop {
	return &ControlLoop{
		cfg:      cfg,
		plant:    plant,
		detector: detector,
		eval:     eval,
		store:    store,
		advisor:  advisor,
	}
}

// Run drives the tick cadence until ctx is cancelled. It is the only
// goroutine that advances the plant.
func (cl *ControlLoop) Run(ctx context.Context) {
	cl.mu.Lock()
	period := cl.cfg.TickPeriod
	cl.mu.Unlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	logrus.Infof("control loop started, tick period %v", period)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("control loop stopped")
			return
		case <-ticker.C:
			cl.runTick()
		}
	}
}

// runTick advances the plant one step and feeds the sample downstream.
func (cl *ControlLoop) runTick() {
	cl.mu.Lock()
	s := cl.plant.Tick()
	cl.detector.Push(s)
	cl.mu.Unlock()

	if err := cl.store.AppendSample(s); err != nil {
		logrus.Errorf("append sample: %v", err)
	}
	recordSample(s)
}

// Propose runs drift detection once and hands the issue to the advisor.
// Without force, no detected issue returns ErrNoIssueDetected. The forced
// flag in the audit record derives from the same single detection result, so
// check and log cannot disagree.
func (cl *ControlLoop) Propose(ctx context.Context, force bool) (PlanDecision, *Issue, error) {
	cl.mu.Lock()
	if cl.detector.SampleCount() < proposeMinSamples {
		cl.mu.Unlock()
		return PlanDecision{}, nil, fmt.Errorf("%w: need %d samples", ErrInsufficientData, proposeMinSamples)
	}

	issue := cl.detector.MaybeIssue()
	forced := false
	if issue == nil {
		if !force {
			cl.mu.Unlock()
			return PlanDecision{}, nil, ErrNoIssueDetected
		}
		forced = true
		issue = &Issue{
			Timestamp: time.Now(),
			Text:      "Proactive correction request (force): nudge rawmix/mill to center targets",
			Drivers:   []string{"force"},
			KPIImpact: neutralImpact(),
		}
	} else {
		issuesTotal.Inc()
	}

	input := AdvisorInput{
		WindowStats: cl.detector.LastValues(),
		IssueText:   issue.Text,
		KPIHint:     issue.KPIImpact,
		Knobs:       cl.plant.Snapshot(),
	}
	cl.mu.Unlock()

	raw, err := cl.advisor.ProposePlan(ctx, input)
	var dec PlanDecision
	if err != nil {
		logrus.Errorf("advisor: %v", err)
		dec = FailureDecision(err)
	} else {
		dec = DecodePlanResponse(raw)
	}
	plansProposedTotal.Inc()

	cl.audit(AuditPlanProposed, map[string]interface{}{
		"issue":  issue,
		"plan":   dec.Plan,
		"forced": forced,
	})
	return dec, issue, nil
}

// SimulateEffect clamps a plan and previews the resulting KPIs against the
// latest sample without mutating any plant state. Calling it repeatedly on
// the same underlying sample yields identical output.
func (cl *ControlLoop) SimulateEffect(plan Plan) (PlanResult, error) {
	cl.mu.Lock()
	limits := cl.cfg.Limits
	cl.mu.Unlock()

	adjusted, notes := ClampActions(plan.Actions, limits)
	if notes != "" {
		clampedPlansTotal.Inc()
	}

	now, ok, err := cl.store.LatestSample()
	if err != nil {
		return PlanResult{}, err
	}
	if !ok {
		return PlanResult{}, fmt.Errorf("%w: no samples yet", ErrInsufficientData)
	}

	after := previewKPIs(cl.eval, now, adjusted)
	result := PlanResult{
		Plan:            plan,
		AdjustedActions: adjusted,
		SafetyNotes:     notes,
		SimulatedAfter:  after,
	}
	cl.audit(AuditPlanSimulated, map[string]interface{}{
		"plan":  plan,
		"after": after,
		"clamp": notes,
	})
	return result, nil
}

// previewKPIs applies action side effects to a copy of the sample's raw
// values and re-evaluates the KPIs. Same coefficients as Plant.ApplyActions.
func previewKPIs(eval *Evaluator, now Sample, actions []PlanAction) map[string]float64 {
	sio2, cao := now.SiO2In, now.CaOIn
	sep, gyp := now.Separator, now.Gypsum
	for _, a := range actions {
		rawEffects(a, &sio2, &cao, &sep, &gyp)
	}
	kpis := eval.Evaluate(cao, sio2, sep, gyp, now.Moisture)
	return map[string]float64{
		SignalLSF:    kpis.LSF,
		SignalBlaine: kpis.Blaine,
		SignalFCaO:   kpis.FCaO,
	}
}

// Apply clamps a plan, mutates the plant, and waits a bounded number of tick
// periods for a post-application sample so the caller sees the plant's
// actual response. The wait is cancellable via ctx.
func (cl *ControlLoop) Apply(ctx context.Context, plan Plan) (PlanResult, error) {
	cl.mu.Lock()
	limits := cl.cfg.Limits
	period := cl.cfg.TickPeriod
	cl.mu.Unlock()

	before, ok, err := cl.store.LatestSample()
	if err != nil {
		return PlanResult{}, err
	}
	if !ok {
		return PlanResult{}, fmt.Errorf("%w: no samples yet", ErrInsufficientData)
	}

	adjusted, notes := ClampActions(plan.Actions, limits)
	if notes != "" {
		clampedPlansTotal.Inc()
	}
	if err := cl.plant.ApplyActions(adjusted); err != nil {
		return PlanResult{}, err
	}
	plansAppliedTotal.Inc()
	appliedAt := time.Now()

	result := PlanResult{
		Plan:            plan,
		AdjustedActions: adjusted,
		SafetyNotes:     notes,
	}

	after, err := cl.waitForSampleAfter(ctx, appliedAt, period)
	if err != nil {
		// Actions are already applied; report what we have.
		cl.audit(AuditPlanApplied, map[string]interface{}{
			"plan":            plan,
			"applied_actions": adjusted,
			"clamp":           notes,
			"state_before":    kpiDetail(before),
		})
		return result, err
	}

	result.SimulatedAfter = kpiDetail(after)
	cl.audit(AuditPlanApplied, map[string]interface{}{
		"plan":            plan,
		"applied_actions": adjusted,
		"clamp":           notes,
		"state_before":    kpiDetail(before),
		"state_after":     kpiDetail(after),
	})
	return result, nil
}

// waitForSampleAfter polls the store for a sample newer than t, giving up
// after applyWaitTicks tick periods.
func (cl *ControlLoop) waitForSampleAfter(ctx context.Context, t time.Time, period time.Duration) (Sample, error) {
	deadline := time.Now().Add(time.Duration(applyWaitTicks) * period)
	poll := period / 2
	if poll <= 0 {
		poll = time.Millisecond
	}
	for time.Now().Before(deadline) {
		s, ok, err := cl.store.LatestSample()
		if err != nil {
			return Sample{}, err
		}
		if ok && s.Timestamp.After(t) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		case <-time.After(poll):
		}
	}
	return Sample{}, fmt.Errorf("%w: no post-apply sample within %d ticks", ErrInsufficientData, applyWaitTicks)
}

func kpiDetail(s Sample) map[string]float64 {
	return map[string]float64{
		SignalLSF:    s.LSF,
		SignalBlaine: s.Blaine,
		SignalFCaO:   s.FCaO,
	}
}

// InjectDisturbance converts a wall-clock duration into ticks, forwards it
// to the plant, and audits the injection.
func (cl *ControlLoop) InjectDisturbance(kind string, magnitude float64, duration time.Duration) error {
	cl.mu.Lock()
	period := cl.cfg.TickPeriod
	cl.mu.Unlock()

	ticks := int(duration / period)
	if ticks < 1 {
		ticks = 1
	}
	if err := cl.plant.InjectDisturbance(kind, magnitude, ticks); err != nil {
		return err
	}
	cl.audit(AuditDisturbance, map[string]interface{}{
		"kind":      kind,
		"magnitude": magnitude,
		"ticks":     ticks,
	})
	return nil
}

// ConfigSnapshot returns the current targets, limits and knob values.
func (cl *ControlLoop) ConfigSnapshot() (Targets, Limits, Knobs) {
	cl.mu.Lock()
	targets, limits := cl.cfg.Targets, cl.cfg.Limits
	cl.mu.Unlock()
	return targets, limits, cl.plant.Snapshot()
}

// PatchConfig replaces targets and/or limits at runtime. Patched targets
// take effect in the drift detector immediately; the KPI evaluator's fCaO
// band stays as configured at startup.
func (cl *ControlLoop) PatchConfig(targets *Targets, limits *Limits) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if targets != nil {
		cl.cfg.Targets = *targets
		cl.detector.SetTargets(*targets)
	}
	if limits != nil {
		cl.cfg.Limits = *limits
	}
}

// Samples exposes the sample history for the serving layer.
func (cl *ControlLoop) Samples(window time.Duration) ([]Sample, error) {
	return cl.store.RecentSamples(window)
}

// Latest exposes the newest sample for the serving layer.
func (cl *ControlLoop) Latest() (Sample, bool, error) {
	return cl.store.LatestSample()
}

// Audits exposes recent audit entries, newest first.
func (cl *ControlLoop) Audits(limit int) ([]AuditEntry, error) {
	return cl.store.RecentAudits(limit)
}

func (cl *ControlLoop) audit(kind string, detail map[string]interface{}) {
	if err := cl.store.AppendAudit(AuditEntry{Timestamp: time.Now(), Kind: kind, Detail: detail}); err != nil {
		logrus.Errorf("append audit %s: %v", kind, err)
	}
}
