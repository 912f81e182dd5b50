package qc

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Plan is a candidate set of corrective actions for a detected issue.
type Plan struct {
	Issue     string            `json:"issue"`
	KPIImpact map[string]string `json:"kpi_impact"`
	Actions   []PlanAction      `json:"actions"`
	Notes     string            `json:"notes,omitempty"`
}

// AdvisorInput is the context bundle handed to the external advisor.
type AdvisorInput struct {
	WindowStats map[string]float64 `json:"window_stats"` // signal -> last value
	IssueText   string             `json:"issue_text"`
	KPIHint     map[string]string  `json:"kpi_impact_hint"`
	Knobs       Knobs              `json:"knobs"`
}

// Advisor turns a detected issue plus plant context into a candidate plan.
// Implementations return their raw textual response; the core validates it
// at the boundary and never trusts it to be well-formed.
type Advisor interface {
	ProposePlan(ctx context.Context, in AdvisorInput) (string, error)
}

// PlanVerdict tags the outcome of decoding an advisor response.
type PlanVerdict int

const (
	// PlanOK means the response decoded into a usable plan.
	PlanOK PlanVerdict = iota
	// PlanMalformed means the response text could not be parsed; the
	// decision carries an error-marked plan with no actions.
	PlanMalformed
	// PlanFailure means the advisor call itself errored.
	PlanFailure
)

// PlanDecision is the validated result of one advisor round trip.
type PlanDecision struct {
	Verdict PlanVerdict
	Plan    Plan
	Raw     string
	Err     error
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*\\})\\s*```")
	bareJSON   = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractJSON pulls a JSON object out of advisor response text, preferring a
// markdown-fenced block over the first bare object.
func extractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := bareJSON.FindString(text); m != "" {
		return m
	}
	return text
}

// neutralImpact returns a fresh all-neutral KPI impact map.
func neutralImpact() map[string]string {
	return map[string]string{"LSF": ImpactNeutral, "Blaine": ImpactNeutral, "fCaO": ImpactNeutral}
}

// DecodePlanResponse validates raw advisor output. Missing fields are
// substituted with neutral defaults; unparseable text yields a Malformed
// decision carrying an empty error-marked plan, never a panic or crash.
func DecodePlanResponse(raw string) PlanDecision {
	payload := extractJSON(raw)

	var plan Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return PlanDecision{
			Verdict: PlanMalformed,
			Raw:     raw,
			Err:     fmt.Errorf("%w: %v", ErrAdvisorFailure, err),
			Plan: Plan{
				Issue:     "advisor response malformed",
				KPIImpact: neutralImpact(),
				Actions:   nil,
				Notes:     truncate("failed to parse advisor response: "+payload, 500),
			},
		}
	}

	if plan.KPIImpact == nil {
		plan.KPIImpact = neutralImpact()
	}
	if plan.Actions == nil {
		plan.Actions = []PlanAction{}
	}
	return PlanDecision{Verdict: PlanOK, Plan: plan, Raw: raw}
}

// FailureDecision wraps an advisor call error into an error-marked plan so
// the pipeline can still log and respond.
func FailureDecision(err error) PlanDecision {
	return PlanDecision{
		Verdict: PlanFailure,
		Err:     fmt.Errorf("%w: %v", ErrAdvisorFailure, err),
		Plan: Plan{
			Issue:     "advisor failure",
			KPIImpact: neutralImpact(),
			Actions:   []PlanAction{},
			Notes:     err.Error(),
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HeuristicAdvisor is the built-in fallback advisor: a small rule table from
// KPI impact hints to bounded corrective actions. It exists so the regulator
// is usable without an external planning service and serves as the reference
// shape for advisor responses.
type HeuristicAdvisor struct {
	Limits Limits
}

// ProposePlan builds a correction plan from the KPI impact hint. Deltas are
// sized at half the ramp limit so clamping only engages on disagreement.
func (h *HeuristicAdvisor) ProposePlan(_ context.Context, in AdvisorInput) (string, error) {
	var actions []PlanAction
	step := h.Limits.RampLimitPct / 2

	switch in.KPIHint["LSF"] {
	case ImpactDown:
		actions = append(actions,
			PlanAction{Knob: KnobLimestone, Delta: +step, Reason: "Raise CaO to lift LSF back toward band"},
			PlanAction{Knob: KnobSand, Delta: -step, Reason: "Lower SiO2 to support LSF recovery"},
		)
	case ImpactUp:
		actions = append(actions,
			PlanAction{Knob: KnobLimestone, Delta: -step, Reason: "Lower CaO to bring LSF down toward band"},
			PlanAction{Knob: KnobSand, Delta: +step, Reason: "Raise SiO2 to bring LSF down"},
		)
	}

	switch in.KPIHint["Blaine"] {
	case ImpactDown:
		actions = append(actions, PlanAction{Knob: KnobSeparator, Delta: +h.Limits.SepRampLimit / 2, Reason: "Raise separator speed to recover fineness"})
	case ImpactUp:
		actions = append(actions, PlanAction{Knob: KnobSeparator, Delta: -h.Limits.SepRampLimit / 2, Reason: "Lower separator speed to reduce fineness"})
	}

	if len(actions) == 0 && in.KPIHint["fCaO"] == ImpactUp {
		actions = append(actions, PlanAction{Knob: KnobLimestone, Delta: +step, Reason: "Center LSF to reduce free lime"})
	}

	plan := Plan{
		Issue:     in.IssueText,
		KPIImpact: in.KPIHint,
		Actions:   actions,
		Notes:     "heuristic correction; monitor KPIs over the next window",
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
