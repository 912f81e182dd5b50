package qc

import "errors"

// Sentinel errors for the control pipeline. Callers match with errors.Is.
var (
	// ErrInsufficientData means the sample window is not warm enough yet.
	// Recoverable: retry after more ticks have elapsed.
	ErrInsufficientData = errors.New("insufficient data: window not ready")

	// ErrNoIssueDetected is the normal negative outcome of Propose without
	// force: no drift rule fired.
	ErrNoIssueDetected = errors.New("no issue detected")

	// ErrAdvisorFailure means the external advisor errored or returned
	// output that could not be parsed. The loop recovers by substituting an
	// error-marked plan with no actions.
	ErrAdvisorFailure = errors.New("advisor failure")

	// ErrInvariantViolation means the raw-mix sum drifted beyond tolerance
	// after correction. This indicates a safety clamp defect and is logged
	// at error level wherever it surfaces.
	ErrInvariantViolation = errors.New("raw-mix mass balance violated")

	// ErrConfiguration covers invalid or missing required configuration at
	// startup. Optional KPI model files degrade to the closed-form fallback
	// instead of raising this.
	ErrConfiguration = errors.New("configuration error")
)
