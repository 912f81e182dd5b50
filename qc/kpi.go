package qc

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// KPIs are the quality indicators derived from one set of process inputs.
type KPIs struct {
	LSF    float64 `json:"LSF_est"`
	Blaine float64 `json:"Blaine_est"`
	FCaO   float64 `json:"fCaO_est"`
}

// LinearModel is a trained regression: intercept + dot(coeffs, features).
type LinearModel struct {
	ID        string    `yaml:"id"`
	Intercept float64   `yaml:"intercept"`
	Coeffs    []float64 `yaml:"coeffs"`
	Features  []string  `yaml:"features"`
}

// Eval applies the model to a feature vector. Feature order must match the
// training order recorded in Features.
func (m *LinearModel) Eval(xs ...float64) float64 {
	y := m.Intercept
	for i, x := range xs {
		if i >= len(m.Coeffs) {
			break
		}
		y += m.Coeffs[i] * x
	}
	return y
}

type modelFile struct {
	Version string        `yaml:"version"`
	Models  []LinearModel `yaml:"models"`
}

// Evaluator maps raw process inputs to quality KPIs. Stateless and safe for
// concurrent use: the tick path and what-if previews share one instance.
type Evaluator struct {
	lsfModel    *LinearModel // nil = closed-form fallback
	blaineModel *LinearModel // nil = closed-form fallback
	lsfMin      float64
	lsfMax      float64
}

// NewEvaluator builds an evaluator with no trained models (closed-form only).
func NewEvaluator(targets Targets) *Evaluator {
	return &Evaluator{lsfMin: targets.LSFMin, lsfMax: targets.LSFMax}
}

// LoadEvaluator builds an evaluator from a YAML coefficient file. A missing
// or unreadable file is not fatal: the evaluator degrades to the closed-form
// formulas and the condition is logged.
func LoadEvaluator(path string, targets Targets) *Evaluator {
	ev := NewEvaluator(targets)
	if path == "" {
		return ev
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("KPI model file %s not loadable (%v); using closed-form fallback", path, err)
		return ev
	}
	var mf modelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		logrus.Warnf("KPI model file %s not parseable (%v); using closed-form fallback", path, err)
		return ev
	}
	for i := range mf.Models {
		m := &mf.Models[i]
		switch m.ID {
		case "lsf":
			ev.lsfModel = m
		case "blaine":
			ev.blaineModel = m
		default:
			logrus.Warnf("KPI model file %s: unknown model id %q ignored", path, m.ID)
		}
	}
	logrus.Infof("KPI models loaded from %s (lsf=%v, blaine=%v)", path, ev.lsfModel != nil, ev.blaineModel != nil)
	return ev
}

// Evaluate computes LSF, Blaine and fCaO from raw process inputs.
func (e *Evaluator) Evaluate(cao, sio2, separator, gypsum, moisture float64) KPIs {
	lsf := e.computeLSF(cao, sio2)
	return KPIs{
		LSF:    lsf,
		Blaine: e.computeBlaine(separator, gypsum, moisture),
		FCaO:   computeFCaO(lsf, e.lsfMin, e.lsfMax),
	}
}

func (e *Evaluator) computeLSF(cao, sio2 float64) float64 {
	if e.lsfModel != nil {
		return e.lsfModel.Eval(cao, sio2)
	}
	return 100.0 + 2.2*(cao-43.0) - 1.8*(sio2-14.0)
}

func (e *Evaluator) computeBlaine(separator, gypsum, moisture float64) float64 {
	if e.blaineModel != nil {
		return e.blaineModel.Eval(separator, gypsum, moisture)
	}
	return 340.0 + 2.0*(separator-120.0) + 8.0*(gypsum-3.0) - 4.0*(moisture-1.5)
}

// computeFCaO is a one-sided penalty on LSF band deviation. Modest
// deviations stay below 1.0%, large deviations grow linearly.
func computeFCaO(lsf, lsfMin, lsfMax float64) float64 {
	var dev float64
	switch {
	case lsf < lsfMin:
		dev = lsfMin - lsf
	case lsf > lsfMax:
		dev = lsf - lsfMax
	}
	if dev < 0 {
		dev = 0
	}
	return 0.25 * dev
}

// Describe reports which KPI paths are model-backed, for startup logging.
func (e *Evaluator) Describe() string {
	mode := func(m *LinearModel) string {
		if m != nil {
			return "model"
		}
		return "fallback"
	}
	return fmt.Sprintf("LSF=%s Blaine=%s", mode(e.lsfModel), mode(e.blaineModel))
}
