package qc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Targets groups the quality target bands.
type Targets struct {
	LSFMin    float64 `yaml:"lsf_min"`
	LSFMax    float64 `yaml:"lsf_max"`
	BlaineMin float64 `yaml:"blaine_min"`
	BlaineMax float64 `yaml:"blaine_max"`
	FCaOMax   float64 `yaml:"fcao_max"`
}

// Limits groups the per-step ramp guardrails.
type Limits struct {
	RampLimitPct    float64 `yaml:"ramp_limit_pct"`   // raw-mix knobs, ± percent points
	SepRampLimit    float64 `yaml:"sep_ramp_limit"`   // separator speed, ± rpm
	GypsumRampLimit float64 `yaml:"gypsum_ramp_limit"` // gypsum dosing, ± percent points
}

// WindowConfig groups rolling-window parameters for the drift detector.
type WindowConfig struct {
	Length     int `yaml:"length"`      // window capacity in ticks
	MinSamples int `yaml:"min_samples"` // pushes required before stats become available
}

// Config is the full runtime configuration of the regulator.
type Config struct {
	Targets    Targets       `yaml:"targets"`
	Limits     Limits        `yaml:"limits"`
	Window     WindowConfig  `yaml:"window"`
	Knobs      Knobs         `yaml:"knobs"`      // initial knob values
	TickPeriod time.Duration `yaml:"-"`          // simulator cadence, set via flag
	Seed       int64         `yaml:"seed"`       // master seed for plant noise
	ModelPath  string        `yaml:"model_path"` // KPI coefficient file (optional)
}

// DefaultConfig returns the stock plant configuration.
func DefaultConfig() Config {
	return Config{
		Targets: Targets{
			LSFMin:    98.0,
			LSFMax:    102.0,
			BlaineMin: 320.0,
			BlaineMax: 360.0,
			FCaOMax:   1.0,
		},
		Limits: Limits{
			RampLimitPct:    0.5,
			SepRampLimit:    3.0,
			GypsumRampLimit: 0.3,
		},
		Window: WindowConfig{
			Length:     600,
			MinSamples: 10,
		},
		Knobs: Knobs{
			LimestonePct:   83.0,
			SandPct:        4.0,
			ClayPct:        13.0,
			SeparatorSpeed: 120.0,
			GypsumPct:      3.0,
		},
		TickPeriod: 200 * time.Millisecond,
		Seed:       42,
	}
}

// LoadConfigFile overlays cfg with values from a YAML file.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	return nil
}

// Validate rejects configurations the control loop cannot run with.
func (c Config) Validate() error {
	if c.TickPeriod <= 0 {
		return fmt.Errorf("%w: tick period must be positive, got %v", ErrConfiguration, c.TickPeriod)
	}
	if c.Window.Length <= 0 || c.Window.MinSamples <= 0 {
		return fmt.Errorf("%w: window length and min samples must be positive", ErrConfiguration)
	}
	if c.Window.MinSamples > c.Window.Length {
		return fmt.Errorf("%w: min samples %d exceeds window length %d", ErrConfiguration, c.Window.MinSamples, c.Window.Length)
	}
	if c.Targets.LSFMin >= c.Targets.LSFMax {
		return fmt.Errorf("%w: LSF band is empty [%v, %v]", ErrConfiguration, c.Targets.LSFMin, c.Targets.LSFMax)
	}
	if c.Targets.BlaineMin >= c.Targets.BlaineMax {
		return fmt.Errorf("%w: Blaine band is empty [%v, %v]", ErrConfiguration, c.Targets.BlaineMin, c.Targets.BlaineMax)
	}
	if c.Limits.RampLimitPct <= 0 || c.Limits.SepRampLimit <= 0 || c.Limits.GypsumRampLimit <= 0 {
		return fmt.Errorf("%w: ramp limits must be positive", ErrConfiguration)
	}
	if sum := c.Knobs.LimestonePct + c.Knobs.SandPct + c.Knobs.ClayPct; sum < 100.0-MassBalanceEps || sum > 100.0+MassBalanceEps {
		return fmt.Errorf("%w: initial raw mix sums to %.3f, want 100", ErrConfiguration, sum)
	}
	return nil
}
