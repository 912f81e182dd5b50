package qc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kpiLSFGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qc_lsf",
		Help: "Latest lime saturation factor estimate",
	})

	kpiBlaineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qc_blaine",
		Help: "Latest Blaine fineness estimate",
	})

	kpiFCaOGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qc_fcao",
		Help: "Latest free lime estimate",
	})

	energyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qc_energy_consumption",
		Help: "Latest simulated energy consumption",
	})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_ticks_total",
		Help: "Total simulator ticks executed",
	})

	issuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_issues_detected_total",
		Help: "Total drift issues detected",
	})

	plansProposedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_plans_proposed_total",
		Help: "Total correction plans proposed",
	})

	plansAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_plans_applied_total",
		Help: "Total correction plans applied to the plant",
	})

	clampedPlansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qc_clamped_plans_total",
		Help: "Total plans adjusted by the safety clamp",
	})
)

// recordSample publishes a tick's KPI readings to the process metrics.
func recordSample(s Sample) {
	kpiLSFGauge.Set(s.LSF)
	kpiBlaineGauge.Set(s.Blaine)
	kpiFCaOGauge.Set(s.FCaO)
	energyGauge.Set(s.Energy)
	ticksTotal.Inc()
}
