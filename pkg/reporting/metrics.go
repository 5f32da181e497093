package reporting

import (
	"fmt"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/orchestration"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "openclaw_vmtest"

// Metrics exposes scenario results in the Prometheus text format, for the
// node-exporter textfile collector.
type Metrics struct {
	registry *prometheus.Registry

	scenarioDuration *prometheus.GaugeVec
	scenarioSuccess  *prometheus.GaugeVec
	stateDuration    *prometheus.GaugeVec
	probeOutcomes    *prometheus.CounterVec
}

// NewMetrics returns Metrics backed by their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scenarioDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall-clock duration of the last run of a scenario.",
		}, []string{"scenario", "status"}),
		scenarioSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "scenario_success",
			Help:      "1 when the last run of a scenario matched its expected outcome.",
		}, []string{"scenario"}),
		stateDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each state of the last run of a scenario.",
		}, []string{"scenario", "state"}),
		probeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "diagnostic_probes_total",
			Help:      "Diagnostic probes run, by outcome.",
		}, []string{"scenario", "outcome"}),
	}

	m.registry.MustRegister(m.scenarioDuration, m.scenarioSuccess, m.stateDuration, m.probeOutcomes)
	return m
}

// Registry returns the registry the metrics are registered to.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records r.
func (m *Metrics) Observe(r *orchestration.Result) {
	if r == nil {
		return
	}

	m.scenarioDuration.WithLabelValues(r.Scenario, r.Status).Set(r.Duration.Seconds())

	success := 0.0
	if r.AsExpected() {
		success = 1
	}
	m.scenarioSuccess.WithLabelValues(r.Scenario).Set(success)

	for _, step := range r.Steps {
		m.stateDuration.WithLabelValues(r.Scenario, string(step.State)).Set(step.Duration.Seconds())
	}

	if r.Diagnostics != nil {
		m.probeOutcomes.WithLabelValues(r.Scenario, "succeeded").Add(float64(r.Diagnostics.Succeeded()))
		m.probeOutcomes.WithLabelValues(r.Scenario, "failed").Add(float64(r.Diagnostics.Failed()))
	}
}

// WriteTextfile atomically writes the metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
