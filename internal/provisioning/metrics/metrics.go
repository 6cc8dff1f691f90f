package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the provisioning pipeline.
type Metrics struct {
	StepDuration     *prometheus.HistogramVec
	Runs             *prometheus.CounterVec
	ExternalCalls    *prometheus.CounterVec
	TokenIDUncertain prometheus.Counter
	InFlight         prometheus.Gauge
}

// New registers the pipeline metrics with reg. Pass nil to use the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provisioner_step_duration_seconds",
			Help:    "Duration of provisioning steps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step", "outcome"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_runs_total",
			Help: "Total provisioning runs by outcome (completed, already_provisioned, failed, rejected)",
		}, []string{"outcome"}),
		ExternalCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provisioner_external_calls_total",
			Help: "Outbound calls to the content store, ledger and DNS provider",
		}, []string{"provider", "outcome"}),
		TokenIDUncertain: factory.NewCounter(prometheus.CounterOpts{
			Name: "provisioner_token_id_uncertain_total",
			Help: "Confirmed mints whose token id could not be decoded and need reconciliation",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "provisioner_runs_in_flight",
			Help: "Provisioning runs currently executing",
		}),
	}
}

// ObserveStep records a step duration. Call with time.Now() at the start of the step.
func (m *Metrics) ObserveStep(step string, start time.Time, err error) {
	m.StepDuration.WithLabelValues(step, outcome(err)).Observe(time.Since(start).Seconds())
}

// IncRun counts a finished run.
func (m *Metrics) IncRun(result string) {
	m.Runs.WithLabelValues(result).Inc()
}

// IncExternalCall counts one outbound call.
func (m *Metrics) IncExternalCall(provider string, err error) {
	m.ExternalCalls.WithLabelValues(provider, outcome(err)).Inc()
}

// IncTokenIDUncertain counts a degraded mint.
func (m *Metrics) IncTokenIDUncertain() {
	m.TokenIDUncertain.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
