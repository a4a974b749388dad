// Package metrics exposes prometheus instrumentation for the quota engine
// and the recurring-job scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	JobRuns        *prometheus.CounterVec
	JobErrors      *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	TopupDecisions *prometheus.CounterVec
	ActionResults  *prometheus.CounterVec
	DevicesSeen    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetquota_scheduler_job_runs_total",
			Help: "Number of scheduled job dispatches.",
		}, []string{"job"}),
		JobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetquota_scheduler_job_errors_total",
			Help: "Number of scheduled job failures.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetquota_scheduler_job_duration_seconds",
			Help:    "Wall time of scheduled job runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		TopupDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetquota_topup_decisions_total",
			Help: "Top-up evaluator outcomes.",
		}, []string{"outcome"}),
		ActionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetquota_pending_action_results_total",
			Help: "Results of the pending-action retry pass.",
		}, []string{"action_type", "result"}),
		DevicesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetquota_devices_processed_total",
			Help: "Devices examined by the quota engine.",
		}),
	}
	reg.MustRegister(
		m.JobRuns,
		m.JobErrors,
		m.JobDuration,
		m.TopupDecisions,
		m.ActionResults,
		m.DevicesSeen,
	)
	return m
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)
