// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bot reports.
type Metrics struct {
	registry *prometheus.Registry

	ScanCycles     *prometheus.CounterVec
	Opportunities  *prometheus.CounterVec
	StageDecisions *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	SubmitAttempts *prometheus.CounterVec
	SubmitOutcomes *prometheus.CounterVec
	InFlightRuns   prometheus.Gauge
	KillSwitch     prometheus.Gauge
	AuditDropped   prometheus.Counter
	DailyNotional  prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScanCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mevbot_scan_cycles_total",
			Help: "Scan cycles by result (ok, stale, killed).",
		}, []string{"result"}),
		Opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mevbot_opportunities_total",
			Help: "Opportunities emitted by the scanner per strategy.",
		}, []string{"strategy"}),
		StageDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mevbot_stage_decisions_total",
			Help: "Pipeline stage outcomes.",
		}, []string{"stage", "decision"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mevbot_stage_duration_seconds",
			Help:    "Duration of suspending pipeline stages.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		SubmitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mevbot_submit_attempts_total",
			Help: "Bundle send attempts by channel and result.",
		}, []string{"channel", "result"}),
		SubmitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mevbot_submission_outcomes_total",
			Help: "Terminal submission states.",
		}, []string{"status"}),
		InFlightRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mevbot_inflight_runs",
			Help: "Pipeline runs currently executing.",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mevbot_kill_switch",
			Help: "1 while the kill switch is active.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mevbot_audit_dropped_total",
			Help: "Decision records dropped because the audit buffer was full.",
		}),
		DailyNotional: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mevbot_daily_notional",
			Help: "Notional committed against today's cap.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ScanCycles, m.Opportunities, m.StageDecisions, m.StageDuration,
		m.SubmitAttempts, m.SubmitOutcomes, m.InFlightRuns, m.KillSwitch,
		m.AuditDropped, m.DailyNotional,
	)
	return m
}

// Registry returns the registry backing the handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Scan counts one scan cycle.
func (m *Metrics) Scan(result string) {
	if m != nil {
		m.ScanCycles.WithLabelValues(result).Inc()
	}
}

// Opportunity counts one scanner emission.
func (m *Metrics) Opportunity(strategy string) {
	if m != nil {
		m.Opportunities.WithLabelValues(strategy).Inc()
	}
}

// Decision counts one stage outcome.
func (m *Metrics) Decision(stage, decision string) {
	if m != nil {
		m.StageDecisions.WithLabelValues(stage, decision).Inc()
	}
}

// Observe records how long a stage took since start.
func (m *Metrics) Observe(stage string, start time.Time) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// Attempt counts one send attempt.
func (m *Metrics) Attempt(channel, result string) {
	if m != nil {
		m.SubmitAttempts.WithLabelValues(channel, result).Inc()
	}
}

// Outcome counts one terminal submission.
func (m *Metrics) Outcome(status string) {
	if m != nil {
		m.SubmitOutcomes.WithLabelValues(status).Inc()
	}
}

// RunStarted marks a pipeline run as in flight.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.InFlightRuns.Inc()
	}
}

// RunFinished ends a run started with RunStarted.
func (m *Metrics) RunFinished() {
	if m != nil {
		m.InFlightRuns.Dec()
	}
}

// SetKillSwitch mirrors the kill switch flag.
func (m *Metrics) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	if active {
		m.KillSwitch.Set(1)
	} else {
		m.KillSwitch.Set(0)
	}
}

// SetDailyNotional mirrors the ledger's committed notional.
func (m *Metrics) SetDailyNotional(v float64) {
	if m != nil {
		m.DailyNotional.Set(v)
	}
}

// AuditDrop counts one dropped audit record.
func (m *Metrics) AuditDrop() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
