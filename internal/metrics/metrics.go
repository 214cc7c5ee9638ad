// Package metrics exposes daemon counters and gauges to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/netdiag/internal/model"
)

// Package-level collectors. They are registered via Register.
var (
	regOK atomic.Bool

	diagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netdiag",
			Name:      "diagnostics_total",
			Help:      "Completed diagnostic executions by job and outcome.",
		}, []string{"job", "status"},
	)
	diagnosticDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netdiag",
			Name:      "diagnostic_duration_seconds",
			Help:      "Wall time of diagnostic executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
	schedulerSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netdiag",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Ticks skipped because the previous run was still in flight.",
		}, []string{"job"},
	)
	ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netdiag",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Control requests received by type.",
		}, []string{"type"},
	)
	alertActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "netdiag",
			Name:      "alert_active",
			Help:      "1 while an alert kind is active.",
		}, []string{"kind"},
	)
	monitorLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "netdiag",
			Subsystem: "monitor",
			Name:      "latency_ms",
			Help:      "Latest measured latency per target.",
		}, []string{"target"},
	)
	monitorLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "netdiag",
			Subsystem: "monitor",
			Name:      "loss_pct",
			Help:      "Latest measured packet loss per target.",
		}, []string{"target"},
	)
	daemonState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "netdiag",
			Name:      "daemon_state",
			Help:      "Current daemon state (1 = in this state).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// Subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{diagnostics, diagnosticDuration, schedulerSkips, ipcRequests, alertActive, monitorLatency, monitorLoss, daemonState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves metrics from g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func RecordOutcome(job string, kind model.DiagnosticKind, o model.Outcome) {
	if !regOK.Load() {
		return
	}
	if o.Status == model.OutcomeSkipped {
		schedulerSkips.WithLabelValues(job).Inc()
		return
	}
	diagnostics.WithLabelValues(job, string(o.Status)).Inc()
	diagnosticDuration.WithLabelValues(string(kind)).Observe(o.Duration.Seconds())
}

func IncRequest(t string) {
	if regOK.Load() {
		ipcRequests.WithLabelValues(t).Inc()
	}
}

func SetAlert(kind model.AlertKind, active bool) {
	if !regOK.Load() {
		return
	}
	var v float64
	if active {
		v = 1
	}
	alertActive.WithLabelValues(string(kind)).Set(v)
}

func ObserveSample(s model.HealthSnapshot) {
	if !regOK.Load() {
		return
	}
	for _, t := range s.Targets {
		monitorLatency.WithLabelValues(t.Name).Set(t.LatencyMs)
		monitorLoss.WithLabelValues(t.Name).Set(t.LossPct)
	}
}

func SetState(state model.DaemonState) {
	if !regOK.Load() {
		return
	}
	for _, s := range []model.DaemonState{model.StateStopped, model.StateStarting, model.StateRunning, model.StateStopping} {
		var v float64
		if s == state {
			v = 1
		}
		daemonState.WithLabelValues(s.String()).Set(v)
	}
}
