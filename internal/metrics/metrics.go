// Package metrics exposes guard decisions, confirmations, audit health and
// anomaly activity as Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentguard"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	decisions           *prometheus.CounterVec
	toolDuration        *prometheus.HistogramVec
	confirmations       *prometheus.CounterVec
	confirmationLatency prometheus.Histogram
	cooldownDenials     *prometheus.CounterVec
	auditDegraded       prometheus.Gauge
	auditWriteFailures  prometheus.Counter
	anomalies           *prometheus.CounterVec
	actionFailures      *prometheus.CounterVec
	policyReloads       *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Tool-call attempts by tool and final audit result.",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Wall time of executed tool calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation prompts by mode and how they ended.",
		}, []string{"mode", "status", "approved"}),
		confirmationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_latency_seconds",
			Help:      "Time between prompt and human reply.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		cooldownDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_denials_total",
			Help:      "Calls refused by a cooldown limit.",
		}, []string{"tool"}),
		auditDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_degraded",
			Help:      "1 while the audit log is buffering in memory.",
		}),
		auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_prelog_failures_total",
			Help:      "Pre-log writes that did not reach storage.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly rules fired, by rule, severity and dispatched action.",
		}, []string{"rule", "severity", "action"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_revoke_failures_total",
			Help:      "Auto-revoke actions whose handler failed.",
		}, []string{"action"}),
		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy reload attempts by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.toolDuration, m.confirmations, m.confirmationLatency,
		m.cooldownDenials, m.auditDegraded, m.auditWriteFailures,
		m.anomalies, m.actionFailures, m.policyReloads,
		m.httpRequests, m.httpDuration,
	)
	m.GaugeFunc("uptime_seconds", "Seconds since the process started.", func() float64 {
		return time.Since(m.startTime).Seconds()
	})
	return m
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Decision(tool, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) ToolDuration(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Confirmation(mode, status string, approved bool, latency time.Duration) {
	if m == nil {
		return
	}
	a := "false"
	if approved {
		a = "true"
	}
	m.confirmations.WithLabelValues(mode, status, a).Inc()
	if status == "replied" {
		m.confirmationLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) CooldownDenied(tool string) {
	if m == nil {
		return
	}
	m.cooldownDenials.WithLabelValues(tool).Inc()
}

func (m *Metrics) AuditDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.auditDegraded.Set(1)
	} else {
		m.auditDegraded.Set(0)
	}
}

func (m *Metrics) PreLogFailed() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}

func (m *Metrics) Anomaly(rule, severity, action string, failed bool) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(rule, severity, action).Inc()
	if failed {
		m.actionFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) PolicyReload(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.policyReloads.WithLabelValues(status).Inc()
}

// HTTPRequest records one API request; route is the chi route pattern.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
