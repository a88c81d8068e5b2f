// Package metrics holds the Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	ProviderRetries prometheus.Counter
	ToolExecutions  *prometheus.CounterVec
	CallbacksSent   *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devflow_runs_started_total",
			Help: "Agent runs started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devflow_runs_completed_total",
			Help: "Agent runs completed successfully.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devflow_runs_failed_total",
			Help: "Agent runs ended in failure.",
		}),
		ProviderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devflow_provider_retries_total",
			Help: "Provider calls retried after rate limits or transient failures.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devflow_tool_executions_total",
			Help: "Sandbox tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CallbacksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devflow_callbacks_total",
			Help: "Outbound callbacks by event and outcome.",
		}, []string{"event", "outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devflow_webhook_events_total",
			Help: "Inbound webhook events by type and outcome.",
		}, []string{"event", "outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devflow_active_sessions",
			Help: "Sessions currently idle, running, or waiting for input.",
		}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted, m.RunsFailed, m.ProviderRetries,
		m.ToolExecutions, m.CallbacksSent, m.WebhookEvents, m.ActiveSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}

// ObserveCallback records one outbound callback delivery attempt.
func (m *Metrics) ObserveCallback(event string, ok bool) {
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.CallbacksSent.WithLabelValues(event, outcome).Inc()
}
