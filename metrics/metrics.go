// Package metrics exposes Prometheus instrumentation for the core. All
// collectors register on the default registry; the gateway mounts the
// scrape handler next to the WebSocket endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deploybot"

var (
	// DeploysDetected counts deploy start events, by project.
	DeploysDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_detected_total",
		Help:      "Deploy events detected, by project.",
	}, []string{"project"})

	// DeploysCompleted counts deploy completions, by project and outcome
	// (success or failure).
	DeploysCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_completed_total",
		Help:      "Deploy completions, by project and outcome.",
	}, []string{"project", "outcome"})

	// ActiveTimers tracks timers currently counting down.
	ActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_timers",
		Help:      "Timers currently running.",
	})

	// SuggestionsIssued counts task suggestions, by selection method
	// (llm or heuristic).
	SuggestionsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suggestions_total",
		Help:      "Task suggestions issued, by selection method.",
	}, []string{"method"})

	// NotificationInteractions counts recorded notification responses,
	// by interaction type (accepted, ignored, snoozed, dismissed).
	NotificationInteractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_interactions_total",
		Help:      "Notification responses, by interaction type.",
	}, []string{"type"})

	// ConnectedClients tracks WebSocket clients currently connected.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "WebSocket clients currently connected.",
	})

	// CommandsProcessed counts gateway commands, by command name.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_processed_total",
		Help:      "Gateway commands processed, by command name.",
	}, []string{"command"})

	// LLMRequests counts completion requests, by provider and outcome
	// (success, error, cached).
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "LLM completion requests, by provider and outcome.",
	}, []string{"provider", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
