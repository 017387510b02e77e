// Package metrics provides Prometheus instrumentation for Agent Console.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentconsole_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentconsole_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_active_sessions",
		Help: "Number of live sessions owned by this process.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_active_workers",
		Help: "Number of live workers across all sessions.",
	})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentconsole_jobs_processed_total",
		Help: "Total number of job handler completions by outcome.",
	}, []string{"type", "outcome"})

	NotificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentconsole_notifications_sent_total",
		Help: "Total number of outbound webhook notifications delivered.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentconsole_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
