// Package observability exposes the runtime's prometheus metrics.
// The collectors are package-level so that hot paths do not need a handle
// threaded through; the HTTP surface serves them at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusPublishes counts publishes per bus topic.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketpaw",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Messages published to the in-process bus, by topic.",
	}, []string{"topic"})

	// AdapterReceived counts inbound messages per channel.
	AdapterReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketpaw",
		Subsystem: "adapter",
		Name:      "received_total",
		Help:      "Inbound messages received, by channel.",
	}, []string{"channel"})

	// AdapterSent counts outbound deliveries per channel.
	AdapterSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketpaw",
		Subsystem: "adapter",
		Name:      "sent_total",
		Help:      "Outbound messages delivered, by channel.",
	}, []string{"channel"})

	// AdapterSendErrors counts failed deliveries per channel.
	AdapterSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketpaw",
		Subsystem: "adapter",
		Name:      "send_errors_total",
		Help:      "Failed outbound deliveries, by channel.",
	}, []string{"channel"})

	// ToolExecutions counts tool invocations by tool name and status.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pocketpaw",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool executions, by tool and status.",
	}, []string{"tool", "status"})

	// TurnDuration observes agent turn wall time in seconds.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pocketpaw",
		Subsystem: "agent",
		Name:      "turn_duration_seconds",
		Help:      "Wall time of one agent turn.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
