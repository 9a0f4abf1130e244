package middleware

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors shared across packages.
var (
	// ActiveWebSockets tracks currently open websocket connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkpilot_active_websockets",
		Help: "Number of currently open websocket connections.",
	})

	// BridgeEvents counts inbound agent events by type.
	BridgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkpilot_bridge_events_total",
		Help: "Inbound automation-agent events by type.",
	}, []string{"type"})

	// DroppedTransitions counts lifecycle events rejected by the state table.
	DroppedTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkpilot_dropped_transitions_total",
		Help: "Lifecycle events dropped because they contradict the transition table.",
	})

	// ObserverMerges counts view reconciliations by source.
	ObserverMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkpilot_observer_merges_total",
		Help: "Consistency-observer view merges by update source.",
	}, []string{"source"})

	// AgentQueueDepth mirrors the agent's last reported pending queue depth.
	AgentQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkpilot_agent_queue_depth",
		Help: "Last queue depth reported by the automation agent.",
	})

	// RedisErrors counts failed Redis commands by name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkpilot_redis_errors_total",
		Help: "Failed Redis commands by command name.",
	}, []string{"command"})
)

// InitMetrics creates the Fiber Prometheus middleware for HTTP metrics.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	return fiberprometheus.New(serviceName)
}

// MetricsMiddleware wraps the Prometheus HTTP middleware as a fiber.Handler.
func MetricsMiddleware(p *fiberprometheus.FiberPrometheus) fiber.Handler {
	return p.Middleware
}
