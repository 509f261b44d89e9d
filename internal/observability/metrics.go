// Package observability holds the Prometheus collector shared by the fabric.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the fabric's metrics.
type Collector struct {
	// Protocol errors
	MalformedMessages *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec

	// Capacity shedding
	DroppedEvents      *prometheus.CounterVec
	DispatchQueueDepth *prometheus.GaugeVec

	// Bus
	PublishRetries *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec

	// Tasks
	ActiveTasks   prometheus.Gauge
	TaskOutcomes  *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	EffortCounts  *prometheus.CounterVec
	RouterMethods *prometheus.CounterVec

	// Gateway
	ConnectedClients prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector builds and registers the collector on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		MalformedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "malformed_messages_total",
				Help: "Payloads that failed to decode or validate",
			},
			[]string{"agent"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_letter_total",
				Help: "Diagnostics published to the dead-letter channel",
			},
			[]string{"agent"},
		),
		DroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropped_events_total",
				Help: "Non-critical events shed under backpressure",
			},
			[]string{"component"},
		),
		DispatchQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_depth",
				Help: "Pending messages in agent dispatch queues",
			},
			[]string{"agent"},
		),
		PublishRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_retries_total",
				Help: "Bus publish attempts that needed a retry",
			},
			[]string{"agent"},
		),
		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_errors_total",
				Help: "Bus publishes that exhausted their retry budget",
			},
			[]string{"agent"},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_tasks",
				Help: "Tasks currently held by the orchestrator",
			},
		),
		TaskOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_outcomes_total",
				Help: "Terminal task outcomes",
			},
			[]string{"outcome"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Wall-clock duration of completed tasks",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		EffortCounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasoning_effort_total",
				Help: "Estimated reasoning effort distribution",
			},
			[]string{"effort"},
		),
		RouterMethods: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_decisions_total",
				Help: "Routing decisions by method",
			},
			[]string{"method"},
		),
		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_connected_clients",
				Help: "Open WebSocket sessions",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.MalformedMessages,
		c.DeadLetters,
		c.DroppedEvents,
		c.DispatchQueueDepth,
		c.PublishRetries,
		c.PublishErrors,
		c.ActiveTasks,
		c.TaskOutcomes,
		c.TaskDuration,
		c.EffortCounts,
		c.RouterMethods,
		c.ConnectedClients,
	)
	return c
}

// Handler exposes the registry for the gateway's /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
