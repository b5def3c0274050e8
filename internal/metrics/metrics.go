// Package metrics registers the process-wide Prometheus collectors
// exposed on the operator and runner /metrics endpoints. Collectors
// are package-level promauto values so every component increments the
// same registry the HTTP surface serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksDistributed counts snapshots fanned out by the Market-Data
	// Hub, per asset.
	TicksDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "marketdata",
		Name:      "ticks_distributed_total",
		Help:      "Market snapshots delivered to subscribers.",
	}, []string{"asset"})

	// Events counts every record appended to the event log, per type.
	// Entry skips, exit reasons, order outcomes, and strategy lifecycle
	// transitions all flow through here since the event log is the
	// single choke point for those state changes.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Structured events appended to the event log.",
	}, []string{"event_type"})

	// ToolCallDuration observes wall time per tool invocation,
	// including retries, labelled by outcome.
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atlas",
		Subsystem: "agentloop",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool Executor call duration including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool", "outcome"})

	// ToolCallRetries counts extra attempts beyond the first, per tool.
	ToolCallRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "agentloop",
		Name:      "tool_call_retries_total",
		Help:      "Tool call attempts beyond the first.",
	}, []string{"tool"})

	// StageDuration observes learning-loop stage wall time per stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atlas",
		Subsystem: "learning",
		Name:      "stage_duration_seconds",
		Help:      "Learning-loop stage duration.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage", "outcome"})
)
