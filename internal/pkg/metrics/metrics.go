package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the process-wide metrics registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// HeartbeatsTotal counts accepted and rejected heartbeats.
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afehub_heartbeats_total",
			Help: "Total number of heartbeats processed, by result.",
		},
		[]string{"result"}, // accepted / out_of_order / unknown_device
	)

	// DevicesOnline tracks the registry's current view of reachable devices.
	DevicesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afehub_devices_online",
			Help: "Number of devices currently in the Online state.",
		},
	)

	// SweepTransitionsTotal counts Online -> Offline demotions by the sweeper.
	SweepTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afehub_sweep_transitions_total",
			Help: "Total number of devices demoted to Offline by the liveness sweeper.",
		},
	)

	// CommandsDispatchedTotal counts dispatched commands by terminal outcome.
	CommandsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afehub_commands_dispatched_total",
			Help: "Total number of dispatched commands, by terminal outcome.",
		},
		[]string{"outcome"}, // success / device_error / timeout / dispatch_failed
	)

	// CommandDuration observes dispatch-to-resolution latency.
	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "afehub_command_duration_seconds",
			Help:    "Time from command dispatch to resolution.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PendingCommands tracks the size of the pending-command table.
	PendingCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afehub_pending_commands",
			Help: "Number of commands currently awaiting resolution.",
		},
	)

	// RepliesDiscardedTotal counts replies that arrived for unknown or
	// already-resolved correlation IDs.
	RepliesDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afehub_replies_discarded_total",
			Help: "Total number of device replies discarded as late, duplicate or unknown.",
		},
	)

	// ReadingsIngestedTotal counts measurement readings accepted from devices.
	ReadingsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afehub_readings_ingested_total",
			Help: "Total number of sensor readings ingested.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HeartbeatsTotal,
		DevicesOnline,
		SweepTransitionsTotal,
		CommandsDispatchedTotal,
		CommandDuration,
		PendingCommands,
		RepliesDiscardedTotal,
		ReadingsIngestedTotal,
	)
}
