package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Task queue ──────────────────────────────────────────────────────────────

	QueueTasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Total transport tasks accepted into the queue, by kind.",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmcore",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks currently waiting in the queue.",
	})

	// ─── Fleet dispatcher ────────────────────────────────────────────────────────

	FleetTasksAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "fleet",
		Name:      "tasks_assigned_total",
		Help:      "Total tasks assigned to AGVs, by task kind.",
	}, []string{"kind"})

	FleetTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "fleet",
		Name:      "tasks_finished_total",
		Help:      "Total task results processed, by terminal status.",
	}, []string{"status"})

	FleetAssignmentsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "fleet",
		Name:      "assignments_skipped_total",
		Help:      "Assignment attempts that returned no task, by reason.",
	}, []string{"reason"})

	FleetDeviceBattery = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "farmcore",
		Subsystem: "fleet",
		Name:      "device_battery_percent",
		Help:      "Last reported battery level per AGV.",
	}, []string{"device_id"})

	// ─── Message router ──────────────────────────────────────────────────────────

	RouterTelemetryRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "router",
		Name:      "telemetry_routed_total",
		Help:      "Telemetry messages dispatched to a handler, by type.",
	}, []string{"type"})

	RouterTelemetryDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "router",
		Name:      "telemetry_dropped_total",
		Help:      "Telemetry messages dropped, by reason (decode or unknown type).",
	}, []string{"reason"})

	RouterCommandReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "router",
		Name:      "command_replies_total",
		Help:      "Command replies produced, by command and reply status.",
	}, []string{"cmd", "status"})

	// ─── Nursery controllers ─────────────────────────────────────────────────────

	NurserySensorReadings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "nursery",
		Name:      "sensor_readings_total",
		Help:      "Sensor readings processed, by controller.",
	}, []string{"controller_id"})

	NurseryEnvAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "nursery",
		Name:      "env_alerts_total",
		Help:      "Out-of-band environment readings detected in AUTO mode.",
	}, []string{"controller_id"})

	// ─── Outbound scheduler ──────────────────────────────────────────────────────

	SchedulerDispatchesFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "farmcore",
		Subsystem: "scheduler",
		Name:      "dispatches_fired_total",
		Help:      "Scheduled outbound dispatches enqueued as tasks.",
	})
)
