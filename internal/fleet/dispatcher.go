// Package fleet tracks the AGV fleet and assigns transport tasks to idle
// units. The Dispatcher owns every device record; all mutation goes through
// its entry points, which serialize per device.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/internal/queue"
	"github.com/agrinet/greenhouse-core/pkg/telemetry"
)

// CommandSender delivers structured commands to a device's transport
// channel. Wire encoding is the transport's concern, not the core's.
type CommandSender interface {
	SendMove(ctx context.Context, deviceID string, task *domain.Task) error
}

// FailurePolicy decides what happens to a task after its device reports
// FAIL. The task is already detached from the device and marked FAILED when
// the policy runs.
type FailurePolicy interface {
	OnTaskFailure(ctx context.Context, deviceID string, task *domain.Task)
}

// discardPolicy drops failed tasks. Retry and operator alerting can be
// supplied as alternative policies without touching the dispatcher.
type discardPolicy struct {
	logger *slog.Logger
}

func (p discardPolicy) OnTaskFailure(_ context.Context, deviceID string, task *domain.Task) {
	p.logger.Warn("task failed, discarding",
		slog.Int64("task_id", task.ID),
		slog.String("device_id", deviceID),
	)
}

// Store is the slice of the persistence collaborator the dispatcher needs.
// Calls are synchronous and best-effort: a storage failure is logged, never
// allowed to stall the control loop.
type Store interface {
	SaveTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	SaveDeviceTelemetry(ctx context.Context, id string, snap domain.DeviceSnapshot) error
}

// TelemetryUpdate carries the fields present in an AGV_STATE message.
// Nil fields keep their prior value (partial update).
type TelemetryUpdate struct {
	PosX    *int
	PosY    *int
	Battery *int
	Mode    *string
}

// Result is a task outcome reported by a device.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFail    Result = "FAIL"
)

// Dispatcher coordinates the fleet: it registers devices, merges their
// telemetry, pulls work from the queue for idle units and processes task
// results.
type Dispatcher struct {
	queue     *queue.TaskQueue
	sender    CommandSender
	store     Store
	onFailure FailurePolicy
	logger    *slog.Logger

	mu      sync.RWMutex
	devices map[string]*device
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailurePolicy replaces the default discard-on-failure policy.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(d *Dispatcher) { d.onFailure = p }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher constructs a Dispatcher. sender and store may not be nil;
// the queue is shared with producers (router, intake, scheduler).
func NewDispatcher(q *queue.TaskQueue, sender CommandSender, store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   q,
		sender:  sender,
		store:   store,
		logger:  slog.Default(),
		devices: make(map[string]*device),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onFailure == nil {
		d.onFailure = discardPolicy{logger: d.logger}
	}
	return d
}

// Register makes deviceID known to the dispatcher. Registering an existing
// device is a no-op, so telemetry arriving before the database load settles
// is harmless.
func (d *Dispatcher) Register(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[deviceID]; !ok {
		d.devices[deviceID] = newDevice(deviceID)
	}
}

// Restore seeds the registry from persisted snapshots at startup.
func (d *Dispatcher) Restore(snaps []domain.DeviceSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range snaps {
		dev := newDevice(s.ID)
		dev.pos = s.Position
		if s.Battery > 0 && s.Battery <= 100 {
			dev.battery = s.Battery
		}
		if _, ok := domain.ParseDeviceMode(string(s.Mode)); ok {
			dev.mode = s.Mode
		}
		d.devices[s.ID] = dev
	}
}

// lookup returns the device record, registering it on first sight.
// Telemetry is the authoritative announcement of a device's existence.
func (d *Dispatcher) lookup(deviceID string) *device {
	d.mu.RLock()
	dev, ok := d.devices[deviceID]
	d.mu.RUnlock()
	if ok {
		return dev
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok = d.devices[deviceID]; !ok {
		dev = newDevice(deviceID)
		d.devices[deviceID] = dev
	}
	return dev
}

// AssignNextTask pops the highest-priority task and hands it to deviceID.
// Returns (nil, false) when the device is busy, in error, charging, low on
// battery, or the queue is empty — a normal "try again later" outcome, not
// an error. On success the device is MOVING and a MOVE command has been
// emitted to its transport channel.
func (d *Dispatcher) AssignNextTask(ctx context.Context, deviceID string) (*domain.Task, bool) {
	ctx, span := otel.Tracer("fleet").Start(ctx, "fleet.assign_next_task")
	defer span.End()
	span.SetAttributes(attribute.String("device.id", deviceID))

	dev := d.lookup(deviceID)
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if ok, reason := dev.assignableLocked(); !ok {
		telemetry.FleetAssignmentsSkipped.WithLabelValues(reason).Inc()
		d.logger.Debug("assignment skipped",
			slog.String("device_id", deviceID),
			slog.String("reason", reason),
			slog.String("mode", string(dev.mode)),
			slog.Int("battery", dev.battery),
		)
		return nil, false
	}

	task := d.queue.DequeueNext()
	if task == nil {
		// Queue empty: the device stays IDLE. A time-based transition to
		// PATROLLING is a policy for the layer above, same as heartbeat
		// staleness.
		telemetry.FleetAssignmentsSkipped.WithLabelValues("queue_empty").Inc()
		return nil, false
	}

	task.DeviceID = deviceID
	dev.current = task
	dev.mode = domain.ModeMoving

	span.SetAttributes(attribute.Int64("task.id", task.ID))
	telemetry.FleetTasksAssigned.WithLabelValues(string(task.Kind)).Inc()
	d.logger.Info("task assigned",
		slog.Int64("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("device_id", deviceID),
		slog.String("source", task.Source),
		slog.String("destination", task.Destination),
	)

	if err := d.store.SaveTaskStatus(ctx, task.ID, domain.StatusInProgress); err != nil {
		d.logger.Error("failed to persist task status",
			slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := d.sender.SendMove(ctx, deviceID, task); err != nil {
		// The command channel is fire-and-forget from the core's view: the
		// device not acting on a lost command surfaces as a missing result,
		// handled by staleness policy above this layer.
		d.logger.Error("failed to send move command",
			slog.Int64("task_id", task.ID),
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
	return task, true
}

// UpdateTelemetry merges the fields present in upd into the device record.
// An unknown mode string is rejected and logged while the fields that did
// parse still apply. Battery at or below the threshold logs a warning but
// forces no mode change.
func (d *Dispatcher) UpdateTelemetry(ctx context.Context, deviceID string, upd TelemetryUpdate) {
	dev := d.lookup(deviceID)
	dev.mu.Lock()

	if upd.PosX != nil {
		dev.pos.X = *upd.PosX
	}
	if upd.PosY != nil {
		dev.pos.Y = *upd.PosY
	}
	if upd.Battery != nil {
		if b := *upd.Battery; b < 0 || b > 100 {
			// A percentage outside [0,100] is a sensor or firmware fault,
			// same class as an unknown mode string: keep the prior value.
			d.logger.Warn("battery reading out of range, ignoring",
				slog.String("device_id", deviceID),
				slog.Int("battery", b),
			)
		} else {
			dev.battery = b
			telemetry.FleetDeviceBattery.WithLabelValues(deviceID).Set(float64(dev.battery))
			if dev.battery <= LowBatteryThreshold {
				d.logger.Warn("low battery",
					slog.String("device_id", deviceID),
					slog.Int("battery", dev.battery),
				)
			}
		}
	}
	if upd.Mode != nil {
		if mode, ok := domain.ParseDeviceMode(*upd.Mode); ok {
			dev.mode = mode
		} else {
			d.logger.Warn("unknown device mode, ignoring",
				slog.String("device_id", deviceID),
				slog.String("mode", *upd.Mode),
			)
		}
	}
	snap := dev.snapshotLocked()
	dev.mu.Unlock()

	if err := d.store.SaveDeviceTelemetry(ctx, deviceID, snap); err != nil {
		d.logger.Error("failed to persist device telemetry",
			slog.String("device_id", deviceID), slog.String("error", err.Error()))
	}
}

// MarkError puts the device into ERROR. Used when a status payload for the
// device cannot be decoded at all. The device simply stops receiving
// assignments until corrected; the process keeps running.
func (d *Dispatcher) MarkError(deviceID, reason string) {
	dev := d.lookup(deviceID)
	dev.mu.Lock()
	dev.mode = domain.ModeError
	dev.mu.Unlock()
	d.logger.Error("device marked ERROR",
		slog.String("device_id", deviceID),
		slog.String("reason", reason),
	)
}

// HandleTaskResult processes a SUCCESS/FAIL outcome for the device's current
// task. Either way the task detaches and the device returns to IDLE. A
// result for a device holding no task is a stale or duplicate delivery and
// is ignored — duplicate results must never corrupt state.
func (d *Dispatcher) HandleTaskResult(ctx context.Context, deviceID string, result Result) {
	ctx, span := otel.Tracer("fleet").Start(ctx, "fleet.handle_task_result")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("task.result", string(result)),
	)

	dev := d.lookup(deviceID)
	dev.mu.Lock()

	task := dev.current
	if task == nil {
		dev.mu.Unlock()
		d.logger.Info("result for no current task, ignoring",
			slog.String("device_id", deviceID),
			slog.String("result", string(result)),
		)
		return
	}

	switch result {
	case ResultSuccess:
		task.Status = domain.StatusCompleted
	case ResultFail:
		task.Status = domain.StatusFailed
	default:
		dev.mu.Unlock()
		d.logger.Warn("unknown task result, ignoring",
			slog.String("device_id", deviceID),
			slog.String("result", string(result)),
		)
		return
	}
	dev.current = nil
	dev.mode = domain.ModeIdle
	dev.mu.Unlock()

	telemetry.FleetTasksFinished.WithLabelValues(string(task.Status)).Inc()
	d.logger.Info("task finished",
		slog.Int64("task_id", task.ID),
		slog.String("device_id", deviceID),
		slog.String("status", string(task.Status)),
	)

	if err := d.store.SaveTaskStatus(ctx, task.ID, task.Status); err != nil {
		d.logger.Error("failed to persist task status",
			slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
	}
	if task.Status == domain.StatusFailed {
		d.onFailure.OnTaskFailure(ctx, deviceID, task)
	}
}

// Snapshot returns a point-in-time view of every tracked device, ordered by
// ID, plus the queue depth. Consumed by the dashboard endpoint.
func (d *Dispatcher) Snapshot() ([]domain.DeviceSnapshot, int) {
	d.mu.RLock()
	devs := make([]*device, 0, len(d.devices))
	for _, dev := range d.devices {
		devs = append(devs, dev)
	}
	d.mu.RUnlock()

	snaps := make([]domain.DeviceSnapshot, 0, len(devs))
	for _, dev := range devs {
		dev.mu.Lock()
		snaps = append(snaps, dev.snapshotLocked())
		dev.mu.Unlock()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps, d.queue.Size()
}
