package fleet

import (
	"sync"

	"github.com/agrinet/greenhouse-core/internal/domain"
)

// LowBatteryThreshold is the battery percentage at or below which an AGV is
// not assigned new work. Low battery never forces a mode change; CHARGING is
// only ever reported by the device itself.
const LowBatteryThreshold = 20

// device is the per-AGV state record. One instance exists per physical unit
// for the lifetime of the process; it is mutated only under its own mutex so
// operations on one device are serialized while devices stay independent.
type device struct {
	mu      sync.Mutex
	id      string
	pos     domain.Position
	battery int
	mode    domain.DeviceMode
	current *domain.Task
}

func newDevice(id string) *device {
	return &device{
		id:      id,
		battery: 100,
		mode:    domain.ModeIdle,
	}
}

// snapshotLocked builds the dashboard view. Caller must hold d.mu.
func (d *device) snapshotLocked() domain.DeviceSnapshot {
	snap := domain.DeviceSnapshot{
		ID:       d.id,
		Position: d.pos,
		Battery:  d.battery,
		Mode:     d.mode,
	}
	if d.current != nil {
		id := d.current.ID
		snap.CurrentTaskID = &id
	}
	return snap
}

// assignable reports whether the device may take a new task. Caller must
// hold d.mu. A device already holding a task is never assignable, which is
// what keeps "one task per device" an invariant rather than a convention.
func (d *device) assignableLocked() (ok bool, reason string) {
	if d.mode != domain.ModeIdle && d.mode != domain.ModePatrolling {
		return false, "busy"
	}
	if d.current != nil {
		return false, "busy"
	}
	if d.battery <= LowBatteryThreshold {
		return false, "low_battery"
	}
	return true, ""
}
