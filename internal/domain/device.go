package domain

// DeviceMode is the operating mode of an AGV, mirroring the
// agv_robots.current_status column.
type DeviceMode string

const (
	ModeIdle       DeviceMode = "IDLE"
	ModeMoving     DeviceMode = "MOVING"
	ModeWorking    DeviceMode = "WORKING"
	ModeCharging   DeviceMode = "CHARGING"
	ModeError      DeviceMode = "ERROR"
	ModePatrolling DeviceMode = "PATROLLING"
)

var deviceModes = map[DeviceMode]struct{}{
	ModeIdle:       {},
	ModeMoving:     {},
	ModeWorking:    {},
	ModeCharging:   {},
	ModeError:      {},
	ModePatrolling: {},
}

// ParseDeviceMode validates a mode string reported by device telemetry.
func ParseDeviceMode(s string) (DeviceMode, bool) {
	m := DeviceMode(s)
	_, ok := deviceModes[m]
	return m, ok
}

// ControllerMode is the operating mode of a nursery growth-chamber
// controller: AUTO runs the environment checks, MANUAL disables them.
type ControllerMode string

const (
	ControllerAuto   ControllerMode = "AUTO"
	ControllerManual ControllerMode = "MANUAL"
)

// ParseControllerMode validates a controller mode string.
func ParseControllerMode(s string) (ControllerMode, bool) {
	m := ControllerMode(s)
	if m == ControllerAuto || m == ControllerManual {
		return m, true
	}
	return m, false
}

// Position is a point on the control-room floor plan.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DeviceSnapshot is the read-only view of one AGV exposed to dashboards
// and the persistence layer.
type DeviceSnapshot struct {
	ID            string     `json:"id"`
	Position      Position   `json:"position"`
	Battery       int        `json:"battery"`
	Mode          DeviceMode `json:"mode"`
	CurrentTaskID *int64     `json:"current_task_id,omitempty"`
}
