// Package nursery manages the growth-chamber controllers: latest sensor
// values, AUTO/MANUAL mode, heartbeat liveness and manual actuator control.
// The in-memory cache is rebuilt from telemetry and is not authoritative;
// the database is.
package nursery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/pkg/telemetry"
)

// Actuators delivers ON/OFF commands to physical actuators. The nursery
// manager decides what to switch; encoding and delivery live in the
// transport layer.
type Actuators interface {
	SetActuator(ctx context.Context, actuatorID int, state string) error
}

// Repo is the slice of the persistence collaborator the manager needs.
type Repo interface {
	InsertSensorLog(ctx context.Context, sensorID int, value float64) error
	InsertActuatorLog(ctx context.Context, actuatorID int, state, triggeredBy string) error
	UpdateControllerMode(ctx context.Context, controllerID string, mode domain.ControllerMode) error
	UpdateHeartbeat(ctx context.Context, controllerID string) error
}

// ControllerStatus is the dashboard view of one controller.
type ControllerStatus struct {
	Sensors  map[int]float64       `json:"sensors"`
	Mode     domain.ControllerMode `json:"mode"`
	LastSeen time.Time             `json:"last_seen"`
}

type controllerState struct {
	sensors  map[int]float64
	mode     domain.ControllerMode
	lastSeen time.Time
}

// Manager tracks every nursery controller by ID. Entries appear on first
// telemetry and default to AUTO mode.
type Manager struct {
	repo   Repo
	acts   Actuators
	band   Band
	logger *slog.Logger
	clock  func() time.Time

	mu          sync.RWMutex
	controllers map[string]*controllerState
}

// NewManager constructs a Manager with the given collaborator, actuator
// channel and target band for AUTO-mode checks.
func NewManager(repo Repo, acts Actuators, band Band, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		acts:        acts,
		band:        band,
		logger:      logger,
		clock:       time.Now,
		controllers: make(map[string]*controllerState),
	}
}

func (m *Manager) state(controllerID string) *controllerState {
	if st, ok := m.controllers[controllerID]; ok {
		return st
	}
	st := &controllerState{
		sensors: make(map[int]float64),
		mode:    domain.ControllerAuto,
	}
	m.controllers[controllerID] = st
	return st
}

// HandleSensor records a sensor reading: logs it to storage, updates the
// cache, flags physically implausible values, and in AUTO mode assesses the
// reading against the target band. Out-of-band readings raise an advisory;
// actuation itself is decided per variety and stays outside this core.
func (m *Manager) HandleSensor(ctx context.Context, controllerID string, sensorID int, value float64) {
	if err := m.repo.InsertSensorLog(ctx, sensorID, value); err != nil {
		m.logger.Error("failed to log sensor reading",
			slog.Int("sensor_id", sensorID), slog.String("error", err.Error()))
	}

	m.mu.Lock()
	st := m.state(controllerID)
	st.sensors[sensorID] = value
	st.lastSeen = m.clock()
	mode := st.mode
	m.mu.Unlock()

	telemetry.NurserySensorReadings.WithLabelValues(controllerID).Inc()

	if !ValidReading(value) {
		m.logger.Warn("implausible sensor value",
			slog.String("controller_id", controllerID),
			slog.Int("sensor_id", sensorID),
			slog.Float64("value", value),
		)
		return
	}

	if mode != domain.ControllerAuto {
		return
	}
	if a := Assess(value, m.band); a != InBand {
		telemetry.NurseryEnvAlerts.WithLabelValues(controllerID).Inc()
		m.logger.Warn("environment reading out of band",
			slog.String("controller_id", controllerID),
			slog.Int("sensor_id", sensorID),
			slog.Float64("value", value),
			slog.Bool("above", a == AboveBand),
		)
	}
}

// SetMode switches a controller between AUTO and MANUAL.
func (m *Manager) SetMode(ctx context.Context, controllerID string, mode string) error {
	parsed, ok := domain.ParseControllerMode(mode)
	if !ok {
		return &domain.ValidationError{Field: "mode", Reason: "must be AUTO or MANUAL"}
	}

	if err := m.repo.UpdateControllerMode(ctx, controllerID, parsed); err != nil {
		return err
	}

	m.mu.Lock()
	m.state(controllerID).mode = parsed
	m.mu.Unlock()

	m.logger.Info("controller mode changed",
		slog.String("controller_id", controllerID),
		slog.String("mode", string(parsed)),
	)
	return nil
}

// ManualActuator switches one actuator ON or OFF on operator request and
// records the action with TriggeredBy=MANUAL.
func (m *Manager) ManualActuator(ctx context.Context, actuatorID int, state string) error {
	if state != "ON" && state != "OFF" {
		return &domain.ValidationError{Field: "state", Reason: "must be ON or OFF"}
	}
	if actuatorID <= 0 {
		return &domain.ValidationError{Field: "actuator_id", Reason: "must be positive"}
	}

	if err := m.repo.InsertActuatorLog(ctx, actuatorID, state, "MANUAL"); err != nil {
		m.logger.Error("failed to log actuator action",
			slog.Int("actuator_id", actuatorID), slog.String("error", err.Error()))
	}
	return m.acts.SetActuator(ctx, actuatorID, state)
}

// HandleHeartbeat refreshes a controller's liveness.
func (m *Manager) HandleHeartbeat(ctx context.Context, controllerID string) {
	m.mu.Lock()
	m.state(controllerID).lastSeen = m.clock()
	m.mu.Unlock()

	if err := m.repo.UpdateHeartbeat(ctx, controllerID); err != nil {
		m.logger.Error("failed to record heartbeat",
			slog.String("controller_id", controllerID), slog.String("error", err.Error()))
	}
}

// Snapshot returns a copy of every controller's cached state.
func (m *Manager) Snapshot() map[string]ControllerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ControllerStatus, len(m.controllers))
	for id, st := range m.controllers {
		sensors := make(map[int]float64, len(st.sensors))
		for k, v := range st.sensors {
			sensors[k] = v
		}
		out[id] = ControllerStatus{
			Sensors:  sensors,
			Mode:     st.mode,
			LastSeen: st.lastSeen,
		}
	}
	return out
}
