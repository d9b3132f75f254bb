// Package postgres is the persistence collaborator for the control core.
// Every call is synchronous and independent; no transaction spans more than
// one core operation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrinet/greenhouse-core/internal/domain"
)

// Repository is the full save/load contract the core and its supplementary
// managers consume.
type Repository interface {
	LoadAllDevices(ctx context.Context) ([]domain.DeviceSnapshot, error)
	LoadPendingTasks(ctx context.Context) ([]*domain.Task, error)
	SaveTask(ctx context.Context, task *domain.Task) error
	SaveTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	SaveDeviceTelemetry(ctx context.Context, id string, snap domain.DeviceSnapshot) error

	InsertSensorLog(ctx context.Context, sensorID int, value float64) error
	InsertActuatorLog(ctx context.Context, actuatorID int, state, triggeredBy string) error
	UpdateControllerMode(ctx context.Context, controllerID string, mode domain.ControllerMode) error
	UpdateHeartbeat(ctx context.Context, controllerID string) error

	VarietyByRFID(ctx context.Context, rfid string) (int, error)
	FindFreeSlot(ctx context.Context, varietyID int) (string, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Repository interface.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) LoadAllDevices(ctx context.Context) ([]domain.DeviceSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agv_id, pos_x, pos_y, battery_level, current_status
		FROM agv_robots
		ORDER BY agv_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query agv_robots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.DeviceSnapshot
	for rows.Next() {
		var s domain.DeviceSnapshot
		var mode string
		if err := rows.Scan(&s.ID, &s.Position.X, &s.Position.Y, &s.Battery, &mode); err != nil {
			return nil, fmt.Errorf("scan agv row: %w", err)
		}
		s.Mode = domain.DeviceMode(mode)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *repository) LoadPendingTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, task_type, source_node, destination_node,
		       variety_id, quantity, ordered_by, ordered_at
		FROM transport_tasks
		WHERE task_status = 'PENDING'
		ORDER BY ordered_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		var kind string
		if err := rows.Scan(
			&t.ID, &kind, &t.Source, &t.Destination,
			&t.VarietyID, &t.Quantity, &t.OrderedBy, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Kind = domain.TaskKind(kind)
		t.Status = domain.StatusPending
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (r *repository) SaveTask(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transport_tasks
			(task_id, task_type, source_node, destination_node,
			 variety_id, quantity, ordered_by, task_status, ordered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE
		SET task_status = EXCLUDED.task_status
	`, task.ID, string(task.Kind), task.Source, task.Destination,
		task.VarietyID, task.Quantity, task.OrderedBy, string(task.Status), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task %d: %w", task.ID, err)
	}
	return nil
}

func (r *repository) SaveTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transport_tasks (task_id, task_status, updated_at, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET task_status = EXCLUDED.task_status,
		    updated_at = EXCLUDED.updated_at,
		    completed_at = EXCLUDED.completed_at
	`, id, string(status), now, completedAt)
	if err != nil {
		return fmt.Errorf("save status for task %d: %w", id, err)
	}
	return nil
}

func (r *repository) SaveDeviceTelemetry(ctx context.Context, id string, snap domain.DeviceSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agv_robots (agv_id, pos_x, pos_y, battery_level, current_status, last_ping)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (agv_id) DO UPDATE
		SET pos_x = EXCLUDED.pos_x,
		    pos_y = EXCLUDED.pos_y,
		    battery_level = EXCLUDED.battery_level,
		    current_status = EXCLUDED.current_status,
		    last_ping = NOW()
	`, id, snap.Position.X, snap.Position.Y, snap.Battery, string(snap.Mode))
	if err != nil {
		return fmt.Errorf("save telemetry for device %s: %w", id, err)
	}
	return nil
}

func (r *repository) InsertSensorLog(ctx context.Context, sensorID int, value float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sensor_logs (sensor_id, measured_value, measured_at)
		VALUES ($1, $2, NOW())
	`, sensorID, value)
	if err != nil {
		return fmt.Errorf("insert sensor log for %d: %w", sensorID, err)
	}
	return nil
}

func (r *repository) InsertActuatorLog(ctx context.Context, actuatorID int, state, triggeredBy string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO actuator_logs (actuator_id, state_value, triggered_by, triggered_at)
		VALUES ($1, $2, $3, NOW())
	`, actuatorID, state, triggeredBy)
	if err != nil {
		return fmt.Errorf("insert actuator log for %d: %w", actuatorID, err)
	}
	return nil
}

func (r *repository) UpdateControllerMode(ctx context.Context, controllerID string, mode domain.ControllerMode) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nursery_controllers
		SET control_mode = $1
		WHERE controller_id = $2
	`, string(mode), controllerID)
	if err != nil {
		return fmt.Errorf("update mode for controller %s: %w", controllerID, err)
	}
	return nil
}

func (r *repository) UpdateHeartbeat(ctx context.Context, controllerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nursery_controllers
		SET comm_status = 'ONLINE', last_heartbeat = NOW()
		WHERE controller_id = $1
	`, controllerID)
	if err != nil {
		return fmt.Errorf("update heartbeat for controller %s: %w", controllerID, err)
	}
	return nil
}

func (r *repository) VarietyByRFID(ctx context.Context, rfid string) (int, error) {
	var varietyID int
	err := r.pool.QueryRow(ctx, `
		SELECT variety_id FROM rfid_tags WHERE rfid_value = $1
	`, rfid).Scan(&varietyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &domain.UnknownRFIDError{RFID: rfid}
		}
		return 0, fmt.Errorf("lookup rfid %q: %w", rfid, err)
	}
	return varietyID, nil
}

func (r *repository) FindFreeSlot(ctx context.Context, varietyID int) (string, error) {
	var nodeID string
	err := r.pool.QueryRow(ctx, `
		SELECT node_id
		FROM farm_nodes
		WHERE node_type = 'STORAGE'
		  AND occupied = FALSE
		  AND section_id IN (
		      SELECT section_id FROM variety_sections WHERE variety_id = $1
		  )
		ORDER BY node_id
		LIMIT 1
	`, varietyID).Scan(&nodeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &domain.NoFreeSlotError{VarietyID: varietyID}
		}
		return "", fmt.Errorf("find slot for variety %d: %w", varietyID, err)
	}
	return nodeID, nil
}
