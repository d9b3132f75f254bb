// Package router is the inbound protocol dispatch layer. It decodes JSON
// envelopes and routes them by discriminator: the "type" field for one-way
// telemetry, the "cmd" field for request/response commands. The tables are
// built once at construction and never change afterwards.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/internal/fleet"
	"github.com/agrinet/greenhouse-core/internal/intake"
	"github.com/agrinet/greenhouse-core/internal/nursery"
	"github.com/agrinet/greenhouse-core/internal/queue"
	"github.com/agrinet/greenhouse-core/pkg/telemetry"
)

// Reply is the single structured answer to a command.
type Reply struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

const (
	StatusSuccess = "SUCCESS"
	StatusFail    = "FAIL"
)

func success(format string, args ...any) Reply {
	return Reply{Status: StatusSuccess, Msg: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Reply {
	return Reply{Status: StatusFail, Msg: fmt.Sprintf(format, args...)}
}

type telemetryHandler func(ctx context.Context, raw json.RawMessage) error

type commandHandler func(ctx context.Context, raw json.RawMessage) Reply

// Router decodes inbound envelopes and hands them to the domain handlers.
// It is stateless: all state lives in the collaborators it routes to.
type Router struct {
	fleet     *fleet.Dispatcher
	nursery   *nursery.Manager
	intake    *intake.Manager
	queue     *queue.TaskQueue
	logger    *slog.Logger
	telemetry map[string]telemetryHandler
	commands  map[string]commandHandler
}

// New builds a Router with its dispatch tables. The tables are fixed here;
// there is no runtime registration.
func New(f *fleet.Dispatcher, n *nursery.Manager, in *intake.Manager, q *queue.TaskQueue, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{fleet: f, nursery: n, intake: in, queue: q, logger: logger}

	r.telemetry = map[string]telemetryHandler{
		"SENSOR":      r.onSensor,
		"AGV_STATE":   r.onAgvState,
		"RFID_READ":   r.onRFIDRead,
		"HEARTBEAT":   r.onHeartbeat,
		"TASK_RESULT": r.onTaskResult,
	}
	r.commands = map[string]commandHandler{
		"MOVE":     r.onCmdMove,
		"TASK":     r.onCmdTask,
		"MANUAL":   r.onCmdManual,
		"SET_MODE": r.onCmdSetMode,
	}
	return r
}

// RouteTelemetry decodes a one-way message and calls its handler. Telemetry
// has no reply channel, so every failure ends here: decode errors and
// unknown types are logged and dropped, never propagated. Unknown types are
// dropped silently on purpose — newer devices may emit kinds this server
// does not know yet.
func (r *Router) RouteTelemetry(ctx context.Context, raw []byte) {
	ctx, span := otel.Tracer("router").Start(ctx, "router.route_telemetry")
	defer span.End()

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		derr := &domain.DecodeError{Err: err}
		span.RecordError(derr)
		telemetry.RouterTelemetryDropped.WithLabelValues("decode").Inc()
		r.logger.Error("undecodable telemetry dropped", slog.String("error", derr.Error()))
		return
	}
	span.SetAttributes(attribute.String("message.type", head.Type))

	handler, ok := r.telemetry[head.Type]
	if !ok {
		telemetry.RouterTelemetryDropped.WithLabelValues("unknown_type").Inc()
		r.logger.Warn("unknown telemetry type dropped", slog.String("type", head.Type))
		return
	}

	if err := handler(ctx, raw); err != nil {
		span.RecordError(err)
		telemetry.RouterTelemetryDropped.WithLabelValues("handler").Inc()
		r.logger.Error("telemetry handler failed",
			slog.String("type", head.Type), slog.String("error", err.Error()))
		return
	}
	telemetry.RouterTelemetryRouted.WithLabelValues(head.Type).Inc()
}

// RouteCommand decodes a command and returns exactly one reply. The router
// is the last line of defense: decode failures, unknown commands and any
// handler fault — panics included — become a FAIL reply instead of taking
// down the dispatch loop.
func (r *Router) RouteCommand(ctx context.Context, raw []byte) (reply Reply) {
	ctx, span := otel.Tracer("router").Start(ctx, "router.route_command")
	defer span.End()

	cmd := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command handler panicked",
				slog.String("cmd", cmd), slog.Any("panic", rec))
			reply = fail("internal error handling %s", cmd)
		}
		telemetry.RouterCommandReplies.WithLabelValues(cmd, reply.Status).Inc()
	}()

	var head struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		derr := &domain.DecodeError{Err: err}
		span.RecordError(derr)
		r.logger.Error("undecodable command", slog.String("error", derr.Error()))
		return fail("%s", derr.Error())
	}
	cmd = head.Cmd
	span.SetAttributes(attribute.String("command", cmd))

	handler, ok := r.commands[head.Cmd]
	if !ok {
		uerr := &domain.UnknownDiscriminatorError{Discriminator: head.Cmd}
		r.logger.Warn("unknown command", slog.String("cmd", head.Cmd))
		return fail("unknown command: %s", uerr.Discriminator)
	}
	return handler(ctx, raw)
}

// ─── telemetry handlers ─────────────────────────────────────────────────────

func (r *Router) onSensor(ctx context.Context, raw json.RawMessage) error {
	var msg struct {
		ControllerID string  `json:"controller_id"`
		SensorID     int     `json:"sensor_id"`
		Value        float64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &domain.DecodeError{Err: err}
	}
	if msg.ControllerID == "" {
		return &domain.ValidationError{Field: "controller_id", Reason: "must not be empty"}
	}
	r.nursery.HandleSensor(ctx, msg.ControllerID, msg.SensorID, msg.Value)
	return nil
}

func (r *Router) onAgvState(ctx context.Context, raw json.RawMessage) error {
	var msg struct {
		AgvID   string  `json:"agv_id"`
		PosX    *int    `json:"pos_x"`
		PosY    *int    `json:"pos_y"`
		Battery *int    `json:"battery"`
		Status  *string `json:"status"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		// The envelope names a device but the body is garbage: the device is
		// sending something this server cannot interpret, so park it in
		// ERROR until an operator looks at it.
		if id := extractAgvID(raw); id != "" {
			r.fleet.MarkError(id, "malformed AGV_STATE payload")
		}
		return &domain.DecodeError{Err: err}
	}
	if msg.AgvID == "" {
		return &domain.ValidationError{Field: "agv_id", Reason: "must not be empty"}
	}
	r.fleet.UpdateTelemetry(ctx, msg.AgvID, fleet.TelemetryUpdate{
		PosX:    msg.PosX,
		PosY:    msg.PosY,
		Battery: msg.Battery,
		Mode:    msg.Status,
	})
	return nil
}

func (r *Router) onRFIDRead(ctx context.Context, raw json.RawMessage) error {
	var msg struct {
		RFIDValue     string `json:"rfid_value"`
		StationNodeID string `json:"station_node_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &domain.DecodeError{Err: err}
	}
	if msg.RFIDValue == "" || msg.StationNodeID == "" {
		return &domain.ValidationError{Field: "rfid_value/station_node_id", Reason: "must not be empty"}
	}
	r.intake.HandleRFID(ctx, msg.RFIDValue, msg.StationNodeID)
	return nil
}

func (r *Router) onHeartbeat(ctx context.Context, raw json.RawMessage) error {
	var msg struct {
		ControllerID string `json:"controller_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &domain.DecodeError{Err: err}
	}
	if msg.ControllerID == "" {
		return &domain.ValidationError{Field: "controller_id", Reason: "must not be empty"}
	}
	r.nursery.HandleHeartbeat(ctx, msg.ControllerID)
	return nil
}

func (r *Router) onTaskResult(ctx context.Context, raw json.RawMessage) error {
	var msg struct {
		AgvID  string `json:"agv_id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &domain.DecodeError{Err: err}
	}
	if msg.AgvID == "" {
		return &domain.ValidationError{Field: "agv_id", Reason: "must not be empty"}
	}
	r.fleet.HandleTaskResult(ctx, msg.AgvID, fleet.Result(msg.Result))
	return nil
}

// ─── command handlers ───────────────────────────────────────────────────────

func (r *Router) onCmdMove(_ context.Context, raw json.RawMessage) Reply {
	var msg struct {
		TargetNode string `json:"target_node"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail("decode MOVE: %v", err)
	}
	if msg.TargetNode == "" {
		return fail("MOVE requires target_node")
	}
	// Ad-hoc moves bypass the queue; the acknowledgment is the contract.
	r.logger.Info("ad-hoc move acknowledged", slog.String("target_node", msg.TargetNode))
	return success("move to %s acknowledged", msg.TargetNode)
}

func (r *Router) onCmdTask(_ context.Context, raw json.RawMessage) Reply {
	var msg struct {
		Action    string `json:"action"`
		Source    string `json:"source"`
		Dest      string `json:"dest"`
		VarietyID int    `json:"variety_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail("decode TASK: %v", err)
	}

	var kind domain.TaskKind
	switch msg.Action {
	case "INBOUND":
		kind = domain.KindInbound
	case "OUTBOUND":
		kind = domain.KindOutbound
	default:
		return fail("unknown TASK action: %s", msg.Action)
	}

	task := &domain.Task{
		Kind:        kind,
		Source:      msg.Source,
		Destination: msg.Dest,
		VarietyID:   msg.VarietyID,
		Quantity:    1,
	}
	if err := r.queue.Enqueue(task); err != nil {
		return fail("%v", err)
	}
	return success("%s task %d registered", msg.Action, task.ID)
}

func (r *Router) onCmdManual(ctx context.Context, raw json.RawMessage) Reply {
	var msg struct {
		Device     string `json:"device"`
		State      string `json:"state"`
		ActuatorID int    `json:"actuator_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail("decode MANUAL: %v", err)
	}
	if err := r.nursery.ManualActuator(ctx, msg.ActuatorID, msg.State); err != nil {
		return fail("%v", err)
	}
	return success("%s switched %s", msg.Device, msg.State)
}

func (r *Router) onCmdSetMode(ctx context.Context, raw json.RawMessage) Reply {
	var msg struct {
		ControllerID string `json:"controller_id"`
		Mode         string `json:"mode"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail("decode SET_MODE: %v", err)
	}
	if msg.ControllerID == "" {
		return fail("SET_MODE requires controller_id")
	}
	if err := r.nursery.SetMode(ctx, msg.ControllerID, msg.Mode); err != nil {
		return fail("%v", err)
	}
	return success("controller %s set to %s", msg.ControllerID, msg.Mode)
}

// extractAgvID pulls agv_id out of a payload whose full decode failed.
func extractAgvID(raw []byte) string {
	var min struct {
		AgvID string `json:"agv_id"`
	}
	if err := json.Unmarshal(raw, &min); err != nil {
		return ""
	}
	return min.AgvID
}
