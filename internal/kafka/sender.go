package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/pkg/retry"
)

// CommandTopicPrefix is where per-device command topics live; the device ID
// is appended (farm.commands.R01).
const CommandTopicPrefix = "farm.commands."

// ActuatorTopic carries actuator switch commands for the chamber controllers.
const ActuatorTopic = "farm.actuators"

// movePacket is the structured MOVE command a device firmware consumes.
type movePacket struct {
	Cmd        string `json:"cmd"`
	TaskID     int64  `json:"task_id"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
}

// actuatorPacket is the ON/OFF switch command for one actuator.
type actuatorPacket struct {
	Cmd        string `json:"cmd"`
	ActuatorID int    `json:"actuator_id"`
	State      string `json:"state"`
}

// Sender publishes structured device commands over Kafka. It implements
// fleet.CommandSender and nursery.Actuators. Publishes are retried with
// backoff; task-level failures are never retried here, only the transport
// write.
type Sender struct {
	producer Producer
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

// NewSender creates a Sender on top of producer.
func NewSender(producer Producer, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{producer: producer, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// SendMove publishes a MOVE command to the device's command topic.
func (s *Sender) SendMove(ctx context.Context, deviceID string, task *domain.Task) error {
	payload, err := json.Marshal(movePacket{
		Cmd:        "MOVE",
		TaskID:     task.ID,
		SourceNode: task.Source,
		TargetNode: task.Destination,
	})
	if err != nil {
		return fmt.Errorf("marshal move command: %w", err)
	}
	return s.publish(ctx, CommandTopicPrefix+deviceID, strconv.FormatInt(task.ID, 10), payload)
}

// SetActuator publishes an actuator switch command.
func (s *Sender) SetActuator(ctx context.Context, actuatorID int, state string) error {
	payload, err := json.Marshal(actuatorPacket{
		Cmd:        "MANUAL",
		ActuatorID: actuatorID,
		State:      state,
	})
	if err != nil {
		return fmt.Errorf("marshal actuator command: %w", err)
	}
	return s.publish(ctx, ActuatorTopic, strconv.Itoa(actuatorID), payload)
}

func (s *Sender) publish(ctx context.Context, topic, key string, payload []byte) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: s.attempts,
		BaseDelay:   s.delay,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("command publish failed, retrying",
				slog.String("topic", topic),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return s.producer.Publish(ctx, topic, key, payload)
	})
}
