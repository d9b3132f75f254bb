// Package intake turns RFID reads at the receiving station into inbound
// transport tasks: identify the variety, find a free storage slot, enqueue.
package intake

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/internal/queue"
)

// Catalog resolves RFID tags to varieties and varieties to storage slots.
// The RFID-to-variety mapping scheme is deployment-specific, so it stays
// behind this interface.
type Catalog interface {
	VarietyByRFID(ctx context.Context, rfid string) (int, error)
	FindFreeSlot(ctx context.Context, varietyID int) (nodeID string, err error)
}

// Manager coordinates the receiving workflow for one greenhouse.
type Manager struct {
	catalog Catalog
	queue   *queue.TaskQueue
	logger  *slog.Logger
}

// NewManager constructs an intake Manager.
func NewManager(catalog Catalog, q *queue.TaskQueue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{catalog: catalog, queue: q, logger: logger}
}

// HandleRFID processes a tag read at a receiving station. An unknown tag or
// a full section produces a log line and no task; the read is one-way
// telemetry, so there is nobody to answer.
func (m *Manager) HandleRFID(ctx context.Context, rfid, stationNodeID string) {
	ctx, span := otel.Tracer("intake").Start(ctx, "intake.handle_rfid")
	defer span.End()
	span.SetAttributes(
		attribute.String("rfid", rfid),
		attribute.String("station", stationNodeID),
	)

	varietyID, err := m.catalog.VarietyByRFID(ctx, rfid)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("rfid read not actionable",
			slog.String("rfid", rfid),
			slog.String("station", stationNodeID),
			slog.String("error", err.Error()),
		)
		return
	}

	slot, err := m.catalog.FindFreeSlot(ctx, varietyID)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("no destination for inbound seedling",
			slog.Int("variety_id", varietyID),
			slog.String("station", stationNodeID),
			slog.String("error", err.Error()),
		)
		return
	}

	task := &domain.Task{
		Kind:        domain.KindInbound,
		Source:      stationNodeID,
		Destination: slot,
		VarietyID:   varietyID,
		Quantity:    1,
	}
	if err := m.queue.Enqueue(task); err != nil {
		m.logger.Error("failed to enqueue inbound task",
			slog.String("station", stationNodeID), slog.String("error", err.Error()))
		return
	}

	m.logger.Info("inbound task created from rfid read",
		slog.Int64("task_id", task.ID),
		slog.Int("variety_id", varietyID),
		slog.String("source", stationNodeID),
		slog.String("destination", slot),
	)
}
