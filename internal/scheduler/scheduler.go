// Package scheduler fires recurring outbound dispatches: rows in the
// scheduled_dispatches table describe shipments (seedlings leaving storage
// for the outbound dock) that recur on a cron expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/pkg/telemetry"
)

const (
	leaderKey     = "scheduler:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// Dispatch mirrors one row of the scheduled_dispatches table.
type Dispatch struct {
	ID        int64
	Name      string
	CronExpr  string
	Source    string
	Dest      string
	VarietyID int
	Quantity  int
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// db is the slice of pgxpool.Pool the scheduler uses.
type db interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// enqueuer accepts new transport tasks; satisfied by *queue.TaskQueue.
type enqueuer interface {
	Enqueue(task *domain.Task) error
}

// Scheduler polls for due dispatches and enqueues them as OUTBOUND tasks.
// Redis leader election keeps exactly one instance firing when several
// control servers run against the same database.
type Scheduler struct {
	pool       db
	queue      enqueuer
	redis      *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(pool *pgxpool.Pool, q enqueuer, redisClient *redis.Client, instanceID string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pool:       pool,
		queue:      q,
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Run is the polling loop: acquire or renew leadership, then fire whatever
// is due. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	if err := s.processDueDispatches(ctx); err != nil {
		s.logger.Error("processDueDispatches", slog.String("error", err.Error()))
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is
// the leader.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (s *Scheduler) processDueDispatches(ctx context.Context) error {
	dispatches, err := s.loadDueDispatches(ctx)
	if err != nil {
		return err
	}
	for _, d := range dispatches {
		if err := s.fire(ctx, d); err != nil {
			s.logger.Error("dispatch failed",
				slog.String("dispatch", d.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Scheduler) loadDueDispatches(ctx context.Context) ([]Dispatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, source_node, dest_node, variety_id, quantity,
		       enabled, last_run_at, next_run_at
		FROM scheduled_dispatches
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= NOW())
		ORDER BY next_run_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		if err := rows.Scan(
			&d.ID, &d.Name, &d.CronExpr, &d.Source, &d.Dest, &d.VarietyID,
			&d.Quantity, &d.Enabled, &d.LastRunAt, &d.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled_dispatch: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Scheduler) fire(ctx context.Context, d Dispatch) error {
	now := time.Now().UTC()

	// The expression must parse before any task exists: a dispatch whose
	// next run can never be computed would otherwise stay due forever and
	// enqueue fresh AGV work on every tick. Disable it and leave the rest
	// to an operator.
	schedule, err := cron.ParseStandard(d.CronExpr)
	if err != nil {
		if _, derr := s.pool.Exec(ctx, `
			UPDATE scheduled_dispatches SET enabled = FALSE WHERE id = $1
		`, d.ID); derr != nil {
			s.logger.Error("failed to disable broken dispatch",
				slog.String("dispatch", d.Name), slog.String("error", derr.Error()))
		}
		return fmt.Errorf("parse cron %q for dispatch %q, disabled: %w", d.CronExpr, d.Name, err)
	}
	nextRun := schedule.Next(now)

	task := &domain.Task{
		Kind:        domain.KindOutbound,
		Source:      d.Source,
		Destination: d.Dest,
		VarietyID:   d.VarietyID,
		Quantity:    d.Quantity,
	}
	if err := s.queue.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue dispatch %q: %w", d.Name, err)
	}
	telemetry.SchedulerDispatchesFired.Inc()

	if _, err := s.pool.Exec(ctx, `
		UPDATE scheduled_dispatches
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, now, nextRun, d.ID); err != nil {
		return fmt.Errorf("update scheduled_dispatch %q: %w", d.Name, err)
	}

	s.logger.Info("scheduled dispatch fired",
		slog.String("dispatch", d.Name),
		slog.Int64("task_id", task.ID),
		slog.Time("next_run", nextRun),
	)
	return nil
}
