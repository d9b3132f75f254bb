// Package queue holds the pending transport work pool: a priority queue
// ordered by task rank (outbound > inbound > manual) with FIFO ordering
// inside a rank.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/pkg/telemetry"
)

// Store persists accepted tasks so they survive a restart. Persistence is
// best-effort from the queue's point of view: a storage failure is logged
// and the task stays queued in memory.
type Store interface {
	SaveTask(ctx context.Context, task *domain.Task) error
}

// TaskQueue is the single source of truth for "what needs doing next".
// All methods are safe for concurrent use; the heap is guarded by one mutex
// since it is not safe under concurrent structural mutation.
type TaskQueue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	lastID int64
	store  Store
	logger *slog.Logger
}

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithStore persists every accepted task through s.
func WithStore(s Store) Option {
	return func(q *TaskQueue) { q.store = s }
}

// New creates an empty TaskQueue.
func New(logger *slog.Logger, opts ...Option) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &TaskQueue{logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates task and inserts it in priority order. A zero ID is
// replaced with a fresh monotonic one; IDs are never reused. Ties within a
// rank are broken by insertion order via a per-queue sequence number.
func (q *TaskQueue) Enqueue(task *domain.Task) error {
	if task.Source == "" {
		return &domain.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if task.Destination == "" {
		return &domain.ValidationError{Field: "destination", Reason: "must not be empty"}
	}
	rank, ok := domain.RankOf(task.Kind)
	if !ok {
		return &domain.ValidationError{Field: "kind", Reason: "unknown task kind " + string(task.Kind)}
	}

	q.mu.Lock()
	if task.ID == 0 {
		q.lastID++
		task.ID = q.lastID
	} else if task.ID > q.lastID {
		// Keep the counter ahead of externally assigned IDs (e.g. tasks
		// reloaded from the database at startup).
		q.lastID = task.ID
	}
	if task.Status == "" {
		task.Status = domain.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	q.seq++
	heap.Push(&q.items, &queuedTask{task: task, rank: rank, seq: q.seq})
	depth := len(q.items)
	q.mu.Unlock()

	telemetry.QueueTasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
	telemetry.QueueDepth.Set(float64(depth))
	q.logger.Info("task enqueued",
		slog.Int64("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("source", task.Source),
		slog.String("destination", task.Destination),
	)

	// Persist outside the lock so a slow store never stalls dispatch.
	if q.store != nil {
		if err := q.store.SaveTask(context.Background(), task); err != nil {
			q.logger.Error("failed to persist task",
				slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// DequeueNext removes and returns the lowest-rank pending task, marking it
// IN_PROGRESS. Returns nil when the queue is empty.
func (q *TaskQueue) DequeueNext() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queuedTask)
	item.task.Status = domain.StatusInProgress

	telemetry.QueueDepth.Set(float64(len(q.items)))
	q.logger.Info("task dequeued",
		slog.Int64("task_id", item.task.ID),
		slog.String("kind", string(item.task.Kind)),
	)
	return item.task
}

// Peek returns the task DequeueNext would hand out, without removing it or
// changing its status. Returns nil when the queue is empty.
func (q *TaskQueue) Peek() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].task
}

// Size returns the number of pending tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no pending tasks.
func (q *TaskQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Snapshot returns the queue contents in dispatch order without mutating
// the queue. The slice is recomputed on every call.
func (q *TaskQueue) Snapshot() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := make([]*queuedTask, len(q.items))
	copy(sorted, q.items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	tasks := make([]*domain.Task, len(sorted))
	for i, it := range sorted {
		tasks[i] = it.task
	}
	return tasks
}

// queuedTask pairs a task with its heap key (rank, seq). The sequence
// number makes the key unique so equal-rank tasks keep insertion order.
type queuedTask struct {
	task *domain.Task
	rank int
	seq  uint64
}

func (a *queuedTask) less(b *queuedTask) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.seq < b.seq
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
