package domain

import "time"

// TaskStatus represents the lifecycle state of a transport task.
// Transitions are one-directional: PENDING → IN_PROGRESS → {COMPLETED | FAILED}.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskKind classifies a transport task. Dispatch priority is derived from
// the kind via RankOf, not carried by the kind itself.
type TaskKind string

const (
	KindOutbound TaskKind = "OUTBOUND"
	KindInbound  TaskKind = "INBOUND"
	KindManual   TaskKind = "MANUAL"
)

// taskRanks maps each kind to its dispatch rank. Lower rank dispatches
// first: outbound shipments preempt inbound storage, manual moves go last.
var taskRanks = map[TaskKind]int{
	KindOutbound: 1,
	KindInbound:  2,
	KindManual:   3,
}

// RankOf returns the dispatch rank for kind. ok is false for unknown kinds;
// callers must reject them rather than fall back to a default rank.
func RankOf(kind TaskKind) (rank int, ok bool) {
	rank, ok = taskRanks[kind]
	return rank, ok
}

// Task is a unit of transport work for the AGV fleet. Fields are set at
// creation and, apart from Status and DeviceID, never change afterwards.
// A task is owned by exactly one queue or one device at a time.
type Task struct {
	ID          int64      `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	VarietyID   int        `json:"variety_id,omitempty"`
	Quantity    int        `json:"quantity,omitempty"`
	OrderedBy   int        `json:"ordered_by,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}
