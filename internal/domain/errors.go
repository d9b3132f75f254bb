package domain

import "fmt"

// ValidationError is returned when a task or command carries malformed
// fields. Validation failures are rejected at the boundary and never reach
// the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodeError is returned when an inbound payload cannot be parsed. The
// router logs and drops it for telemetry, and converts it to a FAIL reply
// for commands.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownDiscriminatorError is returned when no handler is registered for a
// message type or command. For telemetry this is a forward-compatible no-op;
// for commands it becomes a FAIL reply naming the discriminator.
type UnknownDiscriminatorError struct {
	Discriminator string
}

func (e *UnknownDiscriminatorError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.Discriminator)
}

// DeviceNotFoundError is returned when an operation names an AGV the
// dispatcher does not track.
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.DeviceID)
}

// TaskNotFoundError is returned when a task ID does not exist in storage.
type TaskNotFoundError struct {
	TaskID int64
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %d", e.TaskID)
}

// UnknownRFIDError is returned when an RFID value maps to no known variety.
type UnknownRFIDError struct {
	RFID string
}

func (e *UnknownRFIDError) Error() string {
	return fmt.Sprintf("no variety mapped to RFID %q", e.RFID)
}

// NoFreeSlotError is returned when every storage slot suited to a variety
// is occupied.
type NoFreeSlotError struct {
	VarietyID int
}

func (e *NoFreeSlotError) Error() string {
	return fmt.Sprintf("no free storage slot for variety %d", e.VarietyID)
}
