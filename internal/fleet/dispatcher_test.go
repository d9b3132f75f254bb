package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/internal/queue"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type sentMove struct {
	deviceID string
	taskID   int64
}

type fakeSender struct {
	moves []sentMove
	err   error
}

func (s *fakeSender) SendMove(_ context.Context, deviceID string, task *domain.Task) error {
	if s.err != nil {
		return s.err
	}
	s.moves = append(s.moves, sentMove{deviceID, task.ID})
	return nil
}

type fakeStore struct {
	statuses  map[int64]domain.TaskStatus
	snapshots map[string]domain.DeviceSnapshot
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:  make(map[int64]domain.TaskStatus),
		snapshots: make(map[string]domain.DeviceSnapshot),
	}
}

func (s *fakeStore) SaveTaskStatus(_ context.Context, id int64, status domain.TaskStatus) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.statuses[id] = status
	return nil
}

func (s *fakeStore) SaveDeviceTelemetry(_ context.Context, id string, snap domain.DeviceSnapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snapshots[id] = snap
	return nil
}

type recordingPolicy struct {
	failed []*domain.Task
}

func (p *recordingPolicy) OnTaskFailure(_ context.Context, _ string, task *domain.Task) {
	p.failed = append(p.failed, task)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *queue.TaskQueue, *fakeSender, *fakeStore) {
	t.Helper()
	q := queue.New(nil)
	sender := &fakeSender{}
	store := newFakeStore()
	return NewDispatcher(q, sender, store, opts...), q, sender, store
}

func enqueueTask(t *testing.T, q *queue.TaskQueue, kind domain.TaskKind) *domain.Task {
	t.Helper()
	task := &domain.Task{Kind: kind, Source: "NODE-A", Destination: "NODE-B"}
	require.NoError(t, q.Enqueue(task))
	return task
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestDispatcher_AssignNextTask_IdleDevice(t *testing.T) {
	d, q, sender, store := newTestDispatcher(t)
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)
	require.NotNil(t, task)

	assert.Equal(t, "AGV-1", task.DeviceID)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, 0, q.Size())

	require.Len(t, sender.moves, 1)
	assert.Equal(t, sentMove{"AGV-1", task.ID}, sender.moves[0])
	assert.Equal(t, domain.StatusInProgress, store.statuses[task.ID])

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.ModeMoving, snaps[0].Mode)
	require.NotNil(t, snaps[0].CurrentTaskID)
	assert.Equal(t, task.ID, *snaps[0].CurrentTaskID)
}

func TestDispatcher_AssignNextTask_NoDoubleAssignment(t *testing.T) {
	d, q, sender, _ := newTestDispatcher(t)
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)
	enqueueTask(t, q, domain.KindOutbound)

	_, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.False(t, ok)
	assert.Nil(t, task)
	assert.Equal(t, 1, q.Size(), "second task must stay queued")
	assert.Len(t, sender.moves, 1)
}

func TestDispatcher_AssignNextTask_EmptyQueue(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t)
	d.Register("AGV-1")

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.False(t, ok)
	assert.Nil(t, task)
	assert.Empty(t, sender.moves)

	// The device stays IDLE, not ERROR.
	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode)
}

func TestDispatcher_AssignNextTask_LowBattery(t *testing.T) {
	d, q, sender, _ := newTestDispatcher(t)
	enqueueTask(t, q, domain.KindOutbound)

	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(LowBatteryThreshold)})

	_, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size())
	assert.Empty(t, sender.moves)

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode, "declining work is not an error state")

	// Just above the threshold the device is assignable again.
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(LowBatteryThreshold + 1)})
	_, ok = d.AssignNextTask(context.Background(), "AGV-1")
	assert.True(t, ok)
}

func TestDispatcher_AssignNextTask_BusyModes(t *testing.T) {
	for _, mode := range []string{"MOVING", "WORKING", "CHARGING", "ERROR"} {
		t.Run(mode, func(t *testing.T) {
			d, q, _, _ := newTestDispatcher(t)
			enqueueTask(t, q, domain.KindOutbound)
			d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Mode: strPtr(mode)})

			_, ok := d.AssignNextTask(context.Background(), "AGV-1")
			assert.False(t, ok)
			assert.Equal(t, 1, q.Size())
		})
	}
}

func TestDispatcher_AssignNextTask_PatrollingIsAssignable(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)
	enqueueTask(t, q, domain.KindManual)
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Mode: strPtr("PATROLLING")})

	_, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.True(t, ok)
}

func TestDispatcher_AssignNextTask_SendFailureKeepsAssignment(t *testing.T) {
	d, q, sender, _ := newTestDispatcher(t)
	sender.err = assert.AnError
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok, "a lost command is a transport problem, not an assignment failure")
	require.NotNil(t, task)

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeMoving, snaps[0].Mode)
}

func TestDispatcher_UpdateTelemetry_PartialMerge(t *testing.T) {
	d, _, _, store := newTestDispatcher(t)

	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{
		PosX: intPtr(3), PosY: intPtr(7), Battery: intPtr(80),
	})
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(75)})

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.Position{X: 3, Y: 7}, snaps[0].Position, "absent fields keep prior values")
	assert.Equal(t, 75, snaps[0].Battery)

	assert.Equal(t, 75, store.snapshots["AGV-1"].Battery)
}

func TestDispatcher_UpdateTelemetry_UnknownModeIgnored(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{
		Battery: intPtr(55),
		Mode:    strPtr("LEVITATING"),
	})

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode, "unknown mode must not overwrite the current one")
	assert.Equal(t, 55, snaps[0].Battery, "fields that did parse still apply")
}

func TestDispatcher_UpdateTelemetry_OutOfRangeBatteryIgnored(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(60)})

	for _, bogus := range []int{-7, 101, 150} {
		d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{
			Battery: intPtr(bogus),
			PosX:    intPtr(9),
		})
	}

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 60, snaps[0].Battery, "a percentage outside [0,100] must keep the prior value")
	assert.Equal(t, 9, snaps[0].Position.X, "fields that did parse still apply")
}

func TestDispatcher_AssignNextTask_BogusHighBatteryNotAssignable(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)
	enqueueTask(t, q, domain.KindOutbound)

	// Drain to the threshold, then report an impossible jump; the fault
	// reading must not make the device assignable again.
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(LowBatteryThreshold)})
	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(150)})

	_, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size())
}

func TestDispatcher_UpdateTelemetry_LowBatteryForcesNoModeChange(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	d.UpdateTelemetry(context.Background(), "AGV-1", TelemetryUpdate{Battery: intPtr(5)})

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode, "CHARGING is only ever reported by the device")
}

func TestDispatcher_UpdateTelemetry_AutoRegisters(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	d.UpdateTelemetry(context.Background(), "AGV-9", TelemetryUpdate{Battery: intPtr(90)})

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "AGV-9", snaps[0].ID)
}

func TestDispatcher_HandleTaskResult_Success(t *testing.T) {
	d, q, _, store := newTestDispatcher(t)
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)

	d.HandleTaskResult(context.Background(), "AGV-1", ResultSuccess)

	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, domain.StatusCompleted, store.statuses[task.ID])

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode)
	assert.Nil(t, snaps[0].CurrentTaskID)

	// The freed device can take new work immediately.
	enqueueTask(t, q, domain.KindInbound)
	_, ok = d.AssignNextTask(context.Background(), "AGV-1")
	assert.True(t, ok)
}

func TestDispatcher_HandleTaskResult_FailInvokesPolicy(t *testing.T) {
	policy := &recordingPolicy{}
	d, q, _, store := newTestDispatcher(t, WithFailurePolicy(policy))
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindInbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)

	d.HandleTaskResult(context.Background(), "AGV-1", ResultFail)

	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, domain.StatusFailed, store.statuses[task.ID])
	require.Len(t, policy.failed, 1)
	assert.Equal(t, task.ID, policy.failed[0].ID)

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode)
}

func TestDispatcher_HandleTaskResult_DuplicateIsNoOp(t *testing.T) {
	policy := &recordingPolicy{}
	d, q, _, store := newTestDispatcher(t, WithFailurePolicy(policy))
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)

	d.HandleTaskResult(context.Background(), "AGV-1", ResultSuccess)
	d.HandleTaskResult(context.Background(), "AGV-1", ResultFail)

	assert.Equal(t, domain.StatusCompleted, task.Status, "late duplicate must not flip the outcome")
	assert.Equal(t, domain.StatusCompleted, store.statuses[task.ID])
	assert.Empty(t, policy.failed)
}

func TestDispatcher_HandleTaskResult_NoCurrentTaskIgnored(t *testing.T) {
	d, _, _, store := newTestDispatcher(t)
	d.Register("AGV-1")

	d.HandleTaskResult(context.Background(), "AGV-1", ResultSuccess)

	assert.Empty(t, store.statuses)
	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeIdle, snaps[0].Mode)
}

func TestDispatcher_HandleTaskResult_UnknownResultIgnored(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)

	d.HandleTaskResult(context.Background(), "AGV-1", Result("MAYBE"))

	assert.Equal(t, domain.StatusInProgress, task.Status, "task stays attached until a real outcome arrives")
	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeMoving, snaps[0].Mode)
}

func TestDispatcher_MarkError_BlocksAssignment(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	d.MarkError("AGV-1", "malformed payload")

	_, ok := d.AssignNextTask(context.Background(), "AGV-1")
	assert.False(t, ok)

	snaps, _ := d.Snapshot()
	assert.Equal(t, domain.ModeError, snaps[0].Mode)
}

func TestDispatcher_Restore_SeedsRegistry(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	d.Restore([]domain.DeviceSnapshot{
		{ID: "AGV-2", Position: domain.Position{X: 1, Y: 2}, Battery: 60, Mode: domain.ModeCharging},
		{ID: "AGV-1", Battery: 95, Mode: domain.ModeIdle},
		{ID: "AGV-3", Mode: domain.DeviceMode("BOGUS")},
	})

	snaps, _ := d.Snapshot()
	require.Len(t, snaps, 3)
	assert.Equal(t, "AGV-1", snaps[0].ID)
	assert.Equal(t, "AGV-2", snaps[1].ID)
	assert.Equal(t, domain.ModeCharging, snaps[1].Mode)
	assert.Equal(t, domain.Position{X: 1, Y: 2}, snaps[1].Position)
	assert.Equal(t, domain.ModeIdle, snaps[2].Mode, "unparseable persisted mode falls back to IDLE")
}

func TestDispatcher_Snapshot_IncludesQueueSize(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)
	enqueueTask(t, q, domain.KindManual)
	enqueueTask(t, q, domain.KindManual)

	_, size := d.Snapshot()
	assert.Equal(t, 2, size)
}

func TestDispatcher_StoreFailureDoesNotStallControlLoop(t *testing.T) {
	d, q, sender, store := newTestDispatcher(t)
	store.saveErr = assert.AnError
	d.Register("AGV-1")
	enqueueTask(t, q, domain.KindOutbound)

	task, ok := d.AssignNextTask(context.Background(), "AGV-1")
	require.True(t, ok)
	require.NotNil(t, task)
	assert.Len(t, sender.moves, 1, "persistence is best-effort, the command still goes out")

	d.HandleTaskResult(context.Background(), "AGV-1", ResultSuccess)
	assert.Equal(t, domain.StatusCompleted, task.Status)
}
