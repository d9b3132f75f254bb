package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrinet/greenhouse-core/internal/domain"
)

type fakeTaskStore struct {
	saved []*domain.Task
	err   error
}

func (s *fakeTaskStore) SaveTask(_ context.Context, task *domain.Task) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, task)
	return nil
}

func newTask(kind domain.TaskKind) *domain.Task {
	return &domain.Task{Kind: kind, Source: "NODE-A", Destination: "NODE-B"}
}

func TestQueue_Enqueue_AssignsIDAndStatus(t *testing.T) {
	q := New(nil)

	task := newTask(domain.KindInbound)
	require.NoError(t, q.Enqueue(task))

	assert.Equal(t, int64(1), task.ID)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestQueue_Enqueue_IDsAreMonotonic(t *testing.T) {
	q := New(nil)

	for want := int64(1); want <= 5; want++ {
		task := newTask(domain.KindManual)
		require.NoError(t, q.Enqueue(task))
		assert.Equal(t, want, task.ID)
	}
}

func TestQueue_Enqueue_RestoredIDKeepsCounterAhead(t *testing.T) {
	q := New(nil)

	restored := newTask(domain.KindOutbound)
	restored.ID = 42
	require.NoError(t, q.Enqueue(restored))

	fresh := newTask(domain.KindOutbound)
	require.NoError(t, q.Enqueue(fresh))
	assert.Equal(t, int64(43), fresh.ID)
}

func TestQueue_Enqueue_RejectsMissingSource(t *testing.T) {
	q := New(nil)

	err := q.Enqueue(&domain.Task{Kind: domain.KindInbound, Destination: "NODE-B"})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source", verr.Field)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_Enqueue_RejectsMissingDestination(t *testing.T) {
	q := New(nil)

	err := q.Enqueue(&domain.Task{Kind: domain.KindInbound, Source: "NODE-A"})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "destination", verr.Field)
}

func TestQueue_Enqueue_RejectsUnknownKind(t *testing.T) {
	q := New(nil)

	err := q.Enqueue(&domain.Task{Kind: "SIDEWAYS", Source: "NODE-A", Destination: "NODE-B"})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_DequeueNext_PriorityOrder(t *testing.T) {
	q := New(nil)

	require.NoError(t, q.Enqueue(newTask(domain.KindManual)))
	require.NoError(t, q.Enqueue(newTask(domain.KindInbound)))
	require.NoError(t, q.Enqueue(newTask(domain.KindOutbound)))

	assert.Equal(t, domain.KindOutbound, q.DequeueNext().Kind)
	assert.Equal(t, domain.KindInbound, q.DequeueNext().Kind)
	assert.Equal(t, domain.KindManual, q.DequeueNext().Kind)
	assert.Nil(t, q.DequeueNext())
}

func TestQueue_DequeueNext_FIFOWithinRank(t *testing.T) {
	q := New(nil)

	for i := 0; i < 4; i++ {
		task := newTask(domain.KindInbound)
		task.Source = fmt.Sprintf("NODE-%d", i)
		require.NoError(t, q.Enqueue(task))
	}

	for i := 0; i < 4; i++ {
		got := q.DequeueNext()
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("NODE-%d", i), got.Source)
	}
}

func TestQueue_DequeueNext_MarksInProgress(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask(domain.KindOutbound)))

	got := q.DequeueNext()
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestQueue_DequeueNext_Empty(t *testing.T) {
	q := New(nil)
	assert.Nil(t, q.DequeueNext())
}

func TestQueue_Peek_DoesNotRemove(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(newTask(domain.KindOutbound)))

	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, domain.StatusPending, peeked.Status)
	assert.Equal(t, 1, q.Size())

	assert.Equal(t, peeked.ID, q.DequeueNext().ID)
}

func TestQueue_Peek_Empty(t *testing.T) {
	q := New(nil)
	assert.Nil(t, q.Peek())
}

func TestQueue_SizeAndIsEmpty(t *testing.T) {
	q := New(nil)
	assert.True(t, q.IsEmpty())

	require.NoError(t, q.Enqueue(newTask(domain.KindManual)))
	require.NoError(t, q.Enqueue(newTask(domain.KindManual)))
	assert.Equal(t, 2, q.Size())
	assert.False(t, q.IsEmpty())

	q.DequeueNext()
	assert.Equal(t, 1, q.Size())
}

func TestQueue_Snapshot_DispatchOrderWithoutMutation(t *testing.T) {
	q := New(nil)

	require.NoError(t, q.Enqueue(newTask(domain.KindManual)))
	require.NoError(t, q.Enqueue(newTask(domain.KindOutbound)))
	require.NoError(t, q.Enqueue(newTask(domain.KindInbound)))
	require.NoError(t, q.Enqueue(newTask(domain.KindOutbound)))

	snap := q.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, domain.KindOutbound, snap[0].Kind)
	assert.Equal(t, domain.KindOutbound, snap[1].Kind)
	// Equal-rank entries keep insertion order.
	assert.Less(t, snap[0].ID, snap[1].ID)
	assert.Equal(t, domain.KindInbound, snap[2].Kind)
	assert.Equal(t, domain.KindManual, snap[3].Kind)

	// The snapshot is a view, not a drain.
	assert.Equal(t, 4, q.Size())
	for _, task := range snap {
		assert.Equal(t, domain.StatusPending, task.Status)
	}
}

func TestQueue_Enqueue_PersistsThroughStore(t *testing.T) {
	store := &fakeTaskStore{}
	q := New(nil, WithStore(store))

	task := newTask(domain.KindOutbound)
	require.NoError(t, q.Enqueue(task))

	require.Len(t, store.saved, 1)
	assert.Equal(t, task.ID, store.saved[0].ID)
}

func TestQueue_Enqueue_StoreFailureKeepsTaskQueued(t *testing.T) {
	store := &fakeTaskStore{err: assert.AnError}
	q := New(nil, WithStore(store))

	require.NoError(t, q.Enqueue(newTask(domain.KindInbound)))
	assert.Equal(t, 1, q.Size(), "persistence is best-effort")
}

func TestQueue_Snapshot_MatchesDequeueOrder(t *testing.T) {
	q := New(nil)

	kinds := []domain.TaskKind{
		domain.KindInbound, domain.KindManual, domain.KindOutbound,
		domain.KindInbound, domain.KindOutbound, domain.KindManual,
	}
	for _, k := range kinds {
		require.NoError(t, q.Enqueue(newTask(k)))
	}

	snap := q.Snapshot()
	for _, want := range snap {
		got := q.DequeueNext()
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}
}
