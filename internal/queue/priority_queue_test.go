package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/queue"
)

func entry(priority domain.RequestPriority, enqueueMs int64) domain.QueuedRequest {
	return domain.QueuedRequest{
		Request:       domain.Request{Kind: domain.ReadHolding, StartAddress: 0, Count: 1, UnitID: 1},
		Priority:      priority,
		EnqueueTimeMs: enqueueMs,
	}
}

func TestPriorityQueue_OrdersByPriorityThenFIFO(t *testing.T) {
	q := queue.New(10)
	require.NoError(t, q.Push(entry(domain.Normal, 1)))
	require.NoError(t, q.Push(entry(domain.Critical, 2)))
	require.NoError(t, q.Push(entry(domain.Normal, 3)))
	require.NoError(t, q.Push(entry(domain.High, 4)))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.Critical, first.Priority)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.High, second.Priority)

	third, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.Normal, third.Priority)
	assert.Equal(t, int64(1), third.EnqueueTimeMs)

	fourth, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(3), fourth.EnqueueTimeMs)
}

func TestPriorityQueue_RespectsCapacity(t *testing.T) {
	q := queue.New(1)
	require.NoError(t, q.Push(entry(domain.Normal, 1)))
	err := q.Push(entry(domain.Normal, 2))
	assert.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestPriorityQueue_PopEmpty(t *testing.T) {
	q := queue.New(1)
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestPriorityQueue_HasHigherThan(t *testing.T) {
	q := queue.New(10)
	require.NoError(t, q.Push(entry(domain.Normal, 1)))
	assert.False(t, q.HasHigherThan(domain.Normal))
	require.NoError(t, q.Push(entry(domain.Critical, 2)))
	assert.True(t, q.HasHigherThan(domain.Normal))
}

func TestPriorityQueue_Clear(t *testing.T) {
	q := queue.New(10)
	require.NoError(t, q.Push(entry(domain.Normal, 1)))
	require.NoError(t, q.Push(entry(domain.High, 2)))

	drained := q.Clear()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
}
