package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyQueue_FIFO(t *testing.T) {
	var q readyQueue
	a := &TCB{id: 1}
	b := &TCB{id: 2}
	c := &TCB{id: 3}

	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	require.Equal(t, 3, q.Len())

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.id)

	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.id)

	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.id)

	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestReadyQueue_SpansMultipleChunks(t *testing.T) {
	var q readyQueue
	n := chunkSize*2 + 7
	for i := 0; i < n; i++ {
		q.Enqueue(&TCB{id: uint64(i)})
	}
	require.Equal(t, n, q.Len())

	for i := 0; i < n; i++ {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, uint64(i), got.id)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestReadyQueue_Each_DoesNotConsume(t *testing.T) {
	var q readyQueue
	q.Enqueue(&TCB{id: 1})
	q.Enqueue(&TCB{id: 2})

	var seen []uint64
	q.Each(func(t *TCB) { seen = append(seen, t.id) })

	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Equal(t, 2, q.Len())
}

func TestReadyQueue_ReuseAfterDrain(t *testing.T) {
	var q readyQueue
	q.Enqueue(&TCB{id: 1})
	_, ok := q.Dequeue()
	require.True(t, ok)

	// Queue drained to empty; pushing again must still work (chunk
	// cursors reset for reuse rather than the queue getting stuck).
	q.Enqueue(&TCB{id: 2})
	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.id)
}
