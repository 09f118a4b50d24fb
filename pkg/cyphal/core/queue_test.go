package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

func mustSubject(t *testing.T, priority types.Priority, subject uint16) types.MessageRecord {
	t.Helper()
	r, err := types.NewSubjectMessage(subject, priority, 7, []byte{0xAA})
	require.NoError(t, err)
	return r
}

func TestPriorityQueue_StrictPriorityAcrossLevels(t *testing.T) {
	q := NewPriorityQueue()

	require.NoError(t, q.Push(mustSubject(t, types.Low, 1)))
	require.NoError(t, q.Push(mustSubject(t, types.Exceptional, 2)))
	require.NoError(t, q.Push(mustSubject(t, types.Fast, 3)))

	first, err := q.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, types.Exceptional, first.Priority)

	second, err := q.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, types.Fast, second.Priority)

	third, err := q.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, types.Low, third.Priority)
}

func TestPriorityQueue_FIFOWithinLevel(t *testing.T) {
	q := NewPriorityQueue()
	for i := uint16(0); i < 5; i++ {
		require.NoError(t, q.Push(mustSubject(t, types.Nominal, i)))
	}
	for i := uint16(0); i < 5; i++ {
		r, err := q.Pop(0)
		require.NoError(t, err)
		assert.Equal(t, i, r.SubjectID)
	}
}

func TestPriorityQueue_OverflowLeavesOtherLevelsUntouched(t *testing.T) {
	q := NewPriorityQueue()

	for i := 0; i < levelCapacities[types.Slow]; i++ {
		require.NoError(t, q.Push(mustSubject(t, types.Slow, uint16(i))))
	}
	err := q.Push(mustSubject(t, types.Slow, 999))
	require.Error(t, err)
	var coreErr *types.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.ErrQueueFull, coreErr.Kind)

	require.NoError(t, q.Push(mustSubject(t, types.Exceptional, 1)))
	r, err := q.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, types.Exceptional, r.Priority)

	stats := q.Stats()
	assert.EqualValues(t, 1, stats[types.Slow].Overflow)
	assert.Equal(t, levelCapacities[types.Slow], stats[types.Slow].MaxDepthReached)
}

func TestPriorityQueue_PopTimesOutWhenEmpty(t *testing.T) {
	q := NewPriorityQueue()
	_, err := q.Pop(5 * time.Millisecond)
	require.Error(t, err)
	var coreErr *types.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.ErrTimeout, coreErr.Kind)
}

func TestPriorityQueue_PopWakesOnPush(t *testing.T) {
	q := NewPriorityQueue()
	done := make(chan types.MessageRecord, 1)
	go func() {
		r, err := q.Pop(time.Second)
		if err == nil {
			done <- r
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(mustSubject(t, types.High, 42)))

	select {
	case r := <-done:
		assert.Equal(t, uint16(42), r.SubjectID)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestPriorityQueue_PushWithTimeoutWaitsForSpace(t *testing.T) {
	q := NewPriorityQueue()
	for i := 0; i < levelCapacities[types.Slow]; i++ {
		require.NoError(t, q.Push(mustSubject(t, types.Slow, uint16(i))))
	}

	done := make(chan error, 1)
	go func() {
		done <- q.PushWithTimeout(mustSubject(t, types.Slow, 999), time.Now().Add(time.Second))
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Pop(0)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not wake once space freed up")
	}
	assert.Equal(t, levelCapacities[types.Slow], q.Len())
}

func TestPriorityQueue_FlushAndReset(t *testing.T) {
	q := NewPriorityQueue()
	require.NoError(t, q.Push(mustSubject(t, types.Nominal, 1)))
	require.NoError(t, q.Push(mustSubject(t, types.Exceptional, 2)))

	q.Flush(types.Nominal)
	assert.Equal(t, 1, q.Len())

	q.FlushAll()
	assert.Equal(t, 0, q.Len())

	q.ResetStats()
	stats := q.Stats()
	for _, s := range stats {
		assert.Zero(t, s.Enqueued)
		assert.Zero(t, s.Dequeued)
		assert.Zero(t, s.Overflow)
	}
}

func TestPriorityQueue_PeekNextPriority(t *testing.T) {
	q := NewPriorityQueue()
	_, ok := q.PeekNextPriority()
	assert.False(t, ok)

	require.NoError(t, q.Push(mustSubject(t, types.Slow, 1)))
	require.NoError(t, q.Push(mustSubject(t, types.Fast, 2)))

	p, ok := q.PeekNextPriority()
	require.True(t, ok)
	assert.Equal(t, types.Fast, p)
}
