package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

func TestDynamicAllocator_HappyPathViaResponse(t *testing.T) {
	table := NewAllocationTable()
	var requested []uint8
	var done struct {
		id      uint8
		success bool
		called  bool
	}

	a := NewDynamicAllocator(table, 0, func(id uint8, success bool) {
		done.id, done.success, done.called = id, success, true
	}, func(candidate uint8) {
		requested = append(requested, candidate)
	})

	now := time.Now()
	a.Start(now)
	assert.Equal(t, types.AllocatorRequesting, a.State())

	a.Process(now)
	require.NotEmpty(t, requested)
	assert.Equal(t, uint8(1), requested[0])

	a.OnResponse(true, 5, now)
	assert.Equal(t, types.AllocatorAllocated, a.State())
	assert.Equal(t, uint8(5), a.AllocatedID())
	assert.True(t, done.called)
	assert.True(t, done.success)
	assert.Equal(t, uint8(5), done.id)
	assert.False(t, table.IsAvailable(5))
}

func TestDynamicAllocator_PreferredCandidateWhenAvailable(t *testing.T) {
	table := NewAllocationTable()
	a := NewDynamicAllocator(table, 64, func(uint8, bool) {}, nil)
	a.Start(time.Now())

	candidate, ok := a.candidateLocked()
	require.True(t, ok)
	assert.Equal(t, uint8(64), candidate)
}

func TestDynamicAllocator_SkipsUnavailablePreferred(t *testing.T) {
	table := NewAllocationTable()
	table.Mark(64, true)
	a := NewDynamicAllocator(table, 64, func(uint8, bool) {}, nil)
	a.Start(time.Now())

	candidate, ok := a.candidateLocked()
	require.True(t, ok)
	assert.Equal(t, uint8(1), candidate)
}

func TestDynamicAllocator_ConflictThenRetryReturnsToRequesting(t *testing.T) {
	table := NewAllocationTable()
	a := NewDynamicAllocator(table, 0, func(uint8, bool) {}, func(uint8) {})
	now := time.Now()
	a.Start(now)
	a.Process(now)

	a.OnConflict()
	assert.Equal(t, types.AllocatorConflictDetected, a.State())

	a.Process(now.Add(time.Millisecond))
	assert.Equal(t, types.AllocatorRequesting, a.State())
	assert.Equal(t, 1, a.retryCount)
}

func TestDynamicAllocator_ConflictExhaustsRetriesToFailed(t *testing.T) {
	table := NewAllocationTable()
	var failed bool
	a := NewDynamicAllocator(table, 0, func(id uint8, success bool) {
		if !success {
			failed = true
		}
	}, func(uint8) {})

	now := time.Now()
	a.Start(now)
	for i := 0; i < 3; i++ {
		a.OnConflict()
		a.Process(now)
	}
	assert.Equal(t, types.AllocatorFailed, a.State())
	assert.True(t, failed)
}

func TestDynamicAllocator_RequestingTimesOutToFailed(t *testing.T) {
	table := NewAllocationTable()
	var failed bool
	a := NewDynamicAllocator(table, 0, func(id uint8, success bool) {
		if !success {
			failed = true
		}
	}, func(uint8) {})

	start := time.Now()
	a.Start(start)
	a.Process(start.Add(11 * time.Second))

	assert.Equal(t, types.AllocatorFailed, a.State())
	assert.True(t, failed)
}

func TestDynamicAllocator_FallbackRecoversFromFailed(t *testing.T) {
	table := NewAllocationTable()
	for id := uint8(1); id <= types.MaxNodeID; id++ {
		table.Mark(id, true)
	}
	table.Mark(120, false) // leave exactly one free ID inside the fallback scan range

	a := NewDynamicAllocator(table, 0, func(uint8, bool) {}, func(uint8) {})
	a.mu.Lock()
	a.state = types.AllocatorFailed
	a.mu.Unlock()

	a.Process(time.Now())

	assert.Equal(t, types.AllocatorAllocated, a.State())
	assert.Equal(t, uint8(120), a.AllocatedID())
}

func TestAllocationTable_MarkAndIsAvailable(t *testing.T) {
	table := NewAllocationTable()
	assert.True(t, table.IsAvailable(10))
	table.Mark(10, true)
	assert.False(t, table.IsAvailable(10))
	table.Mark(10, false)
	assert.True(t, table.IsAvailable(10))
	assert.False(t, table.IsAvailable(0))
	assert.False(t, table.IsAvailable(200))
}
