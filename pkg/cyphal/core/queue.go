package core

import (
	"container/list"
	"time"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// LevelStats are the per-priority-level counters.
type LevelStats struct {
	Capacity        int
	Enqueued        uint64
	Dequeued        uint64
	Overflow        uint64
	CurrentDepth    int
	MaxDepthReached int
}

// levelCapacities is the fixed per-level capacity table (highest
// priority first), exactly {32,32,32,16,16,8,8,8}.
var levelCapacities = [types.PriorityLevels]int{32, 32, 32, 16, 16, 8, 8, 8}

type level struct {
	items *list.List // of types.MessageRecord
	stats LevelStats
}

// PriorityQueue is the 8-level bounded FIFO array. A single
// condition-style signal channel wakes pop() whenever any level
// receives a push, avoiding a busy-poll while still honoring bounded
// wait semantics.
type PriorityQueue struct {
	lock    *timedMutex
	levels  [types.PriorityLevels]level
	total   int
	signal  chan struct{}
	space   chan struct{}
}

// NewPriorityQueue builds an empty queue with the fixed capacity table.
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{
		lock:   newTimedMutex(),
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
	for i := range q.levels {
		q.levels[i] = level{items: list.New(), stats: LevelStats{Capacity: levelCapacities[i]}}
	}
	return q
}

func (q *PriorityQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *PriorityQueue) wakeSpace() {
	select {
	case q.space <- struct{}{}:
	default:
	}
}

// Push is PushWithTimeout with a deadline DefaultLockTimeout from now:
// if that level's capacity is reached, it waits up to that long for
// room and then fails with QueueFull. No other level's state is
// disturbed.
func (q *PriorityQueue) Push(record types.MessageRecord) error {
	return q.PushWithTimeout(record, time.Now().Add(DefaultLockTimeout))
}

// PushWithTimeout is push with a caller-supplied deadline: like Pop, it
// waits for room to free up in the record's level, not just for the
// lock, up until deadline. An overflowing level is retried whenever a
// dequeue or flush on any level signals freed space, until either
// space appears in the record's level or the deadline
// passes, at which point the caller (which retains ownership of the
// record) gets QueueFull back.
func (q *PriorityQueue) PushWithTimeout(record types.MessageRecord, deadline time.Time) error {
	if err := record.Validate(); err != nil {
		return err
	}

	for {
		timeout := time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
		unlock, ok := q.lock.TryLock(timeout)
		if !ok {
			return types.NewError(types.ErrTimeout, "PriorityQueue.Push", 0, "failed to acquire queue lock", nil)
		}

		lvl := &q.levels[record.Priority]
		if lvl.items.Len() >= lvl.stats.Capacity {
			lvl.stats.Overflow++
			unlock()

			remaining := time.Until(deadline)
			if remaining <= 0 {
				return types.NewError(types.ErrQueueFull, "PriorityQueue.Push", 0, "level at capacity", nil)
			}
			select {
			case <-q.space:
				continue
			case <-time.After(remaining):
				return types.NewError(types.ErrQueueFull, "PriorityQueue.Push", 0, "level at capacity", nil)
			}
		}

		lvl.items.PushBack(record)
		lvl.stats.Enqueued++
		lvl.stats.CurrentDepth = lvl.items.Len()
		if lvl.stats.CurrentDepth > lvl.stats.MaxDepthReached {
			lvl.stats.MaxDepthReached = lvl.stats.CurrentDepth
		}
		q.total++
		unlock()
		q.wake()
		return nil
	}
}

// Pop returns the highest-priority record across all levels, FIFO
// within a level, waiting up to timeout for one to become available.
func (q *PriorityQueue) Pop(timeout time.Duration) (types.MessageRecord, error) {
	deadline := time.Now().Add(timeout)
	for {
		if record, ok := q.tryPop(); ok {
			return record, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.MessageRecord{}, types.NewError(types.ErrTimeout, "PriorityQueue.Pop", 0, "no record became available", nil)
		}

		select {
		case <-q.signal:
			continue
		case <-time.After(remaining):
			return types.MessageRecord{}, types.NewError(types.ErrTimeout, "PriorityQueue.Pop", 0, "no record became available", nil)
		}
	}
}

func (q *PriorityQueue) tryPop() (types.MessageRecord, bool) {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return types.MessageRecord{}, false
	}
	defer unlock()

	for i := range q.levels {
		lvl := &q.levels[i]
		if lvl.items.Len() == 0 {
			continue
		}
		front := lvl.items.Front()
		lvl.items.Remove(front)
		lvl.stats.Dequeued++
		lvl.stats.CurrentDepth = lvl.items.Len()
		q.total--
		q.wakeSpace()
		return front.Value.(types.MessageRecord), true
	}
	return types.MessageRecord{}, false
}

// PeekNextPriority returns the level pop would currently serve, or
// false if the queue is empty.
func (q *PriorityQueue) PeekNextPriority() (types.Priority, bool) {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return 0, false
	}
	defer unlock()

	for i := range q.levels {
		if q.levels[i].items.Len() > 0 {
			return types.Priority(i), true
		}
	}
	return 0, false
}

// FlushAll discards every queued record while keeping statistics.
func (q *PriorityQueue) FlushAll() {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return
	}
	defer unlock()
	defer q.wakeSpace()
	for i := range q.levels {
		q.levels[i].items.Init()
		q.levels[i].stats.CurrentDepth = 0
	}
	q.total = 0
}

// Flush discards the queued records at a single level.
func (q *PriorityQueue) Flush(lvl types.Priority) {
	if !lvl.Valid() {
		return
	}
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return
	}
	defer unlock()
	defer q.wakeSpace()
	q.total -= q.levels[lvl].items.Len()
	q.levels[lvl].items.Init()
	q.levels[lvl].stats.CurrentDepth = 0
}

// ResetStats zeroes every counter without touching queued content.
func (q *PriorityQueue) ResetStats() {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return
	}
	defer unlock()
	for i := range q.levels {
		depth := q.levels[i].items.Len()
		q.levels[i].stats = LevelStats{Capacity: levelCapacities[i], CurrentDepth: depth, MaxDepthReached: depth}
	}
}

// Stats returns a snapshot of every level's counters.
func (q *PriorityQueue) Stats() [types.PriorityLevels]LevelStats {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return [types.PriorityLevels]LevelStats{}
	}
	defer unlock()
	var out [types.PriorityLevels]LevelStats
	for i := range q.levels {
		out[i] = q.levels[i].stats
	}
	return out
}

// Len returns the total number of queued records across all levels.
func (q *PriorityQueue) Len() int {
	unlock, ok := q.lock.TryLock(DefaultLockTimeout)
	if !ok {
		return 0
	}
	defer unlock()
	return q.total
}
