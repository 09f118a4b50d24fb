package core

import (
	"sync"
	"time"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// AllocationTable is the shared, process-wide table of which node IDs
// are currently allocated, guarded by a dedicated mutex shared
// process-wide. It never acquires any other component's lock, keeping
// lock acquisition order acyclic.
type AllocationTable struct {
	mu        sync.Mutex
	allocated map[uint8]bool
}

// NewAllocationTable builds an empty table.
func NewAllocationTable() *AllocationTable {
	return &AllocationTable{allocated: make(map[uint8]bool)}
}

// IsAvailable reports whether id is in 1..=127 and not marked allocated.
func (t *AllocationTable) IsAvailable(id uint8) bool {
	if id == 0 || id > types.MaxNodeID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.allocated[id]
}

// Mark records id as allocated (or frees it when allocated is false).
func (t *AllocationTable) Mark(id uint8, allocated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if allocated {
		t.allocated[id] = true
	} else {
		delete(t.allocated, id)
	}
}

// AllocationCompleteFunc is invoked once the allocator reaches a
// terminal outcome (Allocated or Failed), delivering an
// allocation-complete callback with (id, success).
type AllocationCompleteFunc func(id uint8, success bool)

// DynamicAllocator implements the node-ID allocation sub-state-machine,
// engaged only while the owning NodeContext's NodeID is zero.
type DynamicAllocator struct {
	mu sync.Mutex

	table     *AllocationTable
	onDone    AllocationCompleteFunc
	preferred uint8

	state         types.AllocatorState
	startTime     time.Time
	lastRequest   time.Time
	retryCount    int
	allocatedID   uint8
	lastCandidate uint8

	sendRequest func(candidate uint8)
}

// NewDynamicAllocator builds an allocator idle until Start is called.
// sendRequest is the opaque transmit step delegated to Codec/Transport;
// preferred of zero means "no preference".
func NewDynamicAllocator(table *AllocationTable, preferred uint8, onDone AllocationCompleteFunc, sendRequest func(candidate uint8)) *DynamicAllocator {
	return &DynamicAllocator{
		table:       table,
		onDone:      onDone,
		preferred:   preferred,
		state:       types.AllocatorIdle,
		sendRequest: sendRequest,
	}
}

// State returns the allocator's current state.
func (a *DynamicAllocator) State() types.AllocatorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AllocatedID returns the ID this allocator settled on, valid only once
// State() == AllocatorAllocated.
func (a *DynamicAllocator) AllocatedID() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedID
}

// PendingCandidate returns the ID of the outstanding request this
// allocator is currently awaiting a response for, and whether one is
// in flight at all. A response whose destination does not match this
// value did not answer our request and must not be treated as one.
func (a *DynamicAllocator) PendingCandidate() (uint8, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != types.AllocatorRequesting || a.lastCandidate == 0 {
		return 0, false
	}
	return a.lastCandidate, true
}

// Start engages the allocator if it is not already in progress.
func (a *DynamicAllocator) Start(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != types.AllocatorIdle {
		return
	}
	a.state = types.AllocatorRequesting
	a.startTime = now
	a.retryCount = 0
}

// candidateLocked picks the next ID to try: preferred (if available),
// then scanning 1..=100, then 101..=127.
func (a *DynamicAllocator) candidateLocked() (uint8, bool) {
	if a.preferred != 0 && a.table.IsAvailable(a.preferred) {
		return a.preferred, true
	}
	for id := uint8(1); id <= 100; id++ {
		if a.table.IsAvailable(id) {
			return id, true
		}
	}
	for id := uint8(101); id <= types.MaxNodeID; id++ {
		if a.table.IsAvailable(id) {
			return id, true
		}
	}
	return 0, false
}

// Process advances the allocator's state machine; called periodically
// by the Node task.
func (a *DynamicAllocator) Process(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case types.AllocatorRequesting:
		if now.Sub(a.startTime) > 10*time.Second {
			a.state = types.AllocatorFailed
			a.failLocked()
			return
		}
		if now.Sub(a.lastRequest) > time.Second {
			candidate, ok := a.candidateLocked()
			a.lastRequest = now
			if ok {
				a.lastCandidate = candidate
				if a.sendRequest != nil {
					a.sendRequest(candidate)
				}
			}
		}
	case types.AllocatorConflictDetected:
		a.allocatedID = 0
		a.retryCount++
		if a.retryCount < 3 {
			a.state = types.AllocatorRequesting
			a.startTime = now
		} else {
			a.state = types.AllocatorFailed
			a.failLocked()
		}
	case types.AllocatorFailed:
		a.fallbackLocked()
	}
}

// fallbackLocked scans 127 downward for ten entries looking for a free
// ID as a Failed-state fallback.
func (a *DynamicAllocator) fallbackLocked() {
	tried := 0
	for id := uint8(types.MaxNodeID); id >= 1 && tried < 10; id-- {
		tried++
		if a.table.IsAvailable(id) {
			a.table.Mark(id, true)
			a.allocatedID = id
			a.state = types.AllocatorAllocated
			if a.onDone != nil {
				a.onDone(id, true)
			}
			return
		}
		if id == 1 {
			break
		}
	}
}

func (a *DynamicAllocator) failLocked() {
	if a.onDone != nil {
		a.onDone(0, false)
	}
}

// OnResponse is the external dispatch hook invoked when an allocation
// response arrives from external dispatch.
func (a *DynamicAllocator) OnResponse(success bool, id uint8, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != types.AllocatorRequesting {
		return
	}

	if success && id != 0 && id <= types.MaxNodeID {
		a.table.Mark(id, true)
		a.allocatedID = id
		a.state = types.AllocatorAllocated
		if a.onDone != nil {
			a.onDone(id, true)
		}
		return
	}

	a.retryCount++
	if a.retryCount >= 3 {
		a.state = types.AllocatorFailed
		a.failLocked()
	}
}

// OnConflict is the external dispatch hook invoked when the node
// detects that another peer is using its allocated (or candidate) ID.
func (a *DynamicAllocator) OnConflict() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocatedID != 0 {
		a.table.Mark(a.allocatedID, false)
	}
	a.state = types.AllocatorConflictDetected
}
