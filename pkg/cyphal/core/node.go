package core

import (
	"sync"
	"time"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// NodeContext is the node's own identity, health, mode, and lifecycle
// state. set_health/set_mode/set_node_id are the only
// permitted mutators after Init; invalid arguments return
// InvalidParameter without side effect.
type NodeContext struct {
	mu sync.RWMutex

	nodeID    uint8
	health    types.Health
	mode      types.Mode
	lifecycle types.LifecycleState
	uptimeSec uint32
	startTick time.Time

	allocator *DynamicAllocator
	table     *AllocationTable
}

// NewNodeContext builds a node in the Uninitialized lifecycle state.
func NewNodeContext(table *AllocationTable) *NodeContext {
	return &NodeContext{
		lifecycle: types.Uninitialized,
		health:    types.Nominal,
		mode:      types.Initialization,
		table:     table,
	}
}

// Init transitions Uninitialized -> Initializing -> Operational, wiring
// the dynamic allocator if nodeID is zero.
func (n *NodeContext) Init(nodeID uint8, startTick time.Time, onAllocated AllocationCompleteFunc, sendRequest func(candidate uint8)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lifecycle != types.Uninitialized {
		return types.NewError(types.ErrInvalidParameter, "NodeContext.Init", 0, "node already initialized", nil)
	}
	if nodeID != 0 && nodeID > types.MaxNodeID {
		n.lifecycle = types.NodeError
		return types.NewError(types.ErrInvalidParameter, "NodeContext.Init", 0, "node id out of range", nil)
	}

	n.lifecycle = types.Initializing
	n.nodeID = nodeID
	n.startTick = startTick
	n.mode = types.Initialization

	if nodeID == 0 {
		n.allocator = NewDynamicAllocator(n.table, 0, func(id uint8, success bool) {
			if success {
				n.mu.Lock()
				n.nodeID = id
				n.mu.Unlock()
			}
			if onAllocated != nil {
				onAllocated(id, success)
			}
		}, sendRequest)
		n.allocator.Start(startTick)
	} else {
		n.table.Mark(nodeID, true)
	}

	n.lifecycle = types.NodeOperational
	n.mode = types.Operational
	return nil
}

// NodeID returns the current node identifier (0 if unset/anonymous).
func (n *NodeContext) NodeID() uint8 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeID
}

// Health returns the current node health.
func (n *NodeContext) Health() types.Health {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// Mode returns the current node operating mode.
func (n *NodeContext) Mode() types.Mode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// Lifecycle returns the current lifecycle state.
func (n *NodeContext) Lifecycle() types.LifecycleState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lifecycle
}

// UptimeSec returns the current uptime in seconds.
func (n *NodeContext) UptimeSec() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uptimeSec
}

// Allocator returns the dynamic allocator, or nil if the node was
// initialized with a static ID.
func (n *NodeContext) Allocator() *DynamicAllocator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.allocator
}

// SetHealth validates and applies a new health value.
func (n *NodeContext) SetHealth(h types.Health) error {
	if h > types.Warning {
		return types.NewError(types.ErrInvalidParameter, "NodeContext.SetHealth", 0, "invalid health value", nil)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = h
	return nil
}

// SetMode validates and applies a new operating mode.
func (n *NodeContext) SetMode(m types.Mode) error {
	if m > types.Offline {
		return types.NewError(types.ErrInvalidParameter, "NodeContext.SetMode", 0, "invalid mode value", nil)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mode = m
	return nil
}

// SetNodeID validates and applies a static node identifier, only legal
// while no dynamic allocation is in progress.
func (n *NodeContext) SetNodeID(id uint8) error {
	if id > types.MaxNodeID {
		return types.NewError(types.ErrInvalidParameter, "NodeContext.SetNodeID", 0, "node id out of range", nil)
	}
	if allocator := n.Allocator(); allocator != nil && allocator.State() != types.AllocatorAllocated {
		return types.NewError(types.ErrInvalidParameter, "NodeContext.SetNodeID", 0, "dynamic allocation in progress", nil)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodeID = id
	return nil
}

// Tick advances uptime by one second and, if a dynamic allocation is in
// progress, runs the allocator's periodic process step.
func (n *NodeContext) Tick(now time.Time) {
	n.mu.Lock()
	n.uptimeSec++
	allocator := n.allocator
	n.mu.Unlock()

	if allocator != nil && allocator.State() != types.AllocatorAllocated {
		allocator.Process(now)
	}
}

// ToOffline performs the final Operational/Error -> Offline transition.
func (n *NodeContext) ToOffline() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lifecycle = types.NodeOffline
	n.mode = types.Offline
}

// ToError moves the node to the Error lateral sink from Initializing or
// Operational.
func (n *NodeContext) ToError() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lifecycle == types.Initializing || n.lifecycle == types.NodeOperational {
		n.lifecycle = types.NodeError
	}
}
