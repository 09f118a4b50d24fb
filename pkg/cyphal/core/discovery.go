package core

import (
	"sync"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// MaxPeers bounds the Peer Table.
const MaxPeers = 32

// DefaultLivenessTimeoutUsec is the default of 5000 ms.
const DefaultLivenessTimeoutUsec = 5000 * 1000

// PeerDiscovery owns the Peer Table, built from observed beacons. It
// is read-only to every consumer but Peer Discovery itself.
type PeerDiscovery struct {
	mu              sync.RWMutex
	entries         [MaxPeers]types.PeerEntry
	occupied        [MaxPeers]bool
	discardedPeers  uint64
}

// NewPeerDiscovery builds an empty table.
func NewPeerDiscovery() *PeerDiscovery {
	return &PeerDiscovery{}
}

// ObserveBeacon records (or updates) a peer from an inbound beacon
//. Invalid node IDs are ignored; a full table rejects new peers
// with QueueFull and increments the discarded-peer counter.
func (d *PeerDiscovery) ObserveBeacon(nodeID uint8, health types.Health, mode types.Mode, uptimeSec uint32, nowUsec uint64) error {
	if nodeID == 0 || nodeID > types.MaxNodeID {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.entries {
		if d.occupied[i] && d.entries[i].NodeID == nodeID {
			d.entries[i].Health = health
			d.entries[i].Mode = mode
			d.entries[i].UptimeSec = uptimeSec
			d.entries[i].LastSeenUsec = nowUsec
			return nil
		}
	}

	for i := range d.entries {
		if !d.occupied[i] {
			d.entries[i] = types.PeerEntry{
				NodeID:       nodeID,
				Health:       health,
				Mode:         mode,
				UptimeSec:    uptimeSec,
				LastSeenUsec: nowUsec,
			}
			d.occupied[i] = true
			return nil
		}
	}

	d.discardedPeers++
	return types.NewError(types.ErrQueueFull, "PeerDiscovery.ObserveBeacon", 0, "peer table full", nil)
}

// ActiveCount returns the number of entries last seen within timeoutMs
// of nowUsec. Expired entries are not removed; they simply stop
// counting. ObserveBeacon does not overwrite them; EvictStale clears
// one explicitly.
func (d *PeerDiscovery) ActiveCount(nowUsec uint64, timeoutMs uint64) int {
	timeoutUsec := timeoutMs * 1000
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for i := range d.entries {
		if d.occupied[i] && d.entries[i].Active(nowUsec, timeoutUsec) {
			count++
		}
	}
	return count
}

// Snapshot returns a read-only copy of every occupied entry.
func (d *PeerDiscovery) Snapshot() []types.PeerEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.PeerEntry, 0, MaxPeers)
	for i := range d.entries {
		if d.occupied[i] {
			out = append(out, d.entries[i])
		}
	}
	return out
}

// DiscardedPeers returns the number of beacon-driven inserts rejected
// because the table was full.
func (d *PeerDiscovery) DiscardedPeers() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.discardedPeers
}

// reapIfStale returns the index of the first occupied, inactive entry.
// It is called only from EvictStale; ObserveBeacon does not use it, so
// a full table reports QueueFull even when some entries are stale.
func (d *PeerDiscovery) reapIfStale(nowUsec uint64, timeoutUsec uint64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.occupied[i] && !d.entries[i].Active(nowUsec, timeoutUsec) {
			return i, true
		}
	}
	return 0, false
}

// EvictStale clears the first inactive entry, if any, returning true on
// eviction. Used by the diagnostic collaborator interface.
func (d *PeerDiscovery) EvictStale(nowUsec uint64, timeoutMs uint64) bool {
	idx, found := d.reapIfStale(nowUsec, timeoutMs*1000)
	if !found {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.occupied[idx] = false
	return true
}
