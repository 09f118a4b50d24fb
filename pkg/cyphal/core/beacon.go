package core

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

const (
	// BeaconExtent is the fixed payload size of the liveness beacon
	//: health (1) + mode (1) + uptime_sec (4) + reserved (2).
	BeaconExtent = 8

	beaconMinIntervalMs = 100
	beaconMaxIntervalMs = 60000
)

// BeaconPublisher is the minimal contract the Beacon service needs from
// the Priority Queue, kept narrow so it can be faked in tests.
type BeaconPublisher interface {
	Push(record types.MessageRecord) error
}

// Beacon is the periodic liveness publication service.
type Beacon struct {
	mu sync.Mutex

	publisher     BeaconPublisher
	node          *NodeContext
	intervalMs    uint32
	lastPublish   time.Time
	lastUptimeSec uint32
	havePublished bool
	running       bool
	stopCh        chan struct{}
	log           types.Logger
}

// NewBeacon builds a Beacon publishing through publisher on behalf of
// node, with a default interval of 1000 ms.
func NewBeacon(publisher BeaconPublisher, node *NodeContext, log types.Logger) *Beacon {
	return &Beacon{
		publisher:  publisher,
		node:       node,
		intervalMs: 1000,
		log:        log,
	}
}

// SetInterval validates and applies a new cadence; interval changes
// take effect no later than one current period, since the ticker
// loop re-reads intervalMs on every iteration.
func (b *Beacon) SetInterval(ms uint32) error {
	if ms < beaconMinIntervalMs || ms > beaconMaxIntervalMs {
		return types.NewError(types.ErrInvalidConfig, "Beacon.SetInterval", 0, "beacon interval out of range", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.intervalMs = ms
	return nil
}

// Start is idempotent; it spawns the ticker goroutine that calls Tick
// (or, when embedded in the Task Pipeline, is driven by the Node task's
// own 10 Hz cycle instead — see pipeline.go). This standalone Start is
// provided for callers (tests, the operator console's "start beacon"
// command) that want the service to run on its own timer.
func (b *Beacon) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	stop := b.stopCh
	b.mu.Unlock()

	go func() {
		for {
			b.mu.Lock()
			interval := time.Duration(b.intervalMs) * time.Millisecond
			b.mu.Unlock()

			select {
			case <-stop:
				return
			case <-time.After(interval):
				b.Tick(time.Now())
			}
		}
	}()
}

// Stop is idempotent.
func (b *Beacon) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	close(b.stopCh)
	b.running = false
}

// Due reports whether the current cadence has elapsed since the last
// publish, used by the Node task's own cooperative tick loop.
func (b *Beacon) Due(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	interval := time.Duration(b.intervalMs) * time.Millisecond
	return now.Sub(b.lastPublish) >= interval
}

// Tick constructs the payload from current node health/mode/uptime and
// publishes it immediately, updating the last-published timestamp.
func (b *Beacon) Tick(now time.Time) error {
	payload := make([]byte, BeaconExtent)
	payload[0] = byte(b.node.Health())
	payload[1] = byte(b.node.Mode())
	binary.LittleEndian.PutUint32(payload[2:6], b.node.UptimeSec())

	record, err := types.NewSubjectMessage(types.BeaconSubjectID, types.Nominal, b.node.NodeID(), payload)
	if err != nil {
		return err
	}
	record.TimestampUsec = uint64(now.UnixMicro())

	if err := b.publisher.Push(record); err != nil {
		b.log.Warnf("beacon: failed to enqueue: %v", err)
		return err
	}

	b.mu.Lock()
	b.lastPublish = now
	b.lastUptimeSec = b.node.UptimeSec()
	b.havePublished = true
	b.mu.Unlock()
	return nil
}

// LastPublishedUptime returns the uptime_sec carried by the last beacon
// this node itself published, and whether any beacon has been
// published yet. It lets the RX path recognize its own beacon looping
// back through multicast instead of mistaking it for another peer
// claiming the same node ID.
func (b *Beacon) LastPublishedUptime() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUptimeSec, b.havePublished
}

// SendNow publishes immediately regardless of cadence.
func (b *Beacon) SendNow() error {
	return b.Tick(time.Now())
}
