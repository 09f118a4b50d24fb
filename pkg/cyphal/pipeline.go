// Package cyphal wires the node's collaborators together into the Task
// Pipeline: construction order, command dispatch, and graceful shutdown
// all live here instead of being spread across the sub-packages.
package cyphal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/core"
	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/definition"
	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// TaskState is the lifecycle of one of the three pipeline tasks.
type TaskState uint8

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskStopping
	TaskStopped
	TaskDegraded
)

// CommandKind enumerates the Node task's mailbox commands.
type CommandKind uint8

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdRestart
	CmdUpdateConfig
	CmdHealthCheck
)

// Command is one mailbox entry, with a reply channel so UpdateConfig
// and HealthCheck can report synchronous success or failure back to
// whoever sent the command.
type Command struct {
	Kind    CommandKind
	Key     string
	Value   interface{}
	Reply   chan error
}

// SubjectSubscriber receives inbound records dispatched off the RX
// task that are neither beacons nor allocation responses, keyed by
// their subject or service id; service traffic is routed here too.
type SubjectSubscriber func(record types.MessageRecord)

// Pipeline is the Task Pipeline: three cooperating tasks plus the
// cross-cutting configuration/logging components and the core
// collaborators they drive.
type Pipeline struct {
	Config    *types.ConfigStore
	Logger    types.Logger
	Node      *core.NodeContext
	Queue     *core.PriorityQueue
	Transport *core.Transport
	Table     *core.AllocationTable
	Beacon    *core.Beacon
	Discovery *core.PeerDiscovery
	Transfers *core.TransferIDAllocator

	stability *core.HeartbeatSupervisor
	budgets   map[string]*core.RecoveryBudget
	isolation map[string]*core.IsolationSwitch

	mailbox chan Command

	nodeState TaskState
	txState   TaskState
	rxState   TaskState
	stateMu   sync.RWMutex

	nodeCycles atomic.Uint32
	txCycles   atomic.Uint32
	rxCycles   atomic.Uint32
	sendErrors atomic.Uint32

	subscribers   map[uint16][]SubjectSubscriber
	subscriberMu  sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nodeRunning atomic.Bool
}

// NewPipeline constructs every collaborator in dependency order
// (Transport -> Codec -> Node; Beacon and Peer Discovery injected after
// Node is live) and returns a Pipeline ready for Start.
func NewPipeline(config *types.ConfigStore, log types.Logger) (*Pipeline, error) {
	if log == nil {
		log = definition.NewDefaultLogger()
	}

	snap := config.Snapshot()

	transport, err := core.Init("cyphal0", snap.UDPPort, snap.MulticastAddr, log)
	if err != nil {
		return nil, err
	}
	if err := transport.JoinSubject(types.BeaconSubjectID); err != nil {
		transport.Close()
		return nil, err
	}

	table := core.NewAllocationTable()
	node := core.NewNodeContext(table)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		Config:      config,
		Logger:      log,
		Node:        node,
		Queue:       core.NewPriorityQueue(),
		Transport:   transport,
		Table:       table,
		Discovery:   core.NewPeerDiscovery(),
		Transfers:   core.NewTransferIDAllocator(),
		stability:   core.NewHeartbeatSupervisor(),
		budgets:     make(map[string]*core.RecoveryBudget),
		isolation:   make(map[string]*core.IsolationSwitch),
		mailbox:     make(chan Command, 16),
		subscribers: make(map[uint16][]SubjectSubscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.Beacon = core.NewBeacon(p.Queue, node, log)

	config.Subscribe(func(key string, snap types.ConfigSnapshot) {
		switch key {
		case "beacon_interval_ms":
			if err := p.Beacon.SetInterval(snap.BeaconIntervalMs); err != nil {
				log.Warnf("config: failed applying beacon_interval_ms: %v", err)
			}
		case "udp_port":
			p.Transport.SetPort(snap.UDPPort)
		}
	})

	for _, name := range []string{"node", "tx", "rx"} {
		p.budgets[name] = core.NewRecoveryBudget(3, 10*time.Second)
		p.isolation[name] = &core.IsolationSwitch{}
	}

	sendRequest := func(candidate uint8) {
		record, err := types.NewServiceRequest(0, types.Immediate, 0, candidate, nil)
		if err != nil {
			log.Warnf("allocator: failed building request for candidate %d: %v", candidate, err)
			return
		}
		if err := p.Queue.Push(record); err != nil {
			log.Warnf("allocator: failed to enqueue request: %v", err)
		}
	}
	if err := node.Init(snap.NodeID, time.Now(), func(id uint8, success bool) {
		if success {
			log.Infof("node: allocated id %d", id)
			if err := p.Transport.JoinService(id); err != nil {
				log.Warnf("node: failed joining service group for id %d: %v", id, err)
			}
		} else {
			log.Warnf("node: dynamic allocation failed")
		}
	}, sendRequest); err != nil {
		transport.Close()
		return nil, err
	}

	if snap.NodeID != 0 {
		if err := transport.JoinService(snap.NodeID); err != nil {
			transport.Close()
			return nil, err
		}
	}

	return p, nil
}

// Subscribe registers a subject subscriber for RX fan-out and joins the
// subject's multicast group so traffic actually reaches the RX task;
// join is idempotent, so subscribing twice to the same subject is safe.
func (p *Pipeline) Subscribe(subjectID uint16, fn SubjectSubscriber) {
	if p.Transport != nil {
		if err := p.Transport.JoinSubject(subjectID); err != nil {
			p.Logger.Warnf("subscribe: failed joining subject %d group: %v", subjectID, err)
		}
	}
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	p.subscribers[subjectID] = append(p.subscribers[subjectID], fn)
}

func (p *Pipeline) setState(which *TaskState, s TaskState) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	*which = s
}

func (p *Pipeline) getState(which *TaskState) TaskState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return *which
}

// taskStateFor maps a stability-supervisor task name to its TaskState
// slot, so Sweep's findings can be applied back onto the right task.
func (p *Pipeline) taskStateFor(name string) *TaskState {
	switch name {
	case "node":
		return &p.nodeState
	case "tx":
		return &p.txState
	case "rx":
		return &p.rxState
	default:
		return nil
	}
}

// Mailbox returns the Node task's command channel for external senders
// (the operator console collaborator).
func (p *Pipeline) Mailbox() chan<- Command {
	return p.mailbox
}

// Start launches the Node task, then the TX/RX tasks once the Node task
// reports Running: TX/RX must not start until the Node task is Running.
func (p *Pipeline) Start() {
	p.stability.Register("node", 100*time.Millisecond, time.Now())
	p.stability.Register("tx", 10*time.Millisecond, time.Now())
	p.stability.Register("rx", 10*time.Millisecond, time.Now())

	p.wg.Add(1)
	go p.runNodeTask()

	for !p.nodeRunning.Load() {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}

	p.wg.Add(2)
	go p.runTXTask()
	go p.runRXTask()
}

// runNodeTask is the 10 Hz Node task.
func (p *Pipeline) runNodeTask() {
	defer p.wg.Done()
	p.setState(&p.nodeState, TaskRunning)
	p.nodeRunning.Store(true)
	defer func() {
		p.setState(&p.nodeState, TaskStopped)
		p.nodeRunning.Store(false)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	lastUptime := time.Now()

	for {
		select {
		case <-p.ctx.Done():
			p.setState(&p.nodeState, TaskStopping)
			return
		case cmd := <-p.mailbox:
			p.handleCommand(cmd)
			if cmd.Kind == CmdStop {
				p.setState(&p.nodeState, TaskStopping)
				p.cancel()
				return
			}
		case now := <-ticker.C:
			p.nodeCycles.Add(1)
			if now.Sub(lastUptime) >= time.Second {
				lastUptime = lastUptime.Add(time.Second)
				p.Node.Tick(now)
			} else if allocator := p.Node.Allocator(); allocator != nil && allocator.State() != types.AllocatorAllocated {
				allocator.Process(now)
			}
			if p.Beacon.Due(now) {
				if err := p.Beacon.Tick(now); err != nil {
					p.Logger.Warnf("node: beacon tick failed: %v", err)
				}
			}
			p.stability.Beat("node", now)
			for _, name := range p.stability.Sweep(now) {
				if which := p.taskStateFor(name); which != nil {
					p.setState(which, TaskDegraded)
				}
			}
		}
	}
}

func (p *Pipeline) handleCommand(cmd Command) {
	var err error
	switch cmd.Kind {
	case CmdStart:
		// no-op: the task is already running by construction.
	case CmdStop:
		// handled by the caller after reply is sent.
	case CmdRestart:
		p.Node.SetMode(types.Initialization)
		p.Node.SetMode(types.Operational)
	case CmdUpdateConfig:
		err = p.Config.Set(cmd.Key, cmd.Value)
	case CmdHealthCheck:
		// read-only: reporting happens through the reply channel.
	}
	if cmd.Reply != nil {
		select {
		case cmd.Reply <- err:
		default:
		}
	}
}

// runTXTask is the 100 Hz TX task.
func (p *Pipeline) runTXTask() {
	defer p.wg.Done()
	p.setState(&p.txState, TaskRunning)
	defer p.setState(&p.txState, TaskStopped)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	buffer := make([]byte, types.MaxPayload+16)

	for {
		select {
		case <-p.ctx.Done():
			p.setState(&p.txState, TaskStopping)
			return
		case now := <-ticker.C:
			p.txCycles.Add(1)
			p.stability.Beat("tx", now)
			record, err := p.Queue.Pop(0)
			if err != nil {
				continue
			}
			if record.TransferID == 0 {
				record.TransferID = p.Transfers.Next(record.SourceNodeID, record.SubjectID)
			}
			n, err := core.Serialize(record, buffer)
			if err != nil {
				p.Logger.Errorf("tx: serialize failed: %v", err)
				continue
			}
			dest := p.destinationFor(record)
			if err := p.sendWithRetry(buffer[:n], dest, now); err != nil {
				p.sendErrors.Add(1)
				p.Node.SetHealth(types.Advisory)
			}
		}
	}
}

func (p *Pipeline) destinationFor(record types.MessageRecord) string {
	switch record.Kind {
	case types.Subject:
		return core.GroupAddressFor(core.SubjectBase, uint32(record.SubjectID))
	default:
		return core.GroupAddressFor(core.ServiceBase, uint32(record.DestinationNodeID))
	}
}

// sendWithRetry retries a send up to 3 times with a 10 ms back-off.
func (p *Pipeline) sendWithRetry(datagram []byte, dest string, now time.Time) error {
	budget := p.budgets["tx"]
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		if err := p.Transport.Send(datagram, dest, 0); err != nil {
			lastErr = err
			if !budget.Attempt(now) {
				p.isolation["tx"].Arm()
				p.setState(&p.txState, TaskDegraded)
				return lastErr
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

// runRXTask is the 100 Hz RX task.
func (p *Pipeline) runRXTask() {
	defer p.wg.Done()
	p.setState(&p.rxState, TaskRunning)
	defer p.setState(&p.rxState, TaskStopped)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	buffer := make([]byte, types.MaxPayload+16)

	for {
		select {
		case <-p.ctx.Done():
			p.setState(&p.rxState, TaskStopping)
			return
		case now := <-ticker.C:
			p.rxCycles.Add(1)
			p.stability.Beat("rx", now)
			n, _, err := p.Transport.Recv(buffer, 0)
			if err != nil {
				continue
			}
			record, err := core.Deserialize(buffer[:n], uint64(now.UnixMicro()))
			if err != nil {
				p.Logger.Debugf("rx: dropped invalid datagram: %v", err)
				continue
			}
			p.dispatch(record, now)
		}
	}
}

// dispatch routes an inbound record to its subscriber by subject_id.
func (p *Pipeline) dispatch(record types.MessageRecord, now time.Time) {
	switch {
	case record.Kind == types.Subject && record.SubjectID == types.BeaconSubjectID:
		health := types.Health(0)
		mode := types.Mode(0)
		var uptimeSec uint32
		if len(record.Payload) >= 6 {
			health = types.Health(record.Payload[0])
			mode = types.Mode(record.Payload[1])
			uptimeSec = uint32(record.Payload[2]) | uint32(record.Payload[3])<<8 | uint32(record.Payload[4])<<16 | uint32(record.Payload[5])<<24
		}
		if err := p.Discovery.ObserveBeacon(record.SourceNodeID, health, mode, uptimeSec, uint64(now.UnixMicro())); err != nil {
			p.Logger.Debugf("rx: beacon dropped: %v", err)
		}
		ownID := p.Node.NodeID()
		if allocator := p.Node.Allocator(); allocator != nil && ownID != 0 && record.SourceNodeID == ownID {
			if lastUptime, ok := p.Beacon.LastPublishedUptime(); !ok || lastUptime != uptimeSec {
				allocator.OnConflict()
			}
		}
	case record.Kind == types.ServiceResponse && record.SubjectID == 0:
		allocator := p.Node.Allocator()
		if allocator != nil {
			if candidate, ok := allocator.PendingCandidate(); ok && candidate == record.DestinationNodeID {
				allocator.OnResponse(true, record.DestinationNodeID, now)
			}
		}
	default:
		p.subscriberMu.RLock()
		subs := append([]SubjectSubscriber(nil), p.subscribers[record.SubjectID]...)
		p.subscriberMu.RUnlock()
		for _, fn := range subs {
			fn(record)
		}
	}
}

// Stop triggers the shutdown discipline: a Stop command moves the
// Node task to Stopping, TX/RX observe context cancellation and exit,
// and all three reach Stopped within 5 s or are treated as leaked (the
// force-delete of a real OS task handle is outside what a goroutine-based
// runtime can do, so here the 5 s ceiling is surfaced to the caller as an
// error rather than a forced kill).
func (p *Pipeline) Stop() error {
	reply := make(chan error, 1)
	select {
	case p.mailbox <- Command{Kind: CmdStop, Reply: reply}:
	case <-time.After(core.DefaultLockTimeout):
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.Beacon.Stop()
		p.Transport.Close()
		return nil
	case <-time.After(5 * time.Second):
		return types.NewError(types.ErrTimeout, "Pipeline.Stop", 0, "tasks did not reach Stopped within 5s", nil)
	}
}

// CycleCounts returns the three tasks' statistically-sampled cycle
// counters. Readers may sample without serialization.
func (p *Pipeline) CycleCounts() (node, tx, rx uint32) {
	return p.nodeCycles.Load(), p.txCycles.Load(), p.rxCycles.Load()
}

// SendErrors returns the TX task's final-failure counter.
func (p *Pipeline) SendErrors() uint32 {
	return p.sendErrors.Load()
}

// TaskStates returns the current state of all three tasks, for the
// operator console's show-status command.
func (p *Pipeline) TaskStates() (node, tx, rx TaskState) {
	return p.getState(&p.nodeState), p.getState(&p.txState), p.getState(&p.rxState)
}
