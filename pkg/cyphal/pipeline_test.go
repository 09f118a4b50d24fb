package cyphal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/core"
	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/definition"
	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

// newTestPipeline builds a Pipeline with every collaborator that does
// not require an open socket, the same subset dispatch/handleCommand/
// state bookkeeping exercise. A live Transport needs a real relt.Relt,
// which NewPipeline wires in but which these tests intentionally avoid.
func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	table := core.NewAllocationTable()
	node := core.NewNodeContext(table)
	require.NoError(t, node.Init(9, time.Now(), nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		Config:      types.NewConfigStore(),
		Logger:      definition.NewDefaultLogger(),
		Node:        node,
		Queue:       core.NewPriorityQueue(),
		Table:       table,
		Discovery:   core.NewPeerDiscovery(),
		Transfers:   core.NewTransferIDAllocator(),
		subscribers: make(map[uint16][]SubjectSubscriber),
		mailbox:     make(chan Command, 4),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.Beacon = core.NewBeacon(p.Queue, node, p.Logger)
	return p
}

func TestPipeline_DispatchRoutesBeaconToDiscovery(t *testing.T) {
	p := newTestPipeline(t)

	payload := make([]byte, core.BeaconExtent)
	payload[0] = byte(types.Advisory)
	record, err := types.NewSubjectMessage(types.BeaconSubjectID, types.Nominal, 5, payload)
	require.NoError(t, err)

	p.dispatch(record, time.Now())

	snap := p.Discovery.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint8(5), snap[0].NodeID)
	assert.Equal(t, types.Advisory, snap[0].Health)
}

func TestPipeline_DispatchFansOutToSubscribers(t *testing.T) {
	p := newTestPipeline(t)

	var received types.MessageRecord
	got := make(chan struct{}, 1)
	p.Subscribe(42, func(r types.MessageRecord) {
		received = r
		got <- struct{}{}
	})

	record, err := types.NewSubjectMessage(42, types.Nominal, 1, []byte("hi"))
	require.NoError(t, err)
	p.dispatch(record, time.Now())

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not invoked")
	}
	assert.Equal(t, uint16(42), received.SubjectID)
}

func TestPipeline_HandleCommandUpdateConfigRepliesOnChannel(t *testing.T) {
	p := newTestPipeline(t)

	reply := make(chan error, 1)
	p.handleCommand(Command{Kind: CmdUpdateConfig, Key: "udp_port", Value: uint16(9999), Reply: reply})

	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handleCommand did not reply")
	}
	assert.EqualValues(t, 9999, p.Config.Snapshot().UDPPort)
}

func TestPipeline_HandleCommandUpdateConfigRejectsBadValue(t *testing.T) {
	p := newTestPipeline(t)

	reply := make(chan error, 1)
	p.handleCommand(Command{Kind: CmdUpdateConfig, Key: "udp_port", Value: uint16(0), Reply: reply})

	err := <-reply
	require.Error(t, err)
}

func TestPipeline_TaskStateTransitions(t *testing.T) {
	p := newTestPipeline(t)

	node, tx, rx := p.TaskStates()
	assert.Equal(t, TaskIdle, node)
	assert.Equal(t, TaskIdle, tx)
	assert.Equal(t, TaskIdle, rx)

	p.setState(&p.nodeState, TaskRunning)
	node, _, _ = p.TaskStates()
	assert.Equal(t, TaskRunning, node)
}

func TestPipeline_DestinationForSubjectAndService(t *testing.T) {
	p := newTestPipeline(t)

	subjectRecord, err := types.NewSubjectMessage(1234, types.Nominal, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, core.GroupAddressFor(core.SubjectBase, 1234), p.destinationFor(subjectRecord))

	serviceRecord, err := types.NewServiceRequest(3, types.Immediate, 1, 42, nil)
	require.NoError(t, err)
	assert.Equal(t, core.GroupAddressFor(core.ServiceBase, 42), p.destinationFor(serviceRecord))
}

func TestPipeline_InvokerSpawnsAndWaits(t *testing.T) {
	inv := core.NewInvoker()
	var ran bool
	done := make(chan struct{})
	inv.Spawn(func() {
		ran = true
		close(done)
	})
	<-done
	inv.Wait()
	assert.True(t, ran)
}
