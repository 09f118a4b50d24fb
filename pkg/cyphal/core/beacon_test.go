package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/definition"
	"github.com/scottnortman/cyphal-udp-node/pkg/cyphal/types"
)

type fakePublisher struct {
	pushed []types.MessageRecord
}

func (f *fakePublisher) Push(record types.MessageRecord) error {
	f.pushed = append(f.pushed, record)
	return nil
}

func newTestNode(t *testing.T, nodeID uint8) *NodeContext {
	t.Helper()
	table := NewAllocationTable()
	node := NewNodeContext(table)
	require.NoError(t, node.Init(nodeID, time.Now(), nil, nil))
	return node
}

func TestBeacon_TickPublishesExpectedPayload(t *testing.T) {
	node := newTestNode(t, 7)
	node.SetHealth(types.Advisory)
	node.Tick(time.Now())
	node.Tick(time.Now())

	pub := &fakePublisher{}
	b := NewBeacon(pub, node, definition.NewDefaultLogger())

	require.NoError(t, b.Tick(time.Now()))
	require.Len(t, pub.pushed, 1)

	record := pub.pushed[0]
	assert.Equal(t, uint16(types.BeaconSubjectID), record.SubjectID)
	assert.Equal(t, types.Subject, record.Kind)
	assert.Equal(t, uint8(7), record.SourceNodeID)
	require.Len(t, record.Payload, BeaconExtent)
	assert.Equal(t, byte(types.Advisory), record.Payload[0])
	assert.EqualValues(t, 2, record.Payload[2])
}

func TestBeacon_DueRespectsInterval(t *testing.T) {
	node := newTestNode(t, 1)
	pub := &fakePublisher{}
	b := NewBeacon(pub, node, definition.NewDefaultLogger())
	require.NoError(t, b.SetInterval(100))

	now := time.Now()
	assert.True(t, b.Due(now)) // never published yet

	require.NoError(t, b.Tick(now))
	assert.False(t, b.Due(now.Add(50*time.Millisecond)))
	assert.True(t, b.Due(now.Add(150*time.Millisecond)))
}

func TestBeacon_SetIntervalValidatesRange(t *testing.T) {
	node := newTestNode(t, 1)
	b := NewBeacon(&fakePublisher{}, node, definition.NewDefaultLogger())

	require.Error(t, b.SetInterval(10))
	require.Error(t, b.SetInterval(70000))
	require.NoError(t, b.SetInterval(500))
}

func TestBeacon_StartStopIsIdempotent(t *testing.T) {
	node := newTestNode(t, 1)
	pub := &fakePublisher{}
	b := NewBeacon(pub, node, definition.NewDefaultLogger())
	require.NoError(t, b.SetInterval(100))

	b.Start()
	b.Start() // no-op, must not deadlock or double-spawn
	time.Sleep(150 * time.Millisecond)
	b.Stop()
	b.Stop() // no-op

	assert.NotEmpty(t, pub.pushed)
}
