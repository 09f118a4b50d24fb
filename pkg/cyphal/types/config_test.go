package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStore_DefaultsMatchBootValues(t *testing.T) {
	c := NewConfigStore()
	snap := c.Snapshot()
	assert.EqualValues(t, 0, snap.NodeID)
	assert.EqualValues(t, 1000, snap.BeaconIntervalMs)
	assert.EqualValues(t, 9382, snap.UDPPort)
	assert.Equal(t, "239.65.65.65", snap.MulticastAddr)
}

func TestConfigStore_SetValidatesPerKey(t *testing.T) {
	c := NewConfigStore()

	require.NoError(t, c.Set("node_id", uint8(5)))
	assert.EqualValues(t, 5, c.Snapshot().NodeID)

	require.Error(t, c.Set("node_id", uint8(200)))
	require.Error(t, c.Set("node_id", "not-a-uint8"))

	require.Error(t, c.Set("beacon_interval_ms", uint32(10)))
	require.NoError(t, c.Set("beacon_interval_ms", uint32(2000)))

	require.Error(t, c.Set("multicast_addr", "10.0.0.1"))
	require.NoError(t, c.Set("multicast_addr", "239.1.2.3"))

	require.Error(t, c.Set("unknown_key", 1))
}

func TestConfigStore_SubscribeFiresOnSuccessfulWrite(t *testing.T) {
	c := NewConfigStore()
	var lastKey string
	var lastSnap ConfigSnapshot
	calls := 0

	c.Subscribe(func(key string, snap ConfigSnapshot) {
		calls++
		lastKey = key
		lastSnap = snap
	})

	require.NoError(t, c.Set("udp_port", uint16(9999)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "udp_port", lastKey)
	assert.EqualValues(t, 9999, lastSnap.UDPPort)

	require.Error(t, c.Set("udp_port", uint16(0)))
	assert.Equal(t, 1, calls, "a failed validation must not notify listeners")
}
