package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
)

func TestRelay_ConcurrentPresenceNewestVersionIsComplete(t *testing.T) {
	const nodes = 64

	for round := 0; round < 50; round++ {
		b := NewBroadcaster(presence.NewVersions())
		relay := NewRelay(b, presence.NewTracker())
		c := subscribeBare(t, b, "watcher", nodes*2)

		var wg sync.WaitGroup
		for i := 0; i < nodes; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				relay.NodeConnected(model.PresenceEntry{NodeID: fmt.Sprintf("node-%02d", i)})
			}(i)
		}
		wg.Wait()

		var newest EventFrame
		for _, f := range drain(c) {
			if f.Event == EventPresence && versionOf(f) > versionOf(newest) {
				newest = f
			}
		}
		require.Equal(t, uint64(nodes), versionOf(newest))

		raw, err := json.Marshal(newest.Payload)
		require.NoError(t, err)
		var payload PresencePayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Len(t, payload.Presence, nodes, "round %d", round)
	}
}

func TestRelay_DisconnectRemovesFromSnapshot(t *testing.T) {
	b := NewBroadcaster(presence.NewVersions())
	relay := NewRelay(b, presence.NewTracker())
	c := subscribeBare(t, b, "watcher", 8)

	relay.NodeConnected(model.PresenceEntry{NodeID: "a"})
	relay.NodeDisconnected(model.PresenceEntry{NodeID: "a", Reason: "node-disconnected"})

	frames := drain(c)
	require.Len(t, frames, 2)
	raw, err := json.Marshal(frames[1].Payload)
	require.NoError(t, err)
	var payload PresencePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Empty(t, payload.Presence)
	require.NotNil(t, payload.Change)
	assert.Equal(t, "node-disconnected", payload.Change.Reason)
}

func versionOf(f EventFrame) uint64 {
	if f.StateVersion == nil {
		return 0
	}
	return f.StateVersion.Presence
}
