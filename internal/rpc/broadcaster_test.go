package rpc

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
)

func subscribeBare(t *testing.T, b *Broadcaster, id string, buffer int) *Client {
	t.Helper()
	c := newClient(id, nil, buffer)
	require.True(t, b.Subscribe(c, func(model.StateVersion) []byte { return nil }))
	return c
}

func drain(c *Client) []EventFrame {
	var out []EventFrame
	for {
		select {
		case data := <-c.send:
			var f EventFrame
			if err := json.Unmarshal(data, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestBroadcaster_SlowClients(t *testing.T) {
	t.Run("droppable events skip full buffers", func(t *testing.T) {
		b := NewBroadcaster(presence.NewVersions())
		c := subscribeBare(t, b, "slow", 1)

		b.Broadcast(EventTick, nil, BroadcastOptions{DropIfSlow: true})
		b.Broadcast(EventTick, nil, BroadcastOptions{DropIfSlow: true})

		assert.Equal(t, 1, b.ClientCount())
		select {
		case <-c.Done():
			t.Fatal("droppable event must not close the client")
		default:
		}
		assert.Len(t, drain(c), 1)
	})

	t.Run("non-droppable events close full clients", func(t *testing.T) {
		b := NewBroadcaster(presence.NewVersions())
		slow := subscribeBare(t, b, "slow", 1)
		fast := subscribeBare(t, b, "fast", 10)

		b.Broadcast(EventPairRequested, map[string]string{"requestId": "r1"}, BroadcastOptions{})
		b.Broadcast(EventPairRequested, map[string]string{"requestId": "r2"}, BroadcastOptions{})

		<-slow.Done()
		assert.Equal(t, 1, b.ClientCount())
		assert.Len(t, drain(fast), 2)
	})
}

func TestBroadcaster_VersionsAreMonotonic(t *testing.T) {
	b := NewBroadcaster(presence.NewVersions())
	c := subscribeBare(t, b, "watcher", 500)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.BroadcastPresence(func() PresencePayload { return PresencePayload{} })
		}()
		go func() {
			defer wg.Done()
			b.BroadcastHealth(map[string]bool{"ok": true})
		}()
	}
	wg.Wait()

	frames := drain(c)
	require.Len(t, frames, 100)

	var lastSeq, lastPresence, lastHealth uint64
	for _, f := range frames {
		require.NotNil(t, f.StateVersion)
		assert.Greater(t, f.Seq, lastSeq)
		lastSeq = f.Seq

		switch f.Event {
		case EventPresence:
			assert.Greater(t, f.StateVersion.Presence, lastPresence)
			lastPresence = f.StateVersion.Presence
		case EventHealth:
			assert.Greater(t, f.StateVersion.Health, lastHealth)
			lastHealth = f.StateVersion.Health
		}
		assert.GreaterOrEqual(t, f.StateVersion.Presence, lastPresence)
		assert.GreaterOrEqual(t, f.StateVersion.Health, lastHealth)
	}
	assert.Equal(t, uint64(50), lastPresence)
	assert.Equal(t, uint64(50), lastHealth)
}

func TestBroadcaster_SubscribeSeesCurrentVersion(t *testing.T) {
	versions := presence.NewVersions()
	b := NewBroadcaster(versions)
	b.BroadcastPresence(func() PresencePayload { return PresencePayload{} })
	b.BroadcastPresence(func() PresencePayload { return PresencePayload{} })

	var seen model.StateVersion
	c := newClient("late", nil, 4)
	require.True(t, b.Subscribe(c, func(sv model.StateVersion) []byte {
		seen = sv
		return []byte(`{}`)
	}))
	assert.Equal(t, uint64(2), seen.Presence)

	b.BroadcastPresence(func() PresencePayload { return PresencePayload{} })
	frames := drain(c)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(3), frames[1].StateVersion.Presence)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(presence.NewVersions())
	c := subscribeBare(t, b, "a", 1)
	b.Close()
	<-c.Done()
	assert.Zero(t, b.ClientCount())
}
