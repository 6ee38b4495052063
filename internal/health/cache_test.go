package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway-go/internal/channels"
)

type fakeNodes struct {
	count     int
	listening bool
}

func (f *fakeNodes) NodeCount() int            { return f.count }
func (f *fakeNodes) Listening() (string, bool) { return "0.0.0.0:18790", f.listening }

type fakeSessions struct{ n int }

func (f *fakeSessions) Count(context.Context) (int, error) { return f.n, nil }

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recordingPublisher) BroadcastHealth(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func TestCache_Refresh(t *testing.T) {
	ctx := context.Background()
	nodes := &fakeNodes{count: 1, listening: true}
	sessions := &fakeSessions{n: 3}
	publisher := &recordingPublisher{}
	cache := NewCache(channels.NewRegistry(), nodes, sessions, publisher, true)

	snap, changed := cache.Refresh(ctx, false)
	assert.True(t, changed)
	assert.True(t, snap.OK)
	assert.Equal(t, 1, snap.Nodes)
	assert.Equal(t, 3, snap.Sessions)
	assert.Equal(t, "0.0.0.0:18790", snap.Bridge.Addr)

	_, changed = cache.Refresh(ctx, false)
	assert.False(t, changed, "identical state must not publish")

	nodes.count = 2
	snap, changed = cache.Refresh(ctx, false)
	assert.True(t, changed)
	assert.Equal(t, 2, snap.Nodes)

	require.Len(t, publisher.payloads, 2)
}

func TestCache_BridgeDownIsNotOK(t *testing.T) {
	cache := NewCache(nil, &fakeNodes{}, nil, nil, true)
	snap := cache.Get(context.Background())
	assert.False(t, snap.OK)
	assert.False(t, snap.Bridge.Listening)
}

func TestCache_GetUsesCachedSnapshot(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{n: 1}
	cache := NewCache(nil, nil, sessions, nil, false)

	first := cache.Get(ctx)
	sessions.n = 5
	assert.Equal(t, first.Sessions, cache.Get(ctx).Sessions)

	refreshed, _ := cache.Refresh(ctx, true)
	assert.Equal(t, 5, refreshed.Sessions)
}

type countingNodes struct{ n int64 }

func (c *countingNodes) NodeCount() int            { return int(atomic.AddInt64(&c.n, 1)) }
func (c *countingNodes) Listening() (string, bool) { return "", true }

func TestCache_ConcurrentRefreshPublishesLatest(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	cache := NewCache(nil, &countingNodes{}, nil, publisher, true)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Refresh(ctx, false)
		}()
	}
	wg.Wait()

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.payloads, 32)
	last, ok := publisher.payloads[len(publisher.payloads)-1].(Snapshot)
	require.True(t, ok)
	assert.Equal(t, cache.Get(ctx).Nodes, last.Nodes)
}
