package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/gateway-go/internal/bridge"
	"github.com/openclaw/gateway-go/internal/channels"
	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/health"
	"github.com/openclaw/gateway-go/internal/idempotency"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/pairing"
	"github.com/openclaw/gateway-go/internal/presence"
	"github.com/openclaw/gateway-go/internal/sessions"
)

const testToken = "test-gateway-token"

type fakeBridge struct {
	calls  int32
	pinned []string

	mu     sync.Mutex
	events []string
}

func (f *fakeBridge) Invoke(_ context.Context, nodeID, method string, _ any) (json.RawMessage, *apperrors.AppError) {
	n := atomic.AddInt32(&f.calls, 1)
	if nodeID == "offline" {
		return nil, apperrors.Unavailable("node offline is not connected")
	}
	return json.RawMessage(fmt.Sprintf(`{"method":%q,"call":%d}`, method, n)), nil
}

func (f *fakeBridge) ListNodes() []bridge.NodeInfo {
	return []bridge.NodeInfo{{NodeID: "node-1", Platform: "linux"}}
}

func (f *fakeBridge) PinnedSessionKeys() []string { return f.pinned }

func (f *fakeBridge) SendEvent(nodeID, event string, _ any) error {
	if nodeID == "offline" {
		return fmt.Errorf("node %s is not connected", nodeID)
	}
	f.record(nodeID + ":" + event)
	return nil
}

func (f *fakeBridge) SendToSubscribers(sessionKey, event string, _ any) int {
	f.record(sessionKey + ":" + event)
	return 1
}

func (f *fakeBridge) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, s)
}

func (f *fakeBridge) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type countingAdapter struct {
	sends int32
}

func (a *countingAdapter) ID() string { return "telegram" }

func (a *countingAdapter) Status(context.Context, bool) channels.Status {
	return channels.Status{Configured: true, Connected: true}
}

func (a *countingAdapter) Send(_ context.Context, to, _ string) (channels.SendResult, error) {
	n := atomic.AddInt32(&a.sends, 1)
	return channels.SendResult{Channel: "telegram", To: to, MessageID: fmt.Sprintf("m%d", n)}, nil
}

type rpcHarness struct {
	url      string
	relay    *Relay
	sessions *sessions.Store
	pairing  *pairing.Store
	bridge   *fakeBridge
	adapter  *countingAdapter
}

func newHarness(t *testing.T, configure func(*Deps)) *rpcHarness {
	t.Helper()

	versions := presence.NewVersions()
	broadcaster := NewBroadcaster(versions)
	t.Cleanup(broadcaster.Close)
	tracker := presence.NewTracker()
	relay := NewRelay(broadcaster, tracker)

	pairStore := pairing.NewStore(t.TempDir(), pairing.WithNotifier(pairing.NewFanout(relay)))

	var tick int64
	clock := func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + atomic.AddInt64(&tick, 1000))
	}
	sessStore := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"),
		sessions.WithNotifier(relay), sessions.WithClock(clock))

	registry := channels.NewRegistry()
	adapter := &countingAdapter{}
	registry.Register(adapter)

	fb := &fakeBridge{}
	cache := idempotency.NewCache(time.Minute, 100)
	t.Cleanup(cache.Close)

	deps := Deps{
		Version:   "test",
		AuthToken: testToken,
		Presence:  tracker,
		Health:    health.NewCache(registry, nil, sessStore, broadcaster, false),
		Sessions:  sessStore,
		Pairing:   pairStore,
		Bridge:    fb,
		Channels:  registry,
	}
	if configure != nil {
		configure(&deps)
	}

	srv := NewServer(deps, broadcaster, idempotency.NewGuard(cache))
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)

	return &rpcHarness{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		relay:    relay,
		sessions: sessStore,
		pairing:  pairStore,
		bridge:   fb,
		adapter:  adapter,
	}
}

type inbound struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	OK           bool                `json:"ok"`
	Payload      json.RawMessage     `json:"payload"`
	Error        *apperrors.AppError `json:"error"`
	Event        string              `json:"event"`
	Seq          uint64              `json:"seq"`
	StateVersion *model.StateVersion `json:"stateVersion"`
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID int
	events []inbound
}

func (h *rpcHarness) dial(t *testing.T) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) read() (inbound, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return inbound{}, err
	}
	var f inbound
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f, nil
}

func (c *testClient) request(method string, params any) string {
	c.t.Helper()
	c.nextID++
	id := fmt.Sprintf("r%d", c.nextID)
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}))
	return id
}

// call sends a request and waits for its response, keeping events seen
// in the meantime.
func (c *testClient) call(method string, params any) inbound {
	c.t.Helper()
	id := c.request(method, params)
	for {
		f, err := c.read()
		require.NoError(c.t, err)
		if f.Type == FrameTypeEvent {
			c.events = append(c.events, f)
			continue
		}
		if f.ID == id {
			return f
		}
	}
}

func (c *testClient) waitEvent(name string) inbound {
	c.t.Helper()
	for i, f := range c.events {
		if f.Event == name {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return f
		}
	}
	for {
		f, err := c.read()
		require.NoError(c.t, err)
		if f.Type == FrameTypeEvent && f.Event == name {
			return f
		}
		if f.Type == FrameTypeEvent {
			c.events = append(c.events, f)
		}
	}
}

func (h *rpcHarness) connect(t *testing.T) (*testClient, HelloOK) {
	t.Helper()
	c := h.dial(t)
	res := c.call(MethodConnect, ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      ClientInfo{ID: "cli", Version: "1.0.0"},
		Auth:        ConnectAuth{Token: testToken},
	})
	require.True(t, res.OK, "connect failed: %+v", res.Error)

	var hello HelloOK
	require.NoError(t, json.Unmarshal(res.Payload, &hello))
	return c, hello
}

func TestHandshake(t *testing.T) {
	t.Run("hello-ok carries snapshot", func(t *testing.T) {
		h := newHarness(t, nil)
		_, hello := h.connect(t)

		assert.Equal(t, "hello-ok", hello.Type)
		assert.Equal(t, 3, hello.Protocol)
		assert.NotEmpty(t, hello.Server.ConnID)
		assert.Contains(t, hello.Features.Methods, "sessions.patch")
		assert.Contains(t, hello.Features.Events, EventPresence)
		assert.NotNil(t, hello.Snapshot.Health)
	})

	t.Run("bad token is rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.dial(t)

		res := c.call(MethodConnect, ConnectParams{Auth: ConnectAuth{Token: "wrong"}})
		assert.False(t, res.OK)
		require.NotNil(t, res.Error)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, res.Error.Code)

		_, err := c.read()
		assert.Error(t, err)
	})

	t.Run("first request must be connect", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.dial(t)

		res := c.call("health", nil)
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, res.Error.Code)
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.dial(t)

		res := c.call(MethodConnect, ConnectParams{MinProtocol: 9, MaxProtocol: 9, Auth: ConnectAuth{Token: testToken}})
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, res.Error.Code)
	})

	t.Run("password auth", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		require.NoError(t, err)
		h := newHarness(t, func(d *Deps) {
			d.AuthToken = ""
			d.PasswordHash = string(hash)
		})
		c := h.dial(t)

		res := c.call(MethodConnect, ConnectParams{Auth: ConnectAuth{Password: "hunter2"}})
		assert.True(t, res.OK)
	})
}

func TestMethods_Basics(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t)

	t.Run("unknown method", func(t *testing.T) {
		res := c.call("does.not.exist", nil)
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeMethodNotFound, res.Error.Code)
	})

	t.Run("cron without forwarder", func(t *testing.T) {
		res := c.call("cron.list", nil)
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeUnavailable, res.Error.Code)
	})

	t.Run("health probe", func(t *testing.T) {
		res := c.call("health", map[string]bool{"probe": true})
		require.True(t, res.OK)
		var snap health.Snapshot
		require.NoError(t, json.Unmarshal(res.Payload, &snap))
		require.Len(t, snap.Channels, 1)
		assert.Equal(t, "telegram", snap.Channels[0].ID)
	})

	t.Run("status", func(t *testing.T) {
		res := c.call("status", nil)
		require.True(t, res.OK)
		assert.Contains(t, string(res.Payload), `"nodes":1`)
	})

	t.Run("node.list", func(t *testing.T) {
		res := c.call("node.list", nil)
		require.True(t, res.OK)
		assert.Contains(t, string(res.Payload), "node-1")
	})
}

func TestMethods_Sessions(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t)

	t.Run("patch is idempotent by key", func(t *testing.T) {
		params := map[string]any{"key": "main", "label": "daily", "idempotencyKey": "patch-1"}

		first := c.call("sessions.patch", params)
		require.True(t, first.OK)
		second := c.call("sessions.patch", params)
		require.True(t, second.OK)
		assert.JSONEq(t, string(first.Payload), string(second.Payload))

		third := c.call("sessions.patch", map[string]any{"key": "main", "label": "daily", "idempotencyKey": "patch-2"})
		require.True(t, third.OK)
		assert.NotEqual(t, string(first.Payload), string(third.Payload))
	})

	t.Run("list", func(t *testing.T) {
		res := c.call("sessions.list", nil)
		require.True(t, res.OK)
		var body struct {
			Count    int                `json:"count"`
			Sessions []model.SessionRow `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(res.Payload, &body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "daily", body.Sessions[0].Label)
	})

	t.Run("changes are broadcast", func(t *testing.T) {
		ev := c.waitEvent(EventSessionsChanged)
		assert.Contains(t, string(ev.Payload), "main")
	})

	t.Run("maintenance defaults to dry-run", func(t *testing.T) {
		res := c.call("sessions.maintenance", nil)
		require.True(t, res.OK)
		var report sessions.Report
		require.NoError(t, json.Unmarshal(res.Payload, &report))
		assert.Equal(t, sessions.ModeDryRun, report.Mode)
		assert.Equal(t, 1, report.BeforeCount)
	})

	t.Run("maintenance rejects unknown mode", func(t *testing.T) {
		res := c.call("sessions.maintenance", map[string]string{"mode": "nuke"})
		assert.False(t, res.OK)
	})

	t.Run("delete", func(t *testing.T) {
		res := c.call("sessions.delete", map[string]string{"key": "main"})
		require.True(t, res.OK)
		assert.JSONEq(t, `{"key":"main","deleted":true}`, string(res.Payload))
	})

	t.Run("patch requires key", func(t *testing.T) {
		res := c.call("sessions.patch", map[string]string{"label": "x"})
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, res.Error.Code)
	})
}

func TestMethods_IdempotentSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t)

	t.Run("send", func(t *testing.T) {
		params := map[string]string{"channel": "telegram", "to": "user-1", "message": "hi", "idempotencyKey": "msg-1"}
		first := c.call("send", params)
		second := c.call("send", params)
		require.True(t, first.OK)
		assert.JSONEq(t, string(first.Payload), string(second.Payload))
		assert.Equal(t, int32(1), atomic.LoadInt32(&h.adapter.sends))
	})

	t.Run("send to unknown channel", func(t *testing.T) {
		res := c.call("send", map[string]string{"channel": "pigeon", "to": "x", "message": "hi"})
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeNotFound, res.Error.Code)
	})

	t.Run("node.invoke", func(t *testing.T) {
		params := map[string]any{"nodeId": "node-1", "command": "system.run", "idempotencyKey": "inv-1"}
		first := c.call("node.invoke", params)
		second := c.call("node.invoke", params)
		require.True(t, first.OK)
		assert.JSONEq(t, string(first.Payload), string(second.Payload))
		assert.Equal(t, int32(1), atomic.LoadInt32(&h.bridge.calls))
	})

	t.Run("node.invoke failure is not remembered", func(t *testing.T) {
		params := map[string]any{"nodeId": "offline", "command": "system.run", "idempotencyKey": "inv-2"}
		c.call("node.invoke", params)
		res := c.call("node.invoke", params)
		assert.False(t, res.OK)
		assert.Equal(t, int32(3), atomic.LoadInt32(&h.bridge.calls))
	})

	t.Run("send with session key reaches subscribed nodes", func(t *testing.T) {
		res := c.call("send", map[string]string{
			"channel": "telegram", "to": "user-2", "message": "yo",
			"sessionKey": "agent:main", "idempotencyKey": "msg-2",
		})
		require.True(t, res.OK)
		assert.Contains(t, h.bridge.recorded(), "agent:main:chat")
	})
}

func TestMethods_SendSurvivesSessionStoreFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	broken := sessions.NewStore(filepath.Join(blocker, "sessions.json"))

	h := newHarness(t, func(d *Deps) { d.Sessions = broken })
	c, _ := h.connect(t)

	params := map[string]string{
		"channel": "telegram", "to": "user-3", "message": "once",
		"sessionKey": "agent:main", "idempotencyKey": "msg-store-down",
	}
	first := c.call("send", params)
	second := c.call("send", params)

	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.adapter.sends))
}

func TestMethods_NodeEvent(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t)

	t.Run("delivers to node", func(t *testing.T) {
		res := c.call("node.event", map[string]any{"nodeId": "node-1", "event": "voicewake.changed", "payload": map[string]any{"on": true}})
		require.True(t, res.OK)
		assert.Contains(t, h.bridge.recorded(), "node-1:voicewake.changed")
	})

	t.Run("disconnected node", func(t *testing.T) {
		res := c.call("node.event", map[string]any{"nodeId": "offline", "event": "ping"})
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeUnavailable, res.Error.Code)
	})

	t.Run("event is required", func(t *testing.T) {
		res := c.call("node.event", map[string]any{"nodeId": "node-1"})
		assert.False(t, res.OK)
		assert.Equal(t, apperrors.ErrCodeInvalidRequest, res.Error.Code)
	})
}

func TestMethods_Pairing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c, _ := h.connect(t)

	req, err := h.pairing.Request(ctx, model.DeviceInfo{DeviceID: "phone-1", Platform: "ios"})
	require.NoError(t, err)

	requested := c.waitEvent(EventPairRequested)
	assert.Contains(t, string(requested.Payload), req.Request.RequestID)

	list := c.call("node.pair.list", nil)
	require.True(t, list.OK)
	assert.Contains(t, string(list.Payload), "phone-1")

	approved := c.call("node.pair.approve", map[string]string{"requestId": req.Request.RequestID})
	require.True(t, approved.OK)
	assert.Contains(t, string(approved.Payload), `"token":""`)

	resolved := c.waitEvent(EventPairResolved)
	assert.Contains(t, string(resolved.Payload), `"decision":"approved"`)

	again := c.call("node.pair.approve", map[string]string{"requestId": req.Request.RequestID})
	assert.False(t, again.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, again.Error.Code)

	t.Run("reject", func(t *testing.T) {
		req, err := h.pairing.Request(ctx, model.DeviceInfo{DeviceID: "tablet-1"})
		require.NoError(t, err)

		res := c.call("node.pair.reject", map[string]string{"requestId": req.Request.RequestID})
		require.True(t, res.OK)
		assert.JSONEq(t, fmt.Sprintf(`{"requestId":%q,"deviceId":"tablet-1"}`, req.Request.RequestID), string(res.Payload))
	})
}

func TestPresenceBroadcastVersions(t *testing.T) {
	h := newHarness(t, nil)
	c, hello := h.connect(t)
	base := hello.Snapshot.StateVersion.Presence

	h.relay.NodeConnected(model.PresenceEntry{NodeID: "node-1", Mode: presence.ModeNode, Reason: presence.ReasonConnect})
	h.relay.NodeBeacon(model.PresenceEntry{NodeID: "node-1", Mode: presence.ModeNode, Reason: presence.ReasonBeacon})

	first := c.waitEvent(EventPresence)
	second := c.waitEvent(EventPresence)
	require.NotNil(t, first.StateVersion)
	require.NotNil(t, second.StateVersion)

	assert.Greater(t, first.StateVersion.Presence, base)
	assert.Greater(t, second.StateVersion.Presence, first.StateVersion.Presence)
	assert.Greater(t, second.Seq, first.Seq)

	var payload PresencePayload
	require.NoError(t, json.Unmarshal(second.Payload, &payload))
	require.Len(t, payload.Presence, 1)
	assert.Equal(t, presence.ReasonBeacon, payload.Presence[0].Reason)

	h.relay.NodeDisconnected(model.PresenceEntry{NodeID: "node-1", Reason: presence.ReasonDisconnected})
	third := c.waitEvent(EventPresence)
	require.NoError(t, json.Unmarshal(third.Payload, &payload))
	assert.Empty(t, payload.Presence)
	require.NotNil(t, payload.Change)
	assert.Equal(t, "node-disconnected", payload.Change.Reason)
}
