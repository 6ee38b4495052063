package health

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/channels"
)

// Snapshot is the gateway health reported to control clients.
type Snapshot struct {
	OK         bool              `json:"ok"`
	TsMs       int64             `json:"ts"`
	DurationMs int64             `json:"durationMs"`
	Channels   []channels.Status `json:"channels"`
	Nodes      int               `json:"nodes"`
	Sessions   int               `json:"sessions"`
	Bridge     BridgeStatus      `json:"bridge"`
}

type BridgeStatus struct {
	Enabled   bool   `json:"enabled"`
	Listening bool   `json:"listening"`
	Addr      string `json:"addr,omitempty"`
}

// NodeSource reports bridge state.
type NodeSource interface {
	NodeCount() int
	Listening() (addr string, ok bool)
}

type SessionCounter interface {
	Count(ctx context.Context) (int, error)
}

// Publisher is told about health changes. It owns the health version.
type Publisher interface {
	BroadcastHealth(payload any)
}

// Cache keeps the last snapshot and publishes only when it changes.
type Cache struct {
	channels      *channels.Registry
	nodes         NodeSource
	sessions      SessionCounter
	publisher     Publisher
	bridgeEnabled bool

	mu   sync.Mutex
	last *Snapshot
}

func NewCache(registry *channels.Registry, nodes NodeSource, sessions SessionCounter, publisher Publisher, bridgeEnabled bool) *Cache {
	return &Cache{
		channels:      registry,
		nodes:         nodes,
		sessions:      sessions,
		publisher:     publisher,
		bridgeEnabled: bridgeEnabled,
	}
}

// Get returns the cached snapshot, refreshing it if none exists yet.
func (c *Cache) Get(ctx context.Context) Snapshot {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last != nil {
		return *last
	}
	snap, _ := c.Refresh(ctx, false)
	return snap
}

// Refresh builds a new snapshot. It reports whether the snapshot differs
// from the previous one, in which case it was published.
func (c *Cache) Refresh(ctx context.Context, probe bool) (Snapshot, bool) {
	snap := c.collect(ctx, probe)

	// Publishing under mu keeps broadcast order equal to the order in
	// which last is replaced.
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.last == nil || !sameState(*c.last, snap)
	c.last = &snap
	if changed && c.publisher != nil {
		c.publisher.BroadcastHealth(snap)
	}
	return snap, changed
}

func (c *Cache) collect(ctx context.Context, probe bool) Snapshot {
	start := time.Now()
	snap := Snapshot{
		OK:       true,
		TsMs:     start.UnixMilli(),
		Channels: []channels.Status{},
		Bridge:   BridgeStatus{Enabled: c.bridgeEnabled},
	}

	if c.channels != nil {
		snap.Channels = c.channels.Snapshot(ctx, probe)
	}
	if c.nodes != nil {
		snap.Nodes = c.nodes.NodeCount()
		snap.Bridge.Addr, snap.Bridge.Listening = c.nodes.Listening()
	}
	if c.sessions != nil {
		n, err := c.sessions.Count(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("health: failed to count sessions")
			snap.OK = false
		}
		snap.Sessions = n
	}
	if c.bridgeEnabled && !snap.Bridge.Listening {
		snap.OK = false
	}

	snap.DurationMs = time.Since(start).Milliseconds()
	return snap
}

// sameState compares snapshots ignoring timing fields.
func sameState(a, b Snapshot) bool {
	a.TsMs, a.DurationMs = 0, 0
	b.TsMs, b.DurationMs = 0, 0
	a.Channels = stripProbeTimes(a.Channels)
	b.Channels = stripProbeTimes(b.Channels)
	return reflect.DeepEqual(a, b)
}

func stripProbeTimes(in []channels.Status) []channels.Status {
	out := make([]channels.Status, len(in))
	for i, st := range in {
		st.ProbedAtMs = 0
		out[i] = st
	}
	return out
}
