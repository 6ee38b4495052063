package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/gateway-go/internal/model"
)

const (
	ModeNode    = "node"
	ModeGateway = "gateway"

	ReasonConnect      = "connect"
	ReasonBeacon       = "periodic"
	ReasonDisconnected = "node-disconnected"
)

// Tracker keeps the latest presence entry per node.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]model.PresenceEntry
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]model.PresenceEntry),
		now:     time.Now,
	}
}

// Upsert records entry, stamping LastSeenMs when the caller left it zero.
func (t *Tracker) Upsert(entry model.PresenceEntry) model.PresenceEntry {
	if entry.LastSeenMs == 0 {
		entry.LastSeenMs = t.now().UnixMilli()
	}

	t.mu.Lock()
	t.entries[entry.NodeID] = entry
	t.mu.Unlock()
	return entry
}

// Remove drops nodeID and reports whether it was present.
func (t *Tracker) Remove(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[nodeID]; !ok {
		return false
	}
	delete(t.entries, nodeID)
	return true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns every entry ordered by node id.
func (t *Tracker) Snapshot() []model.PresenceEntry {
	t.mu.RLock()
	out := make([]model.PresenceEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
