package channels

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is what a channel reports about itself for health snapshots.
type Status struct {
	ID         string `json:"id"`
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	LastError  string `json:"lastError,omitempty"`
	ProbedAtMs int64  `json:"probedAtMs,omitempty"`
}

// SendResult identifies a delivered outbound message.
type SendResult struct {
	Channel   string `json:"channel"`
	MessageID string `json:"messageId"`
	To        string `json:"to"`
}

// Adapter is implemented by each chat channel integration.
type Adapter interface {
	ID() string
	// Status returns the channel state. probe asks the adapter to check
	// the remote end instead of returning cached state.
	Status(ctx context.Context, probe bool) Status
	Send(ctx context.Context, to, text string) (SendResult, error)
}

// Registry holds the adapters of one gateway process.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a, replacing any adapter with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
	log.Info().Str("channel", a.ID()).Msg("channel registered")
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the registered channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot collects every adapter's status concurrently. A slow probe
// only delays the snapshot, never another adapter.
func (r *Registry) Snapshot(ctx context.Context, probe bool) []Status {
	ids := r.IDs()
	out := make([]Status, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		a, ok := r.Get(id)
		if !ok {
			out[i] = Status{ID: id}
			continue
		}
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			st := a.Status(ctx, probe)
			st.ID = a.ID()
			if probe && st.ProbedAtMs == 0 {
				st.ProbedAtMs = time.Now().UnixMilli()
			}
			out[i] = st
		}(i, a)
	}
	wg.Wait()
	return out
}
