package bridge

import (
	"context"
	"sort"
	"sync"
)

// NodeInfo describes an authenticated node for listings.
type NodeInfo struct {
	NodeID        string   `json:"nodeId"`
	DisplayName   string   `json:"displayName,omitempty"`
	Platform      string   `json:"platform,omitempty"`
	Version       string   `json:"version,omitempty"`
	RemoteIP      string   `json:"remoteIp,omitempty"`
	ConnectedAtMs int64    `json:"connectedAtMs"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

type nodeEntry struct {
	conn         *conn
	cancelBeacon context.CancelFunc
	subs         map[string]bool
}

// Registry indexes authenticated connections by node id, together with
// their beacon task and session subscriptions.
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*nodeEntry
	bySession map[string]map[string]bool // sessionKey -> nodeIds
}

func NewRegistry() *Registry {
	return &Registry{
		nodes:     make(map[string]*nodeEntry),
		bySession: make(map[string]map[string]bool),
	}
}

// add registers c as the live connection for its node. A previous entry
// for the same node is returned so the caller can shut it down; its
// subscriptions are dropped.
func (r *Registry) add(c *conn, cancelBeacon context.CancelFunc) *nodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.nodes[c.nodeID]
	if prev != nil {
		r.dropSubsLocked(c.nodeID, prev)
	}
	r.nodes[c.nodeID] = &nodeEntry{
		conn:         c,
		cancelBeacon: cancelBeacon,
		subs:         make(map[string]bool),
	}
	return prev
}

// remove deletes the entry for c's node only if c is still the live
// connection. It cancels the beacon before returning.
func (r *Registry) remove(c *conn) bool {
	r.mu.Lock()
	entry := r.nodes[c.nodeID]
	if entry == nil || entry.conn != c {
		r.mu.Unlock()
		return false
	}
	delete(r.nodes, c.nodeID)
	r.dropSubsLocked(c.nodeID, entry)
	r.mu.Unlock()

	entry.cancelBeacon()
	return true
}

func (r *Registry) dropSubsLocked(nodeID string, entry *nodeEntry) {
	for key := range entry.subs {
		if nodes := r.bySession[key]; nodes != nil {
			delete(nodes, nodeID)
			if len(nodes) == 0 {
				delete(r.bySession, key)
			}
		}
	}
	entry.subs = nil
}

func (r *Registry) get(nodeID string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry := r.nodes[nodeID]; entry != nil {
		return entry.conn
	}
	return nil
}

func (r *Registry) Subscribe(nodeID, sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.nodes[nodeID]
	if entry == nil {
		return false
	}
	entry.subs[sessionKey] = true
	if r.bySession[sessionKey] == nil {
		r.bySession[sessionKey] = make(map[string]bool)
	}
	r.bySession[sessionKey][nodeID] = true
	return true
}

func (r *Registry) Unsubscribe(nodeID, sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.nodes[nodeID]; entry != nil {
		delete(entry.subs, sessionKey)
	}
	if nodes := r.bySession[sessionKey]; nodes != nil {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(r.bySession, sessionKey)
		}
	}
}

func (r *Registry) subscribers(sessionKey string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*conn
	for nodeID := range r.bySession[sessionKey] {
		if entry := r.nodes[nodeID]; entry != nil {
			out = append(out, entry.conn)
		}
	}
	return out
}

// PinnedSessionKeys returns every session key some node is subscribed to.
// Maintenance treats these as active.
func (r *Registry) PinnedSessionKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.bySession))
	for key := range r.bySession {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) List() []NodeInfo {
	r.mu.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, entry := range r.nodes {
		info := entry.conn.info()
		for key := range entry.subs {
			info.Subscriptions = append(info.Subscriptions, key)
		}
		sort.Strings(info.Subscriptions)
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
