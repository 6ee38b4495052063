package rpc

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
)

type versionBump int

const (
	bumpNone versionBump = iota
	bumpPresence
	bumpHealth
)

type BroadcastOptions struct {
	// DropIfSlow skips clients whose buffer is full instead of
	// disconnecting them.
	DropIfSlow bool
}

// Broadcaster fans events out to connected control clients. Version
// bumps, sequence numbers and enqueueing happen under one lock, so every
// client sees events in version order.
type Broadcaster struct {
	versions *presence.Versions

	mu      sync.Mutex
	clients map[*Client]bool
	seq     uint64
}

func NewBroadcaster(versions *presence.Versions) *Broadcaster {
	return &Broadcaster{
		versions: versions,
		clients:  make(map[*Client]bool),
	}
}

func (b *Broadcaster) Versions() *presence.Versions {
	return b.versions
}

// Subscribe enqueues first (typically the hello-ok response) and then
// registers c. first is built with the lock held and receives the state
// version current at that moment, so no event is missed or seen twice.
func (b *Broadcaster) Subscribe(c *Client, first func(sv model.StateVersion) []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data := first(b.versions.Current()); data != nil && !c.enqueue(data) {
		return false
	}
	b.clients[c] = true

	log.Info().
		Str("connId", c.ID).
		Int("clientCount", len(b.clients)).
		Msg("rpc client subscribed")
	return true
}

func (b *Broadcaster) Unsubscribe(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		log.Info().
			Str("connId", c.ID).
			Int("clientCount", len(b.clients)).
			Msg("rpc client unsubscribed")
	}
}

func (b *Broadcaster) Broadcast(event string, payload any, opts BroadcastOptions) {
	b.broadcast(event, func() any { return payload }, opts, bumpNone)
}

// BroadcastPresence bumps the presence version and sends a droppable
// presence event. build runs under the broadcast lock after the bump, so
// the event with the highest version always carries the newest list.
func (b *Broadcaster) BroadcastPresence(build func() PresencePayload) {
	b.broadcast(EventPresence, func() any { return build() }, BroadcastOptions{DropIfSlow: true}, bumpPresence)
}

// BroadcastHealth bumps the health version and sends a health event.
func (b *Broadcaster) BroadcastHealth(payload any) {
	b.broadcast(EventHealth, func() any { return payload }, BroadcastOptions{}, bumpHealth)
}

func (b *Broadcaster) broadcast(event string, build func() any, opts BroadcastOptions, bump versionBump) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := EventFrame{Type: FrameTypeEvent, Event: event}
	switch bump {
	case bumpPresence:
		sv := b.versions.BumpPresence()
		frame.StateVersion = &sv
	case bumpHealth:
		sv := b.versions.BumpHealth()
		frame.StateVersion = &sv
	}
	b.seq++
	frame.Seq = b.seq
	frame.Payload = build()

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}

	for c := range b.clients {
		if c.enqueue(data) {
			continue
		}
		if opts.DropIfSlow {
			log.Debug().Str("connId", c.ID).Str("event", event).Msg("client buffer full, dropping event")
			continue
		}
		// The client has to reconnect and resync.
		log.Warn().Str("connId", c.ID).Str("event", event).Msg("client too slow, closing connection")
		delete(b.clients, c)
		c.Close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		c.Close()
	}
	b.clients = make(map[*Client]bool)
}
