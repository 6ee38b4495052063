package rpc

import (
	"encoding/json"
	"time"

	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
	"github.com/openclaw/gateway-go/internal/sessions"
)

// Relay turns bridge, pairing and session notifications into client
// broadcasts. It implements bridge.Notifier, pairing.Notifier and
// sessions.ChangeNotifier.
type Relay struct {
	broadcaster *Broadcaster
	presence    *presence.Tracker
}

func NewRelay(b *Broadcaster, tracker *presence.Tracker) *Relay {
	return &Relay{broadcaster: b, presence: tracker}
}

func (r *Relay) NodeConnected(node model.PresenceEntry) {
	r.publishPresence(r.presence.Upsert(node))
}

func (r *Relay) NodeBeacon(node model.PresenceEntry) {
	r.publishPresence(r.presence.Upsert(node))
}

func (r *Relay) NodeDisconnected(node model.PresenceEntry) {
	r.presence.Remove(node.NodeID)
	r.publishPresence(node)
}

func (r *Relay) publishPresence(change model.PresenceEntry) {
	r.broadcaster.BroadcastPresence(func() PresencePayload {
		return PresencePayload{
			Presence: r.presence.Snapshot(),
			Change:   &change,
		}
	})
}

func (r *Relay) NodeEvent(nodeID, event string, payload json.RawMessage) {
	r.broadcaster.Broadcast(EventNodeEvent, map[string]any{
		"nodeId":  nodeID,
		"event":   event,
		"payload": payload,
	}, BroadcastOptions{})
}

func (r *Relay) PairingRequested(req model.PendingRequest, created bool) {
	if !created {
		return
	}
	r.broadcaster.Broadcast(EventPairRequested, req, BroadcastOptions{})
}

func (r *Relay) PairingApproved(device model.PairedDevice, requestID string) {
	r.broadcaster.Broadcast(EventPairResolved, pairResolved{
		RequestID: requestID,
		DeviceID:  device.DeviceID,
		Decision:  "approved",
		TsMs:      time.Now().UnixMilli(),
	}, BroadcastOptions{})
}

func (r *Relay) PairingRejected(result model.RejectResult) {
	r.broadcaster.Broadcast(EventPairResolved, pairResolved{
		RequestID: result.RequestID,
		DeviceID:  result.DeviceID,
		Decision:  "rejected",
		TsMs:      time.Now().UnixMilli(),
	}, BroadcastOptions{})
}

func (r *Relay) SessionsChanged(reason string, keys []string) {
	r.broadcaster.Broadcast(EventSessionsChanged, map[string]any{
		"reason": reason,
		"keys":   keys,
	}, BroadcastOptions{DropIfSlow: true})
}

// MaintenanceReported publishes a scheduled maintenance cycle that
// removed something.
func (r *Relay) MaintenanceReported(report sessions.Report) {
	r.broadcaster.Broadcast(EventMaintenanceReport, report, BroadcastOptions{DropIfSlow: true})
}

// Tick is the keepalive clients use to detect a stalled gateway.
func (r *Relay) Tick() {
	r.broadcaster.Broadcast(EventTick, map[string]int64{"ts": time.Now().UnixMilli()}, BroadcastOptions{DropIfSlow: true})
}

type pairResolved struct {
	RequestID string `json:"requestId"`
	DeviceID  string `json:"deviceId"`
	Decision  string `json:"decision"`
	TsMs      int64  `json:"ts"`
}
