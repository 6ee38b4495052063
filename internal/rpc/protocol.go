package rpc

import (
	"encoding/json"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/model"
)

const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"

	MethodConnect = "connect"
)

// Event names broadcast to control clients.
const (
	EventPresence          = "presence"
	EventHealth            = "health"
	EventTick              = "tick"
	EventPairRequested     = "node.pair.requested"
	EventPairResolved      = "node.pair.resolved"
	EventNodeEvent         = "node.event"
	EventSessionsChanged   = "sessions.changed"
	EventMaintenanceReport = "sessions.maintenance"
)

type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ResponseFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

type EventFrame struct {
	Type         string              `json:"type"`
	Event        string              `json:"event"`
	Payload      any                 `json:"payload,omitempty"`
	Seq          uint64              `json:"seq"`
	StateVersion *model.StateVersion `json:"stateVersion,omitempty"`
}

// ClientInfo is what a control client says about itself on connect.
type ClientInfo struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type ConnectParams struct {
	MinProtocol int         `json:"minProtocol,omitempty"`
	MaxProtocol int         `json:"maxProtocol,omitempty"`
	Client      ClientInfo  `json:"client"`
	Auth        ConnectAuth `json:"auth"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type Snapshot struct {
	Presence     []model.PresenceEntry `json:"presence"`
	Health       any                   `json:"health"`
	StateVersion model.StateVersion    `json:"stateVersion"`
}

type Policy struct {
	MaxPayload     int   `json:"maxPayload"`
	TickIntervalMs int64 `json:"tickIntervalMs"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Policy   Policy     `json:"policy"`
}

// PresencePayload is the body of a presence event.
type PresencePayload struct {
	Presence []model.PresenceEntry `json:"presence"`
	Change   *model.PresenceEntry  `json:"change,omitempty"`
}
