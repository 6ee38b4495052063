package model

// PresenceEntry describes one node's reachability.
type PresenceEntry struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	RemoteIP    string `json:"remoteIp,omitempty"`
	Mode        string `json:"mode"`
	Reason      string `json:"reason"`
	LastSeenMs  int64  `json:"ts"`
}

// StateVersion is attached to presence and health broadcasts so clients
// can detect a missed delta.
type StateVersion struct {
	Presence uint64 `json:"presence"`
	Health   uint64 `json:"health"`
}
