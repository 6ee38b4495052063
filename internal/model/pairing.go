package model

// PendingRequest is a pairing request from a device that has not been
// approved yet. At most one exists per DeviceID.
type PendingRequest struct {
	RequestID   string   `json:"requestId"`
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
	IsRepair    bool     `json:"isRepair,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

// PairedDevice is a trusted device. Token authenticates its bridge hello.
type PairedDevice struct {
	DeviceID     string   `json:"deviceId"`
	PublicKey    string   `json:"publicKey,omitempty"`
	DisplayName  string   `json:"displayName,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Version      string   `json:"version,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RemoteIP     string   `json:"remoteIp,omitempty"`
	Token        string   `json:"token"`
	CreatedAtMs  int64    `json:"createdAtMs"`
	ApprovedAtMs int64    `json:"approvedAtMs"`
}

// Public returns a copy without the auth token, for control clients.
func (d PairedDevice) Public() PairedDevice {
	d.Token = ""
	return d
}

// DeviceInfo is what a device presents when asking to pair.
type DeviceInfo struct {
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIp,omitempty"`
}

// DeviceMetadataPatch updates mutable fields of a paired device. Nil
// fields are left unchanged.
type DeviceMetadataPatch struct {
	DisplayName *string  `json:"displayName,omitempty"`
	Platform    *string  `json:"platform,omitempty"`
	Version     *string  `json:"version,omitempty"`
	RemoteIP    *string  `json:"remoteIp,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

type PairingList struct {
	Pending []PendingRequest `json:"pending"`
	Paired  []PairedDevice   `json:"paired"`
}

type RequestResult struct {
	Request PendingRequest `json:"request"`
	Created bool           `json:"created"`
}

type RejectResult struct {
	RequestID string `json:"requestId"`
	DeviceID  string `json:"deviceId"`
}
