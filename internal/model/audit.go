package model

import "time"

// PairingEvent is one row of the pairing audit trail.
type PairingEvent struct {
	ID        int64     `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	RequestID string    `db:"request_id" json:"requestId"`
	DeviceID  string    `db:"device_id" json:"deviceId"`
	Platform  string    `db:"platform" json:"platform,omitempty"`
	RemoteIP  string    `db:"remote_ip" json:"remoteIp,omitempty"`
	IsRepair  bool      `db:"is_repair" json:"isRepair"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreatePairingEventParams struct {
	Kind      string
	RequestID string
	DeviceID  string
	Platform  string
	RemoteIP  string
	IsRepair  bool
}
