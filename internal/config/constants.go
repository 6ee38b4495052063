package config

import "time"

// HTTP server timeouts
const (
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 10 * time.Second
	ServerRequestTimeout  = 60 * time.Second
	HTTPMaxBodyBytes      = 1 << 20
)

// Pairing
const (
	PendingPairingTTL = 5 * time.Minute
	PairingFileMode   = 0o600
)

// Bridge
const (
	BridgeMaxFrameBytes    = 1 << 20
	BridgeHandshakeTimeout = 30 * time.Second
	PresenceBeaconInterval = 3 * time.Minute
	BridgeWriteTimeout     = 10 * time.Second
)

// RPC
const (
	RPCProtocolVersion   = 3
	RPCMaxPayloadBytes   = 512 * 1024
	RPCClientBufferSize  = 256
	RPCHandshakeTimeout  = 10 * time.Second
	RPCTickInterval      = 30 * time.Second
	RPCConnectRateLimit  = 30
	RPCConnectRateWindow = time.Minute
)

// Background job intervals
const (
	AuditCleanupInterval = 24 * time.Hour
	DBPingTimeout        = 5 * time.Second
)
