package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

// Maintenance modes for the session store sweep.
const (
	MaintenanceModeDryRun  = "dry-run"
	MaintenanceModeWarn    = "warn"
	MaintenanceModeEnforce = "enforce"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	StateDir string `env:"STATE_DIR" envDefault:"./state"`

	GatewayBind         string `env:"GATEWAY_BIND" envDefault:"127.0.0.1"`
	GatewayPort         int    `env:"GATEWAY_PORT" envDefault:"18789"`
	GatewayToken        string `env:"GATEWAY_TOKEN"`
	GatewayPasswordHash string `env:"GATEWAY_PASSWORD_HASH"`

	BridgeEnabled          bool   `env:"BRIDGE_ENABLED" envDefault:"true"`
	BridgeBind             string `env:"BRIDGE_BIND" envDefault:"0.0.0.0"`
	BridgePort             int    `env:"BRIDGE_PORT" envDefault:"18790"`
	BridgeTLSCert          string `env:"BRIDGE_TLS_CERT"`
	BridgeTLSKey           string `env:"BRIDGE_TLS_KEY"`
	BridgeRequestTimeoutMs int    `env:"BRIDGE_REQUEST_TIMEOUT_MS" envDefault:"30000"`
	BridgeRepairDisconnect bool   `env:"BRIDGE_REPAIR_DISCONNECT" envDefault:"true"`

	SessionStorePath           string        `env:"SESSION_STORE_PATH"`
	SessionPruneAfter          time.Duration `env:"SESSION_PRUNE_AFTER" envDefault:"720h"`
	SessionMaxEntries          int           `env:"SESSION_MAX_ENTRIES" envDefault:"500"`
	SessionMaxDiskBytes        int64         `env:"SESSION_MAX_DISK_BYTES" envDefault:"0"`
	SessionHighWaterBytes      int64         `env:"SESSION_HIGH_WATER_BYTES" envDefault:"0"`
	SessionMaintenanceMode     string        `env:"SESSION_MAINTENANCE_MODE" envDefault:"warn"`
	SessionMaintenanceInterval time.Duration `env:"SESSION_MAINTENANCE_INTERVAL" envDefault:"1h"`

	IdempotencyTTLSeconds int `env:"IDEMPOTENCY_TTL_SECONDS" envDefault:"600"`
	IdempotencyMaxEntries int `env:"IDEMPOTENCY_MAX_ENTRIES" envDefault:"5000"`

	ChannelWebhookID    string `env:"CHANNEL_WEBHOOK_ID" envDefault:"webhook"`
	ChannelWebhookURL   string `env:"CHANNEL_WEBHOOK_URL"`
	ChannelWebhookToken string `env:"CHANNEL_WEBHOOK_TOKEN"`

	RedisURL           string `env:"REDIS_URL"`
	DatabaseURL        string `env:"DATABASE_URL"`
	AuditRetentionDays int    `env:"AUDIT_RETENTION_DAYS" envDefault:"90"`
}

func (c *Config) GatewayAddr() string {
	return net.JoinHostPort(c.GatewayBind, strconv.Itoa(c.GatewayPort))
}

func (c *Config) BridgeAddr() string {
	return net.JoinHostPort(c.BridgeBind, strconv.Itoa(c.BridgePort))
}

func (c *Config) BridgeTLSEnabled() bool {
	return c.BridgeTLSCert != "" && c.BridgeTLSKey != ""
}

func (c *Config) BridgeRequestTimeout() time.Duration {
	return time.Duration(c.BridgeRequestTimeoutMs) * time.Millisecond
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// SessionStoreFile resolves the sessions.json path, defaulting under
// STATE_DIR.
func (c *Config) SessionStoreFile() string {
	if c.SessionStorePath != "" {
		return c.SessionStorePath
	}
	return filepath.Join(c.StateDir, "sessions", "sessions.json")
}

// HighWaterBytes returns the disk budget eviction target. When unset it
// is 80% of the max.
func (c *Config) HighWaterBytes() int64 {
	if c.SessionHighWaterBytes > 0 {
		return c.SessionHighWaterBytes
	}
	return c.SessionMaxDiskBytes * 8 / 10
}

func (c *Config) Validate() error {
	switch c.SessionMaintenanceMode {
	case MaintenanceModeDryRun, MaintenanceModeWarn, MaintenanceModeEnforce:
	default:
		return fmt.Errorf("SESSION_MAINTENANCE_MODE must be one of dry-run, warn, enforce (got %q)", c.SessionMaintenanceMode)
	}

	if (c.BridgeTLSCert == "") != (c.BridgeTLSKey == "") {
		return fmt.Errorf("BRIDGE_TLS_CERT and BRIDGE_TLS_KEY must be set together")
	}

	if c.SessionMaxDiskBytes > 0 && c.SessionHighWaterBytes > c.SessionMaxDiskBytes {
		return fmt.Errorf("SESSION_HIGH_WATER_BYTES (%d) must not exceed SESSION_MAX_DISK_BYTES (%d)",
			c.SessionHighWaterBytes, c.SessionMaxDiskBytes)
	}

	if c.BridgeRequestTimeoutMs <= 0 {
		return fmt.Errorf("BRIDGE_REQUEST_TIMEOUT_MS must be positive")
	}

	if c.GatewayToken == "" && c.GatewayPasswordHash == "" {
		if ip := net.ParseIP(c.GatewayBind); ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("GATEWAY_TOKEN or GATEWAY_PASSWORD_HASH is required when binding to %s", c.GatewayBind)
		}
		log.Warn().Msg("no gateway auth configured: loopback clients connect without credentials")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
