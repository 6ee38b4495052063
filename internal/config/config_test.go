package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		GatewayBind:            "127.0.0.1",
		GatewayPort:            18789,
		BridgeRequestTimeoutMs: 30000,
		SessionMaintenanceMode: MaintenanceModeWarn,
	}
}

func TestConfigMethods(t *testing.T) {
	t.Run("GatewayAddr joins bind and port", func(t *testing.T) {
		cfg := &Config{GatewayBind: "127.0.0.1", GatewayPort: 3000}
		assert.Equal(t, "127.0.0.1:3000", cfg.GatewayAddr())
	})

	t.Run("BridgeRequestTimeout converts milliseconds", func(t *testing.T) {
		cfg := &Config{BridgeRequestTimeoutMs: 1500}
		assert.Equal(t, 1500*time.Millisecond, cfg.BridgeRequestTimeout())
	})

	t.Run("HighWaterBytes defaults to 80 percent of max", func(t *testing.T) {
		cfg := &Config{SessionMaxDiskBytes: 1000}
		assert.Equal(t, int64(800), cfg.HighWaterBytes())

		cfg.SessionHighWaterBytes = 500
		assert.Equal(t, int64(500), cfg.HighWaterBytes())
	})

	t.Run("SessionStoreFile defaults under state dir", func(t *testing.T) {
		cfg := &Config{StateDir: "/var/lib/gw"}
		assert.Equal(t, filepath.Join("/var/lib/gw", "sessions", "sessions.json"), cfg.SessionStoreFile())

		cfg.SessionStorePath = "/tmp/s.json"
		assert.Equal(t, "/tmp/s.json", cfg.SessionStoreFile())
	})

	t.Run("BridgeTLSEnabled needs cert and key", func(t *testing.T) {
		cfg := &Config{BridgeTLSCert: "c.pem"}
		assert.False(t, cfg.BridgeTLSEnabled())
		cfg.BridgeTLSKey = "k.pem"
		assert.True(t, cfg.BridgeTLSEnabled())
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults on loopback", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects unknown maintenance mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionMaintenanceMode = "aggressive"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects cert without key", func(t *testing.T) {
		cfg := validConfig()
		cfg.BridgeTLSCert = "cert.pem"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects high water above max", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionMaxDiskBytes = 100
		cfg.SessionHighWaterBytes = 200
		assert.Error(t, cfg.Validate())
	})

	t.Run("requires auth on non-loopback bind", func(t *testing.T) {
		cfg := validConfig()
		cfg.GatewayBind = "0.0.0.0"
		assert.Error(t, cfg.Validate())

		cfg.GatewayToken = "secret-token"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 18789, cfg.GatewayPort)
		assert.Equal(t, 18790, cfg.BridgePort)
		assert.True(t, cfg.BridgeEnabled)
		assert.Equal(t, 30000, cfg.BridgeRequestTimeoutMs)
		assert.Equal(t, 720*time.Hour, cfg.SessionPruneAfter)
		assert.Equal(t, 500, cfg.SessionMaxEntries)
		assert.Equal(t, MaintenanceModeWarn, cfg.SessionMaintenanceMode)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "webhook", cfg.ChannelWebhookID)
		assert.Empty(t, cfg.ChannelWebhookURL)
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("GATEWAY_PORT", "3000")
		t.Setenv("SESSION_MAX_ENTRIES", "10")
		t.Setenv("SESSION_PRUNE_AFTER", "2h")
		t.Setenv("SESSION_MAINTENANCE_MODE", "enforce")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.GatewayPort)
		assert.Equal(t, 10, cfg.SessionMaxEntries)
		assert.Equal(t, 2*time.Hour, cfg.SessionPruneAfter)
		assert.Equal(t, MaintenanceModeEnforce, cfg.SessionMaintenanceMode)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails on malformed number", func(t *testing.T) {
		t.Setenv("BRIDGE_PORT", "not-a-port")

		_, err := Load()
		assert.Error(t, err)
	})
}
