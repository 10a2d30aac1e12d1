package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// TestDefault verifies the defaults are valid and match the documented values.
func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.FullSyncInterval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, models.StrategyMerge, cfg.Sync.ConflictResolution)
	assert.True(t, cfg.Sync.EnableRealTime)
	assert.True(t, cfg.Sync.EnableCompression)
	assert.Equal(t, 3, cfg.Sync.RetryAttempts)
}

// TestLoad_noFile verifies Load without a file yields the defaults.
func TestLoad_noFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoad_file verifies file values override defaults and absent keys keep them.
func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stronghold.yaml")
	content := `
sync:
  interval: 10s
  batch_size: 5
  conflict_resolution: server
remote:
  base_url: https://sync.example.com
  auth_token: abc
storage:
  data_dir: /var/lib/stronghold
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.BatchSize)
	assert.Equal(t, models.StrategyServer, cfg.Sync.ConflictResolution)
	assert.Equal(t, "https://sync.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "abc", cfg.Remote.AuthToken)
	assert.Equal(t, "/var/lib/stronghold", cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.Sync.RetryAttempts, "absent keys keep defaults")
}

// TestLoad_missingFile verifies an unreadable file is a config error.
func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

// TestLoad_envOverride verifies STRONGHOLD_* variables win over the file.
func TestLoad_envOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stronghold.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 5\n"), 0600))

	t.Setenv("STRONGHOLD_SYNC_BATCH_SIZE", "7")
	t.Setenv("STRONGHOLD_REMOTE_USER_ID", "user-9")
	t.Setenv("STRONGHOLD_SYNC_ENABLE_REALTIME", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, "user-9", cfg.Remote.UserID)
	assert.False(t, cfg.Sync.EnableRealTime)
}

// TestValidate verifies each rejected setting.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"negative full sync interval", func(c *Config) { c.Sync.FullSyncInterval = -time.Second }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"no retries", func(c *Config) { c.Sync.RetryAttempts = 0 }},
		{"no upload workers", func(c *Config) { c.Sync.UploadConcurrency = 0 }},
		{"unknown strategy", func(c *Config) { c.Sync.ConflictResolution = "coin_flip" }},
		{"zero request timeout", func(c *Config) { c.Remote.RequestTimeout = 0 }},
		{"zero reconnect delay", func(c *Config) { c.Remote.ReconnectDelay = 0 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"unknown platform", func(c *Config) { c.Sync.Platforms = []string{"web", "toaster"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfig))
		})
	}

	cfg := Default()
	cfg.Sync.FullSyncInterval = 0
	assert.NoError(t, cfg.Validate(), "a zero full sync interval disables periodic full syncs")
}

// TestWrite verifies a written config loads back unchanged.
func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stronghold.yaml")
	cfg := Default()
	cfg.Remote.UserID = "user-1"
	cfg.Sync.Interval = 45 * time.Second

	require.NoError(t, Write(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

// TestRealtimeEndpoint verifies the websocket URL derivation.
func TestRealtimeEndpoint(t *testing.T) {
	tests := []struct {
		remote RemoteConfig
		want   string
	}{
		{RemoteConfig{BaseURL: "http://localhost:8787"}, "ws://localhost:8787/sync/ws"},
		{RemoteConfig{BaseURL: "https://sync.example.com/"}, "wss://sync.example.com/sync/ws"},
		{RemoteConfig{BaseURL: "https://x", RealtimeURL: "wss://push.example.com/ws"}, "wss://push.example.com/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.remote.RealtimeEndpoint())
	}
}
