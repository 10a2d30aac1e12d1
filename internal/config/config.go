// Package config loads sync engine configuration from defaults, a YAML file
// and STRONGHOLD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// EnvPrefix is the prefix for environment overrides, e.g. STRONGHOLD_SYNC_BATCH_SIZE.
const EnvPrefix = "STRONGHOLD"

// SyncConfig holds the sync behaviour options.
type SyncConfig struct {
	Interval           time.Duration             `mapstructure:"interval" yaml:"interval"`
	FullSyncInterval   time.Duration             `mapstructure:"full_sync_interval" yaml:"full_sync_interval"`
	BatchSize          int                       `mapstructure:"batch_size" yaml:"batch_size"`
	ConflictResolution models.ResolutionStrategy `mapstructure:"conflict_resolution" yaml:"conflict_resolution"`
	EnableRealTime     bool                      `mapstructure:"enable_realtime" yaml:"enable_realtime"`
	EnableCompression  bool                      `mapstructure:"enable_compression" yaml:"enable_compression"`
	RetryAttempts      int                       `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	UploadConcurrency  int                       `mapstructure:"upload_concurrency" yaml:"upload_concurrency"`
	Platforms          []string                  `mapstructure:"platforms" yaml:"platforms"`
}

// RemoteConfig describes the coordinator endpoints and credentials.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RealtimeURL    string        `mapstructure:"realtime_url" yaml:"realtime_url"`
	AuthToken      string        `mapstructure:"auth_token" yaml:"auth_token"`
	UserID         string        `mapstructure:"user_id" yaml:"user_id"`
	OrganizationID string        `mapstructure:"organization_id" yaml:"organization_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LogConfig configures the logging package.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// CoordinatorConfig configures the development coordinator server.
type CoordinatorConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AgentConfig configures the local control API of a running agent.
// An empty Addr disables it.
type AgentConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the full process configuration. It is read-only once loaded.
type Config struct {
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Remote      RemoteConfig      `mapstructure:"remote" yaml:"remote"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:           30 * time.Second,
			FullSyncInterval:   5 * time.Minute,
			BatchSize:          50,
			ConflictResolution: models.StrategyMerge,
			EnableRealTime:     true,
			EnableCompression:  true,
			RetryAttempts:      3,
			UploadConcurrency:  2,
			Platforms:          []string{"web", "ios", "android", "desktop"},
		},
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8787",
			RequestTimeout: 15 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Coordinator: CoordinatorConfig{
			Addr: ":8787",
		},
	}
}

// setDefaults registers every default with v so env overrides work for keys
// absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.full_sync_interval", d.Sync.FullSyncInterval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.conflict_resolution", string(d.Sync.ConflictResolution))
	v.SetDefault("sync.enable_realtime", d.Sync.EnableRealTime)
	v.SetDefault("sync.enable_compression", d.Sync.EnableCompression)
	v.SetDefault("sync.retry_attempts", d.Sync.RetryAttempts)
	v.SetDefault("sync.upload_concurrency", d.Sync.UploadConcurrency)
	v.SetDefault("sync.platforms", d.Sync.Platforms)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.realtime_url", d.Remote.RealtimeURL)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("remote.user_id", d.Remote.UserID)
	v.SetDefault("remote.organization_id", d.Remote.OrganizationID)
	v.SetDefault("remote.request_timeout", d.Remote.RequestTimeout)
	v.SetDefault("remote.connect_timeout", d.Remote.ConnectTimeout)
	v.SetDefault("remote.reconnect_delay", d.Remote.ReconnectDelay)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("coordinator.addr", d.Coordinator.Addr)
	v.SetDefault("agent.addr", d.Agent.Addr)
}

// NewViper returns a viper instance with defaults and env binding applied.
// Callers may bind command-line flags to it before calling LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads configuration into v and decodes it.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "read config file", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sync.Interval <= 0:
		return errors.New(errors.ErrConfig, "sync.interval must be positive")
	case c.Sync.FullSyncInterval < 0:
		return errors.New(errors.ErrConfig, "sync.full_sync_interval must not be negative")
	case c.Sync.BatchSize <= 0:
		return errors.New(errors.ErrConfig, "sync.batch_size must be positive")
	case c.Sync.RetryAttempts < 1:
		return errors.New(errors.ErrConfig, "sync.retry_attempts must be at least 1")
	case c.Sync.UploadConcurrency < 1:
		return errors.New(errors.ErrConfig, "sync.upload_concurrency must be at least 1")
	case !c.Sync.ConflictResolution.Valid():
		return errors.Newf(errors.ErrConfig, "unknown sync.conflict_resolution %q", c.Sync.ConflictResolution)
	case c.Remote.RequestTimeout <= 0 || c.Remote.ConnectTimeout <= 0:
		return errors.New(errors.ErrConfig, "remote timeouts must be positive")
	case c.Remote.ReconnectDelay <= 0:
		return errors.New(errors.ErrConfig, "remote.reconnect_delay must be positive")
	case c.Storage.DataDir == "":
		return errors.New(errors.ErrConfig, "storage.data_dir is required")
	}
	for _, p := range c.Sync.Platforms {
		if !models.Platform(p).Valid() {
			return errors.Newf(errors.ErrConfig, "unknown platform %q", p)
		}
	}
	return nil
}

// RealtimeEndpoint returns the websocket URL, derived from BaseURL when unset.
func (r RemoteConfig) RealtimeEndpoint() string {
	if r.RealtimeURL != "" {
		return r.RealtimeURL
	}
	base := strings.TrimSuffix(r.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/sync/ws"
}

// Write serializes cfg as YAML to path, creating parent directories.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(errors.ErrConfig, "encode config", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(errors.ErrConfig, "create config directory", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(errors.ErrConfig, fmt.Sprintf("write %s", path), err)
	}
	return nil
}
