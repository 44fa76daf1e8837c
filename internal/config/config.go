// Package config loads and validates the incidentdesk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INCIDENTDESK_"

// Config is the full process configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir" validate:"required"`
	Store    StoreConfig    `yaml:"store"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

// StoreConfig selects the PersistentStore backend.
type StoreConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=sqlite badger"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RemoteConfig locates the remote authority.
type RemoteConfig struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	HealthPath string `yaml:"health_path" validate:"required,startswith=/"`
	Token      string `yaml:"token"`
	TimeoutMs  int    `yaml:"timeout_ms" validate:"min=100"`
}

// SyncConfig carries the engine's tuning knobs. Durations are milliseconds so
// the file format matches the recognized option names.
type SyncConfig struct {
	MaxRetries                  int `yaml:"max_retries" validate:"min=1"`
	BaseBackoffMs               int `yaml:"base_backoff_ms" validate:"min=1"`
	MaxBackoffMs                int `yaml:"max_backoff_ms" validate:"gtefield=BaseBackoffMs"`
	MaxQueueSize                int `yaml:"max_queue_size" validate:"min=1"`
	FlushIntervalMs             int `yaml:"flush_interval_ms" validate:"min=100"`
	DedupWindowMs               int `yaml:"dedup_window_ms" validate:"min=0"`
	ConnectivityProbeIntervalMs int `yaml:"connectivity_probe_interval_ms" validate:"min=100"`
	ProbeTimeoutMs              int `yaml:"probe_timeout_ms" validate:"min=10"`
	RefreshIntervalMs           int `yaml:"refresh_interval_ms" validate:"min=0"`
	FlushConcurrency            int `yaml:"flush_concurrency" validate:"min=1,max=64"`
	SignalTTLMs                 int `yaml:"signal_ttl_ms" validate:"min=50"`
}

// ConflictConfig sets the unattended conflict policy.
type ConflictConfig struct {
	DefaultStrategy string `yaml:"default_strategy" validate:"oneof=server-wins client-wins merge"`
	Interactive     bool   `yaml:"interactive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// ServerConfig controls the local desktop API listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Store:   StoreConfig{Backend: "sqlite", SyncWrites: true},
		Remote: RemoteConfig{
			BaseURL:    "http://127.0.0.1:8080",
			HealthPath: "/api/health",
			TimeoutMs:  15000,
		},
		Sync: SyncConfig{
			MaxRetries:                  5,
			BaseBackoffMs:               1000,
			MaxBackoffMs:                30000,
			MaxQueueSize:                100,
			FlushIntervalMs:             30000,
			DedupWindowMs:               1000,
			ConnectivityProbeIntervalMs: 10000,
			ProbeTimeoutMs:              5000,
			RefreshIntervalMs:           300000,
			FlushConcurrency:            4,
			SignalTTLMs:                 2000,
		},
		Conflict: ConflictConfig{DefaultStrategy: "server-wins"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Server:   ServerConfig{Addr: "127.0.0.1:8090"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "incidentdesk")
	}
	return "./data"
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from INCIDENTDESK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATA_DIR":                  &c.DataDir,
		"STORE_BACKEND":             &c.Store.Backend,
		"REMOTE_BASE_URL":           &c.Remote.BaseURL,
		"REMOTE_HEALTH_PATH":        &c.Remote.HealthPath,
		"REMOTE_TOKEN":              &c.Remote.Token,
		"CONFLICT_DEFAULT_STRATEGY": &c.Conflict.DefaultStrategy,
		"LOG_LEVEL":                 &c.Logging.Level,
		"LOG_FORMAT":                &c.Logging.Format,
		"SERVER_ADDR":               &c.Server.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_RETRIES":                    &c.Sync.MaxRetries,
		"BASE_BACKOFF_MS":                &c.Sync.BaseBackoffMs,
		"MAX_BACKOFF_MS":                 &c.Sync.MaxBackoffMs,
		"MAX_QUEUE_SIZE":                 &c.Sync.MaxQueueSize,
		"FLUSH_INTERVAL_MS":              &c.Sync.FlushIntervalMs,
		"DEDUP_WINDOW_MS":                &c.Sync.DedupWindowMs,
		"CONNECTIVITY_PROBE_INTERVAL_MS": &c.Sync.ConnectivityProbeIntervalMs,
		"PROBE_TIMEOUT_MS":               &c.Sync.ProbeTimeoutMs,
		"REFRESH_INTERVAL_MS":            &c.Sync.RefreshIntervalMs,
		"FLUSH_CONCURRENCY":              &c.Sync.FlushConcurrency,
		"REMOTE_TIMEOUT_MS":              &c.Remote.TimeoutMs,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "CONFLICT_INTERACTIVE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCONFLICT_INTERACTIVE: %w", EnvPrefix, err)
		}
		c.Conflict.Interactive = b
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// BaseBackoff returns the first retry delay.
func (s SyncConfig) BaseBackoff() time.Duration { return ms(s.BaseBackoffMs) }

// MaxBackoff returns the retry delay ceiling.
func (s SyncConfig) MaxBackoff() time.Duration { return ms(s.MaxBackoffMs) }

// FlushInterval returns the periodic flush interval.
func (s SyncConfig) FlushInterval() time.Duration { return ms(s.FlushIntervalMs) }

// DedupWindow returns the read deduplication window.
func (s SyncConfig) DedupWindow() time.Duration { return ms(s.DedupWindowMs) }

// ProbeInterval returns the connectivity probe period.
func (s SyncConfig) ProbeInterval() time.Duration { return ms(s.ConnectivityProbeIntervalMs) }

// ProbeTimeout returns the per-probe timeout.
func (s SyncConfig) ProbeTimeout() time.Duration { return ms(s.ProbeTimeoutMs) }

// RefreshInterval returns the authoritative refresh period; zero disables it.
func (s SyncConfig) RefreshInterval() time.Duration { return ms(s.RefreshIntervalMs) }

// SignalTTL returns how long cross-context signals live.
func (s SyncConfig) SignalTTL() time.Duration { return ms(s.SignalTTLMs) }

// Timeout returns the remote request timeout.
func (r RemoteConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

// StorePath returns the backend's directory under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store")
}

// SignalDir returns the shared cross-context signal directory.
func (c *Config) SignalDir() string {
	return filepath.Join(c.DataDir, "signals")
}
