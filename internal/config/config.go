// Package config loads the process-start configuration for the fabric.
// All fabric tunables (lease TTLs, accumulation windows, idempotency
// TTLs) are set here and are not runtime-mutable; only the channel
// policy file is hot-reloaded, via the Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LockConfig tunes the session lock.
type LockConfig struct {
	// LeaseTTLSeconds is how long a lease survives without extension.
	// This is the deadlock-safety net for crashed holders.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	// WaitTimeoutSeconds bounds acquisition blocking before LockTimeout.
	WaitTimeoutSeconds int `yaml:"wait_timeout_seconds"`
	// HeartbeatSeconds is the lease extension interval while processing.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// AccumulationConfig tunes turn accumulation.
type AccumulationConfig struct {
	MinWindowMs int `yaml:"min_window_ms"`
	MaxWindowMs int `yaml:"max_window_ms"`
}

// IdempotencyConfig carries per-layer TTLs.
type IdempotencyConfig struct {
	RequestTTLSeconds    int `yaml:"request_ttl_seconds"`
	BeatTTLSeconds       int `yaml:"beat_ttl_seconds"`
	SideEffectTTLSeconds int `yaml:"side_effect_ttl_seconds"`
}

// ArtifactConfig tunes the checkpoint cache.
type ArtifactConfig struct {
	// TTLSeconds should be on the order of the expected P99 processing
	// latency; artifacts only matter across a restart or supersede
	// within the same live conversation attempt.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// StorageConfig selects the sqlite store and the degraded-mode policy.
type StorageConfig struct {
	Path string `yaml:"path"`
	// DegradedMode is "fail_closed" (reject work when the store is down)
	// or "fail_open" (process unprotected with warning logs). Never silent.
	DegradedMode string `yaml:"degraded_mode"`
}

// MaintenanceConfig carries cron expressions for background sweeps.
type MaintenanceConfig struct {
	LockSweepSchedule  string `yaml:"lock_sweep_schedule"`
	PurgeSchedule      string `yaml:"purge_schedule"`
	RecoverySchedule   string `yaml:"recovery_schedule"`
	RetentionEventDays int    `yaml:"retention_event_days"`
}

// OtelConfig mirrors internal/otel.Config for yaml loading.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// ChannelPolicyPath points at the channel policy YAML document.
	// Relative paths resolve against HomeDir.
	ChannelPolicyPath string `yaml:"channel_policy_path"`

	Lock         LockConfig         `yaml:"lock"`
	Accumulation AccumulationConfig `yaml:"accumulation"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Artifacts    ArtifactConfig     `yaml:"artifacts"`
	Storage      StorageConfig      `yaml:"storage"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Otel         OtelConfig         `yaml:"otel"`

	// RateLimitPerTenant is gateway requests/second per tenant; 0 disables.
	RateLimitPerTenant float64 `yaml:"rate_limit_per_tenant"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18790",
		LogLevel:          "info",
		ChannelPolicyPath: "channels.yaml",
		Lock: LockConfig{
			LeaseTTLSeconds:    30,
			WaitTimeoutSeconds: 10,
			HeartbeatSeconds:   10,
		},
		Accumulation: AccumulationConfig{
			MinWindowMs: 200,
			MaxWindowMs: 8000,
		},
		Idempotency: IdempotencyConfig{
			RequestTTLSeconds:    int((5 * time.Minute).Seconds()),
			BeatTTLSeconds:       30,
			SideEffectTTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Artifacts: ArtifactConfig{
			TTLSeconds: int((2 * time.Minute).Seconds()),
		},
		Storage: StorageConfig{
			DegradedMode: "fail_closed",
		},
		Maintenance: MaintenanceConfig{
			LockSweepSchedule:  "* * * * *",
			PurgeSchedule:      "*/5 * * * *",
			RecoverySchedule:   "* * * * *",
			RetentionEventDays: 90,
		},
	}
}

// HomeDir resolves the fabric home directory, honoring TURNFABRIC_HOME.
func HomeDir() string {
	if override := os.Getenv("TURNFABRIC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnfabric")
}

// Load reads <home>/config.yaml, applies env overrides, and normalizes.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads config rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turnfabric home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Lock.LeaseTTLSeconds <= 0 {
		cfg.Lock.LeaseTTLSeconds = 30
	}
	if cfg.Lock.WaitTimeoutSeconds <= 0 {
		cfg.Lock.WaitTimeoutSeconds = 10
	}
	if cfg.Lock.HeartbeatSeconds <= 0 || cfg.Lock.HeartbeatSeconds >= cfg.Lock.LeaseTTLSeconds {
		// Heartbeat must beat the lease or extension is pointless.
		cfg.Lock.HeartbeatSeconds = cfg.Lock.LeaseTTLSeconds / 3
		if cfg.Lock.HeartbeatSeconds <= 0 {
			cfg.Lock.HeartbeatSeconds = 1
		}
	}
	if cfg.Accumulation.MinWindowMs <= 0 {
		cfg.Accumulation.MinWindowMs = 200
	}
	if cfg.Accumulation.MaxWindowMs < cfg.Accumulation.MinWindowMs {
		cfg.Accumulation.MaxWindowMs = cfg.Accumulation.MinWindowMs * 10
	}
	if cfg.Idempotency.RequestTTLSeconds <= 0 {
		cfg.Idempotency.RequestTTLSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Idempotency.BeatTTLSeconds <= 0 {
		cfg.Idempotency.BeatTTLSeconds = 30
	}
	if cfg.Idempotency.SideEffectTTLSeconds <= 0 {
		cfg.Idempotency.SideEffectTTLSeconds = int((24 * time.Hour).Seconds())
	}
	if cfg.Artifacts.TTLSeconds <= 0 {
		cfg.Artifacts.TTLSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.HomeDir, "fabric.db")
	}
	switch cfg.Storage.DegradedMode {
	case "fail_open", "fail_closed":
	default:
		cfg.Storage.DegradedMode = "fail_closed"
	}
	if cfg.ChannelPolicyPath == "" {
		cfg.ChannelPolicyPath = "channels.yaml"
	}
	if !filepath.IsAbs(cfg.ChannelPolicyPath) {
		cfg.ChannelPolicyPath = filepath.Join(cfg.HomeDir, cfg.ChannelPolicyPath)
	}
	if cfg.Maintenance.LockSweepSchedule == "" {
		cfg.Maintenance.LockSweepSchedule = "* * * * *"
	}
	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = "*/5 * * * *"
	}
	if cfg.Maintenance.RecoverySchedule == "" {
		cfg.Maintenance.RecoverySchedule = "* * * * *"
	}
	if cfg.Maintenance.RetentionEventDays <= 0 {
		cfg.Maintenance.RetentionEventDays = 90
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TURNFABRIC_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TURNFABRIC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TURNFABRIC_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TURNFABRIC_DB_PATH"); raw != "" {
		cfg.Storage.Path = raw
	}
	if raw := os.Getenv("TURNFABRIC_LEASE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lock.LeaseTTLSeconds = v
		}
	}
	if raw := os.Getenv("TURNFABRIC_LOCK_WAIT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lock.WaitTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TURNFABRIC_DEGRADED_MODE"); raw != "" {
		cfg.Storage.DegradedMode = raw
	}
}

// LeaseTTL returns the lock lease TTL as a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lock.LeaseTTLSeconds) * time.Second
}

// LockWaitTimeout returns the lock acquisition bound as a duration.
func (c Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.Lock.WaitTimeoutSeconds) * time.Second
}

// Heartbeat returns the lease extension interval as a duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Lock.HeartbeatSeconds) * time.Second
}

// MinWindow returns the accumulation floor as a duration.
func (c Config) MinWindow() time.Duration {
	return time.Duration(c.Accumulation.MinWindowMs) * time.Millisecond
}

// MaxWindow returns the accumulation ceiling as a duration.
func (c Config) MaxWindow() time.Duration {
	return time.Duration(c.Accumulation.MaxWindowMs) * time.Millisecond
}

// FailOpen reports whether degraded mode processes unprotected.
func (c Config) FailOpen() bool {
	return c.Storage.DegradedMode == "fail_open"
}
