// Package config loads and normalizes the daemon's config.yaml.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig describes the message-bridge subprocess and its wire settings.
type BridgeConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// RequestTimeoutSeconds bounds each JSON-RPC request. Default 30.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// StartupTimeoutSeconds bounds waiting for the subprocess to come up. Default 20.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
	// MaxLineBytes bounds a single wire line; longer lines are dropped. Default 1 MiB.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// SinceMode controls the first-contact fetch window for a conversation with no
	// cursor: "now" starts at daemon startup time, "genesis" starts at rowid 0.
	SinceMode string `yaml:"since_mode"`
}

// LaneConfig tunes the dispatch coordinator.
type LaneConfig struct {
	// FastCommands lists command prefixes eligible for fast-lane handling.
	FastCommands []string `yaml:"fast_commands"`
	// AckDelaySeconds is how long a queue-lane action may run before a holding
	// acknowledgement is sent. Default 10.
	AckDelaySeconds int    `yaml:"ack_delay_seconds"`
	AckText         string `yaml:"ack_text"`
	// FastRecordTTLSeconds bounds how long fast-lane dedup records live. Default 300.
	FastRecordTTLSeconds int `yaml:"fast_record_ttl_seconds"`
	// SweepIntervalSeconds is the dedup-map eviction cadence. Default 60.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// JobsConfig tunes the scheduler.
type JobsConfig struct {
	// StuckTimeoutMinutes is how old a persisted running marker must be before the
	// job is declared stuck at startup. Default 120.
	StuckTimeoutMinutes int `yaml:"stuck_timeout_minutes"`
	// MaxTimerMinutes clamps a single timer arm; longer deadlines re-arm in chunks.
	// Default 360.
	MaxTimerMinutes int `yaml:"max_timer_minutes"`
	// RunLogWarnBytes logs a warning at startup when runs.jsonl exceeds this size.
	// 0 disables the check.
	RunLogWarnBytes int64 `yaml:"run_log_warn_bytes"`
}

// SessionConfig describes the default session executor command.
type SessionConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// RouteConfig maps a conversation to its workspace.
type RouteConfig struct {
	ConversationID string `yaml:"conversation_id"`
	Workspace      string `yaml:"workspace"`
	Active         *bool  `yaml:"active"` // nil means active
}

// TelemetryConfig mirrors internal/otel.Config.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Bridge    BridgeConfig    `yaml:"bridge"`
	Lane      LaneConfig      `yaml:"lane"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Session   SessionConfig   `yaml:"session"`
	Routes    []RouteConfig   `yaml:"routes"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Bridge: BridgeConfig{
			RequestTimeoutSeconds: 30,
			StartupTimeoutSeconds: 20,
			MaxLineBytes:          1 << 20,
			SinceMode:             "now",
		},
		Lane: LaneConfig{
			FastCommands:         []string{"/where", "/status", "/ping"},
			AckDelaySeconds:      10,
			AckText:              "On it.",
			FastRecordTTLSeconds: 300,
			SweepIntervalSeconds: 60,
		},
		Jobs: JobsConfig{
			StuckTimeoutMinutes: 120,
			MaxTimerMinutes:     360,
			RunLogWarnBytes:     64 << 20,
		},
		Session: SessionConfig{
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
	}
}

// HomeDir returns the daemon home, honoring the MSGCODE_HOME override.
func HomeDir() string {
	if override := os.Getenv("MSGCODE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".msgcode")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// JobsPath returns the path to the persisted job store within the home directory.
func JobsPath(homeDir string) string {
	return filepath.Join(homeDir, "jobs.json")
}

// CursorsPath returns the path to the persisted cursor store within the home directory.
func CursorsPath(homeDir string) string {
	return filepath.Join(homeDir, "cursors.json")
}

// RunsPath returns the path to the append-only job run history.
func RunsPath(homeDir string) string {
	return filepath.Join(homeDir, "runs.jsonl")
}

// Load reads config.yaml from the daemon home, applying defaults and env overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create msgcode home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Bridge.RequestTimeoutSeconds <= 0 {
		cfg.Bridge.RequestTimeoutSeconds = 30
	}
	if cfg.Bridge.StartupTimeoutSeconds <= 0 {
		cfg.Bridge.StartupTimeoutSeconds = 20
	}
	if cfg.Bridge.MaxLineBytes <= 0 {
		cfg.Bridge.MaxLineBytes = 1 << 20
	}
	if cfg.Bridge.SinceMode == "" {
		cfg.Bridge.SinceMode = "now"
	}
	if len(cfg.Lane.FastCommands) == 0 {
		cfg.Lane.FastCommands = []string{"/where", "/status", "/ping"}
	}
	if cfg.Lane.AckDelaySeconds <= 0 {
		cfg.Lane.AckDelaySeconds = 10
	}
	if cfg.Lane.AckText == "" {
		cfg.Lane.AckText = "On it."
	}
	if cfg.Lane.FastRecordTTLSeconds <= 0 {
		cfg.Lane.FastRecordTTLSeconds = 300
	}
	if cfg.Lane.SweepIntervalSeconds <= 0 {
		cfg.Lane.SweepIntervalSeconds = 60
	}
	if cfg.Jobs.StuckTimeoutMinutes <= 0 {
		cfg.Jobs.StuckTimeoutMinutes = 120
	}
	if cfg.Jobs.MaxTimerMinutes <= 0 {
		cfg.Jobs.MaxTimerMinutes = 360
	}
	if cfg.Session.TimeoutSeconds <= 0 {
		cfg.Session.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
}

func validate(cfg *Config) error {
	switch cfg.Bridge.SinceMode {
	case "now", "genesis":
	default:
		return fmt.Errorf("bridge.since_mode must be \"now\" or \"genesis\", got %q", cfg.Bridge.SinceMode)
	}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if strings.TrimSpace(r.ConversationID) == "" {
			return fmt.Errorf("route with empty conversation_id")
		}
		if _, dup := seen[r.ConversationID]; dup {
			return fmt.Errorf("duplicate route for conversation %q", r.ConversationID)
		}
		seen[r.ConversationID] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MSGCODE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MSGCODE_BRIDGE_COMMAND"); raw != "" {
		cfg.Bridge.Command = raw
	}
	if raw := os.Getenv("MSGCODE_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Bridge.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MSGCODE_ACK_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lane.AckDelaySeconds = v
		}
	}
	if raw := os.Getenv("MSGCODE_STUCK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Jobs.StuckTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("MSGCODE_SESSION_COMMAND"); raw != "" {
		cfg.Session.Command = raw
	}
}

// Fingerprint returns a stable hash of the settings that shape runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|bridge=%s|timeout=%d|since=%s|ack=%d|stuck=%d|routes=%d",
		c.LogLevel, c.Bridge.Command, c.Bridge.RequestTimeoutSeconds, c.Bridge.SinceMode,
		c.Lane.AckDelaySeconds, c.Jobs.StuckTimeoutMinutes, len(c.Routes))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RequestTimeout returns the bridge request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Bridge.RequestTimeoutSeconds) * time.Second
}

// AckDelay returns the acknowledgement delay as a duration.
func (c Config) AckDelay() time.Duration {
	return time.Duration(c.Lane.AckDelaySeconds) * time.Second
}

// StuckTimeout returns the stuck-job threshold as a duration.
func (c Config) StuckTimeout() time.Duration {
	return time.Duration(c.Jobs.StuckTimeoutMinutes) * time.Minute
}
