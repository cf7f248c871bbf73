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

const (
	defaultBindAddr         = "127.0.0.1:37777"
	defaultSweepSchedule    = "*/5 * * * *"
	defaultMetricsNamespace = "claude_mem"
)

// QueueConfig controls how claimed items are processed.
type QueueConfig struct {
	// MaxRetries is the automatic retry ceiling per item. Default 3; 0 fails an
	// item on its first error.
	MaxRetries int `yaml:"max_retries"`
	// ItemTimeoutSeconds bounds a single worker call. Default 300.
	ItemTimeoutSeconds int `yaml:"item_timeout_seconds"`
	// MaxQueueDepth rejects new items once this many are unfinished. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// RecoveryConfig controls the orphan recovery sweep.
type RecoveryConfig struct {
	// StuckThresholdSeconds is how long an item may stay in flight before it is
	// presumed orphaned. Default 300.
	StuckThresholdSeconds int `yaml:"stuck_threshold_seconds"`
	// MaxSessions caps how many consumer loops one sweep starts. Default 10.
	MaxSessions int `yaml:"max_sessions"`
	// StartDelayMillis spaces out consumer starts within a sweep. Default 100.
	StartDelayMillis int `yaml:"start_delay_ms"`
	// SweepSchedule is a 5-field cron expression for periodic sweeps.
	// "off" disables periodic sweeps; the startup sweep always runs.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// WorkerMode selects the item transformer. Only "passthrough" ships here.
	WorkerMode string `yaml:"worker_mode"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	MetricsNamespace string `yaml:"metrics_namespace"`

	// APIToken, when set, must be sent as a Bearer token on /api routes.
	APIToken string `yaml:"api_token"`
	// AllowedOrigins lists cross-origin patterns accepted by the HTTP API and
	// the event stream. Same-origin requests are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxBodyBytes caps request bodies. 0 uses default (10MB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Queue     QueueConfig     `yaml:"queue"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.Queue.ItemTimeoutSeconds) * time.Second
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.Recovery.StuckThresholdSeconds) * time.Second
}

func (c Config) StartDelay() time.Duration {
	return time.Duration(c.Recovery.StartDelayMillis) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// SweepEnabled reports whether periodic recovery sweeps are scheduled.
func (c Config) SweepEnabled() bool {
	return c.Recovery.SweepSchedule != "off"
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape queue behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|worker=%s|retries=%d|timeout=%d|depth=%d|stuck=%d|sweep=%s",
		c.BindAddr, c.LogLevel, c.DBPath, c.WorkerMode, c.Queue.MaxRetries, c.Queue.ItemTimeoutSeconds,
		c.Queue.MaxQueueDepth, c.Recovery.StuckThresholdSeconds, c.Recovery.SweepSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		WorkerMode:          "passthrough",
		DrainTimeoutSeconds: 5,
		MetricsNamespace:    defaultMetricsNamespace,
		Queue: QueueConfig{
			MaxRetries:         3,
			ItemTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Recovery: RecoveryConfig{
			StuckThresholdSeconds: int((5 * time.Minute).Seconds()),
			MaxSessions:           10,
			StartDelayMillis:      100,
			SweepSchedule:         defaultSweepSchedule,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "claude-mem",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAUDE_MEM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".claude-mem")
}

// Load reads <home>/config.yaml over the defaults, applies environment
// overrides and normalizes the result. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create claude-mem home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "claude-mem.db")
	}
	cfg.WorkerMode = strings.ToLower(strings.TrimSpace(cfg.WorkerMode))
	if cfg.WorkerMode == "" {
		cfg.WorkerMode = "passthrough"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = defaultMetricsNamespace
	}
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Queue.ItemTimeoutSeconds <= 0 {
		cfg.Queue.ItemTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Queue.MaxQueueDepth < 0 {
		cfg.Queue.MaxQueueDepth = 0
	}
	if cfg.Recovery.StuckThresholdSeconds <= 0 {
		cfg.Recovery.StuckThresholdSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Recovery.MaxSessions <= 0 {
		cfg.Recovery.MaxSessions = 10
	}
	if cfg.Recovery.StartDelayMillis < 0 {
		cfg.Recovery.StartDelayMillis = 0
	}
	cfg.Recovery.SweepSchedule = strings.TrimSpace(cfg.Recovery.SweepSchedule)
	if cfg.Recovery.SweepSchedule == "" {
		cfg.Recovery.SweepSchedule = defaultSweepSchedule
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "claude-mem"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	switch cfg.WorkerMode {
	case "passthrough":
	default:
		return fmt.Errorf("unknown worker_mode %q", cfg.WorkerMode)
	}
	switch cfg.Telemetry.Exporter {
	case "otlp", "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("unknown telemetry exporter %q", cfg.Telemetry.Exporter)
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0, got %d", cfg.Queue.MaxRetries)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAUDE_MEM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_WORKER_MODE"); raw != "" {
		cfg.WorkerMode = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxRetries = v
		}
	}
	if raw := os.Getenv("CLAUDE_MEM_ITEM_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.ItemTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAUDE_MEM_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAUDE_MEM_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_SWEEP_SCHEDULE"); raw != "" {
		cfg.Recovery.SweepSchedule = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
