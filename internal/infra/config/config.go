// Package config loads and validates the daemon configuration from YAML,
// with ISSUEPILOT_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Engines  EnginesConfig  `yaml:"engines"`
	Retry    RetryConfig    `yaml:"retry"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite database file
}

// RegistryConfig holds process supervision settings.
type RegistryConfig struct {
	MaxActive    int           `yaml:"max_active"`    // ceiling on concurrent engine runs
	KillTimeout  time.Duration `yaml:"kill_timeout"`  // grace before force-kill on cancel
	CleanupDelay time.Duration `yaml:"cleanup_delay"` // auto-remove finished entries after this
}

// EnginesConfig holds engine executor settings.
type EnginesConfig struct {
	DefaultType   string            `yaml:"default_type"` // "claude" or "codex"
	WorkspaceRoot string            `yaml:"workspace_root"`
	Models        map[string]string `yaml:"models,omitempty"` // engine type → default model override
	Claude        CLIEngineConfig   `yaml:"claude"`
	Codex         CLIEngineConfig   `yaml:"codex"`
}

// CLIEngineConfig holds settings for one CLI-backed engine.
type CLIEngineConfig struct {
	Binary         string   `yaml:"binary"`
	PermissionMode string   `yaml:"permission_mode,omitempty"`
	ExtraArgs      []string `yaml:"extra_args,omitempty"`
	OutputMax      int      `yaml:"output_max"` // per-execution raw output ring buffer size
}

// RetryConfig holds automatic failure-retry settings.
type RetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Burst    int           `yaml:"burst"`    // retries allowed before the limiter refuses
	Interval time.Duration `yaml:"interval"` // limiter refill interval
}

// SweepConfig holds garbage-collection settings for orphaned bookkeeping.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "@every 10m"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.issuepilot.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".issuepilot")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "issuepilot.db"),
		},
		Registry: RegistryConfig{
			MaxActive:    8,
			KillTimeout:  5 * time.Second,
			CleanupDelay: 5 * time.Minute,
		},
		Engines: EnginesConfig{
			DefaultType:   "claude",
			WorkspaceRoot: filepath.Join(dataDir, "worktrees"),
			Claude: CLIEngineConfig{
				Binary:         "claude",
				PermissionMode: "acceptEdits",
				OutputMax:      1024 * 1024,
			},
			Codex: CLIEngineConfig{
				Binary:    "codex",
				OutputMax: 1024 * 1024,
			},
		},
		Retry: RetryConfig{
			Enabled:  true,
			Burst:    1,
			Interval: time.Minute,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@every 10m",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ISSUEPILOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ISSUEPILOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ISSUEPILOT_REGISTRY_MAX_ACTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Registry.MaxActive = n
		}
	}
	if v := os.Getenv("ISSUEPILOT_REGISTRY_KILL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Registry.KillTimeout = d
		}
	}
	if v := os.Getenv("ISSUEPILOT_REGISTRY_CLEANUP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Registry.CleanupDelay = d
		}
	}
	if v := os.Getenv("ISSUEPILOT_ENGINES_DEFAULT_TYPE"); v != "" {
		cfg.Engines.DefaultType = v
	}
	if v := os.Getenv("ISSUEPILOT_ENGINES_WORKSPACE_ROOT"); v != "" {
		cfg.Engines.WorkspaceRoot = v
	}
	if v := os.Getenv("ISSUEPILOT_ENGINES_CLAUDE_BINARY"); v != "" {
		cfg.Engines.Claude.Binary = v
	}
	if v := os.Getenv("ISSUEPILOT_ENGINES_CODEX_BINARY"); v != "" {
		cfg.Engines.Codex.Binary = v
	}
	if v := os.Getenv("ISSUEPILOT_RETRY_ENABLED"); v == "false" {
		cfg.Retry.Enabled = false
	}
	if v := os.Getenv("ISSUEPILOT_SWEEP_ENABLED"); v == "false" {
		cfg.Sweep.Enabled = false
	}
	if v := os.Getenv("ISSUEPILOT_SWEEP_SCHEDULE"); v != "" {
		cfg.Sweep.Schedule = v
	}
	if v := os.Getenv("ISSUEPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ISSUEPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ISSUEPILOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ISSUEPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
