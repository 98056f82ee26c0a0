package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStore(cfg, ve)
	validateRegistry(cfg, ve)
	validateEngines(cfg, ve)
	validateRetry(cfg, ve)
	validateSweep(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if cfg.Registry.MaxActive < 0 {
		ve.Add("registry.max_active must be >= 0")
	}
	if cfg.Registry.KillTimeout <= 0 {
		ve.Add("registry.kill_timeout must be > 0")
	}
	if cfg.Registry.CleanupDelay < 0 {
		ve.Add("registry.cleanup_delay must be >= 0")
	}
}

var validEngineTypes = map[string]bool{
	"claude": true,
	"codex":  true,
}

func validateEngines(cfg *Config, ve *ValidationError) {
	if !validEngineTypes[cfg.Engines.DefaultType] {
		ve.Add("engines.default_type %q is not a known engine type", cfg.Engines.DefaultType)
	}
	if cfg.Engines.WorkspaceRoot == "" {
		ve.Add("engines.workspace_root must not be empty")
	}
	for name, ec := range map[string]CLIEngineConfig{"claude": cfg.Engines.Claude, "codex": cfg.Engines.Codex} {
		if ec.Binary == "" {
			ve.Add("engines.%s.binary must not be empty", name)
		}
		if ec.OutputMax <= 0 {
			ve.Add("engines.%s.output_max must be > 0", name)
		}
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	if !cfg.Retry.Enabled {
		return
	}
	if cfg.Retry.Burst <= 0 {
		ve.Add("retry.burst must be > 0 when retry is enabled")
	}
	if cfg.Retry.Interval <= 0 {
		ve.Add("retry.interval must be > 0 when retry is enabled")
	}
}

func validateSweep(cfg *Config, ve *ValidationError) {
	if cfg.Sweep.Enabled && cfg.Sweep.Schedule == "" {
		ve.Add("sweep.schedule must not be empty when sweep is enabled")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not a known level", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not a known format", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
