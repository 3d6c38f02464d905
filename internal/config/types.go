// Package config provides configuration loading for flowd.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Events        EventsConfig        `koanf:"events"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	Breaker       BreakerConfig       `koanf:"breaker"`
	Backend       BackendConfig       `koanf:"backend"`
	Validation    ValidationConfig    `koanf:"validation"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       logging.Config      `koanf:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PipelineConfig controls the engine.
type PipelineConfig struct {
	// MaxIterations is the default repair budget for tasks that do not set
	// one. Bounded by the same ceiling as per-task config.
	MaxIterations int `koanf:"max_iterations"`

	// StageTimeout bounds a single stage invocation.
	StageTimeout time.Duration `koanf:"stage_timeout"`

	// MaxConcurrent bounds simultaneously executing tasks.
	MaxConcurrent int `koanf:"max_concurrent"`

	// LowConfidencePass treats finding-free validation outcomes as passes.
	LowConfidencePass bool `koanf:"low_confidence_pass"`

	// MinConfidence is the aggregate confidence floor used when
	// LowConfidencePass is off.
	MinConfidence float64 `koanf:"min_confidence"`

	// SweepInterval is how often event channels and checkpoints are
	// garbage-collected.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// EventsConfig controls per-task event buffering.
type EventsConfig struct {
	BufferSize int           `koanf:"buffer_size"`
	Retention  time.Duration `koanf:"retention"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	// Store is one of "memory", "file", "postgres".
	Store     string        `koanf:"store"`
	Dir       string        `koanf:"dir"`
	DSN       string        `koanf:"dsn"`
	Retention time.Duration `koanf:"retention"`
}

// BreakerConfig tunes the per-backend circuit breakers.
type BreakerConfig struct {
	Threshold   int           `koanf:"threshold"`
	Window      time.Duration `koanf:"window"`
	Cooldown    time.Duration `koanf:"cooldown"`
	MaxCooldown time.Duration `koanf:"max_cooldown"`
}

// BackendConfig selects the generation backend.
type BackendConfig struct {
	// Provider is "anthropic" or "fake" (tests and local dev).
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never appears in config files.
	APIKeyEnv string `koanf:"api_key_env"`

	// RequestsPerMinute caps outbound calls client-side. Zero disables.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	MaxTokens int `koanf:"max_tokens"`
}

// ValidationConfig declares the checks run against each generated
// artifact. Rules are evaluated in-process; tools shell out.
type ValidationConfig struct {
	Rules []RuleConfig `koanf:"rules"`
	Tools []ToolConfig `koanf:"tools"`
}

// RuleConfig is one static pattern check.
type RuleConfig struct {
	Name    string `koanf:"name"`
	Pattern string `koanf:"pattern"`

	// Forbid inverts the check: a match produces a finding instead of the
	// absence of one.
	Forbid   bool   `koanf:"forbid"`
	Message  string `koanf:"message"`
	Severity string `koanf:"severity"`
}

// ToolConfig is one external command invoked with the artifact path as its
// final argument.
type ToolConfig struct {
	Name    string        `koanf:"name"`
	Command string        `koanf:"command"`
	Args    []string      `koanf:"args"`
	Timeout time.Duration `koanf:"timeout"`
}

// RetrievalConfig controls the supplementary context provider.
type RetrievalConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	TopK       int    `koanf:"top_k"`
}

// ObservabilityConfig controls telemetry export.
type ObservabilityConfig struct {
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
	Enabled      bool   `koanf:"enabled"`
}

// applyDefaults sets defaults for missing values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8484
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Pipeline.MaxIterations == 0 {
		cfg.Pipeline.MaxIterations = task.DefaultMaxIterations
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.MaxConcurrent == 0 {
		cfg.Pipeline.MaxConcurrent = 8
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = 10 * time.Minute
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.Retention == 0 {
		cfg.Events.Retention = time.Hour
	}

	if cfg.Checkpoint.Store == "" {
		cfg.Checkpoint.Store = "memory"
	}
	if cfg.Checkpoint.Retention == 0 {
		cfg.Checkpoint.Retention = 24 * time.Hour
	}

	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = time.Minute
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Breaker.MaxCooldown == 0 {
		cfg.Breaker.MaxCooldown = 10 * time.Minute
	}

	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "anthropic"
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = "claude-sonnet-4-5"
	}
	if cfg.Backend.APIKeyEnv == "" {
		cfg.Backend.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.Backend.MaxTokens == 0 {
		cfg.Backend.MaxTokens = 8192
	}

	if cfg.Retrieval.Collection == "" {
		cfg.Retrieval.Collection = "flowd_context"
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "flowd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging = *logging.NewDefaultConfig()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	if c.Pipeline.MaxIterations < 1 || c.Pipeline.MaxIterations > task.MaxIterationCeiling {
		return fmt.Errorf("pipeline.max_iterations must be 1-%d, got %d",
			task.MaxIterationCeiling, c.Pipeline.MaxIterations)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be >= 1, got %d", c.Pipeline.MaxConcurrent)
	}

	switch c.Checkpoint.Store {
	case "memory":
	case "file":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir required for file store")
		}
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn required for postgres store")
		}
	default:
		return fmt.Errorf("checkpoint.store must be memory, file or postgres, got %q", c.Checkpoint.Store)
	}

	switch c.Backend.Provider {
	case "anthropic", "fake":
	default:
		return fmt.Errorf("backend.provider must be anthropic or fake, got %q", c.Backend.Provider)
	}

	for _, r := range c.Validation.Rules {
		if r.Name == "" {
			return fmt.Errorf("validation.rules entries require a name")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("validation.rules[%s].pattern: %w", r.Name, err)
		}
	}
	for _, t := range c.Validation.Tools {
		if t.Name == "" || t.Command == "" {
			return fmt.Errorf("validation.tools entries require name and command")
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
