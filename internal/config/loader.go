package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024

// envPrefix scopes environment overrides to flowd.
const envPrefix = "FLOWD_"

// defaultsYAML seeds settings whose zero value is itself meaningful, so a
// config file or environment variable can still turn them off. Everything
// else defaults in applyDefaults.
const defaultsYAML = `
pipeline:
  low_confidence_pass: true
`

// Load loads configuration with the following precedence (highest first):
//
//  1. Environment variables (FLOWD_SERVER_PORT, FLOWD_BACKEND_MODEL, ...)
//  2. YAML config file, when configPath is non-empty and the file exists
//  3. Defaults
//
// Environment variables map section_field to section.field: the first
// underscore separates the section, the rest stays in the field name, so
// FLOWD_PIPELINE_MAX_ITERATIONS becomes pipeline.max_iterations.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFile reads and parses the YAML file. The file descriptor is opened
// once and validated through its own stat to avoid a check-then-open race.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}
	if err := validateFileProperties(info); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// validateFileProperties checks permissions and size. Config may carry a
// DSN, so group/world readable files are rejected.
func validateFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm&0o077 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or stricter)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
