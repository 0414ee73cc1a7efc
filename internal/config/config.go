// Package config provides configuration loading for agenthost.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for agenthost.
type Config struct {
	// Event bridge settings
	Addr        string
	BridgeToken string

	// Adapter launcher settings
	Prefer     string
	ForwardEnv []string

	// Terminal settings
	DefaultRows         int
	DefaultCols         int
	TerminalOutputLimit int

	// Session settings
	StderrCaptureLimit int
	EventBuffer        int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
}

// Load reads configuration from environment variables. Every value has a
// usable default; agenthost runs with an empty environment.
func Load() *Config {
	cfg := &Config{
		Addr:        getEnv("AGENTHOST_ADDR", "127.0.0.1:7333"),
		BridgeToken: getEnv("AGENTHOST_TOKEN", ""),

		Prefer:     getEnv("AGENTHOST_PREFER", ""),
		ForwardEnv: resolveForwardEnv(getEnvStringSlice("AGENTHOST_FORWARD_ENV", nil)),

		DefaultRows:         getEnvInt("TERM_DEFAULT_ROWS", 24),
		DefaultCols:         getEnvInt("TERM_DEFAULT_COLS", 80),
		TerminalOutputLimit: getEnvInt("TERM_OUTPUT_LIMIT", 1048576),

		StderrCaptureLimit: getEnvInt("STDERR_CAPTURE_LIMIT", 4096),
		EventBuffer:        getEnvInt("EVENT_BUFFER", 256),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
	}
	return cfg
}

// resolveForwardEnv turns a list of variable names into NAME=value pairs
// from the host environment, skipping unset names.
func resolveForwardEnv(names []string) []string {
	var result []string
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			result = append(result, name+"="+v)
		}
	}
	return result
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
