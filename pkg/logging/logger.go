// Package logging configures structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the destination (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
// Component loggers created afterwards with NewLogger inherit its output.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to Info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component names used as the "component" field.
const (
	ComponentCache   = "cache"
	ComponentFetch   = "fetch"
	ComponentLoader  = "loader"
	ComponentPreload = "preload"
	ComponentProxy   = "proxy"
)

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForResource derives a logger carrying the canonical url of one resource.
func ForResource(logger zerolog.Logger, url string) zerolog.Logger {
	return logger.With().Str("url", url).Logger()
}

// Log Level Guidelines:
//
// Debug: cache hits and misses, stored ranges, request state transitions
// Info: metadata resets, retention results, preload completion, server lifecycle
// Warn: degraded storage (read fell back to network), retries, lease errors
// Error: failed loading requests, failed preloads, unusable configuration
//
// Context Fields:
//   - component: cache, loader, preload, fetch, proxy
//   - url: canonical resource URL
//   - offset / length: byte window of a request
//   - total_cached: cumulative cached bytes of a resource
//   - error_class: network, server, client
