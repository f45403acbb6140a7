// Package logging configures zerolog for the risk controller. Every
// component gets a sub-logger tagged with its name so the event stream
// can be filtered per concern.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // "stdout", "stderr", or file path
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

// New creates the root logger from config.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = f
		}
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// Component returns a sub-logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
