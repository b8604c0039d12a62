// Package logging configures the structured logger used across the
// broker.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Formats accepted by New.
const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// New constructs the process logger with the given minimum level and
// output format.
func New(level, format string) (zerolog.Logger, error) {
	parsed, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var logger zerolog.Logger
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "":
		logger = zerolog.New(os.Stdout)
	case FormatPretty:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return logger.Level(parsed).With().
		Timestamp().
		Str("service", "tpafd").
		Logger(), nil
}

// NewTest returns a logger that discards output, suitable for tests.
func NewTest() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}
