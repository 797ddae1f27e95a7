// Package logger builds the process logger and the per-component loggers
// derived from it. There is no package state: main constructs one logger and
// passes it down.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const service = "truck-notifier"

// Options controls how New builds the logger.
type Options struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	// Empty means info.
	Level string
	// Pretty switches to human-friendly console output.
	Pretty bool
	// Output defaults to os.Stderr so -once output on stdout stays parseable.
	Output io.Writer
	// Location stamps log times in the collection schedule's zone, so they
	// line up with the point times reported by the API. Defaults to UTC.
	Location *time.Location
	// Clock is the time source. Defaults to time.Now.
	Clock func() time.Time
}

// New returns a logger tagged with the service name. An unknown level falls
// back to info; config validation rejects it before this point.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(lvl).
		Hook(zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
			e.Str(zerolog.TimestampFieldName, clock().In(loc).Format(time.RFC3339))
		})).
		With().
		Str("service", service).
		Logger()
}

// Component derives the logger handed to one subsystem.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}
