// Package sysutil holds process-level helpers used by cmd/server.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
// Anything else selects info.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetupLogger replaces the global logger. Output is JSON with RFC 3339
// millisecond timestamps, or a human-readable console format when pretty is
// set. A nil w writes to stdout.
func SetupLogger(level string, pretty bool, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetLogLevel(level)

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", "applications").Logger()
}

// FirstNonEmpty returns the first value that is not blank, unmodified.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
