// Package gslog wires structured operator logging via zerolog. CLI-facing
// progress (the text a human watches scroll by) stays a plain io.Writer in
// the command layer; this logger is for the structured trail operators
// query after the fact (error kinds, durations, offending identifiers).
package gslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexngai/gitswarm/internal/gserr"
)

// New builds a logger writing to w (os.Stderr if nil) at the given level
// ("debug", "info", "warn", "error"; invalid values default to info).
func New(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Err logs a *gserr.Error with its kind, reason, and fields promoted to
// structured log fields, matching spec's "operators see structured
// metadata including the offending identifiers" requirement.
func Err(log zerolog.Logger, msg string, err error) {
	ev := log.Error()
	var gerr *gserr.Error
	if e, ok := err.(*gserr.Error); ok {
		gerr = e
		ev = ev.Str("kind", string(gerr.Kind)).Str("reason", gerr.Reason)
		for k, v := range gerr.Fields {
			ev = ev.Interface(k, v)
		}
	}
	ev.Err(err).Msg(msg)
}

// Duration returns time.Since(start) in milliseconds, the unit
// the rest of the codebase (timeouts, stabilize output caps) reasons in.
func Duration(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
