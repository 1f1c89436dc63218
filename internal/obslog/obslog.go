// Package obslog adapts rs/zerolog into the small Warnf/Infof
// interfaces each package in this module defines for itself (events,
// statustracker, connectivity, sync, wsclient, cacheinvalidation).
// Structured, leveled logging via zerolog replaces the teacher's
// stdlib log.Printf-with-emoji convention (cmd/server/main.go), kept
// here as the one place that imports zerolog directly so the rest of
// the module stays logging-library-agnostic at its interfaces.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger and exposes the printf-style methods
// this module's packages expect.
type Logger struct {
	z zerolog.Logger
}

// New builds a console-friendly logger writing to w (os.Stdout if nil).
func New(w io.Writer, environment string) Logger {
	if w == nil {
		w = os.Stdout
	}
	var output io.Writer = w
	if environment != "production" {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return Logger{z: zerolog.New(output).With().Timestamp().Logger()}
}

// Warnf logs at warn level.
func (l Logger) Warnf(format string, args ...any) {
	l.z.Warn().Msgf(format, args...)
}

// Infof logs at info level.
func (l Logger) Infof(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

// Errorf logs at error level.
func (l Logger) Errorf(format string, args ...any) {
	l.z.Error().Msgf(format, args...)
}

// With returns a child logger carrying component=name in every
// subsequent entry, mirroring the teacher's per-subsystem log prefixes.
func (l Logger) With(component string) Logger {
	return Logger{z: l.z.With().Str("component", component).Logger()}
}
