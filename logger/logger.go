// Package logger builds the zerolog loggers used by the server and its loops.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options describe a logger. Zero values mean info level, console output to stderr.
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New builds a logger with UTC timestamps. An unknown level falls back to info
// and is reported through the new logger.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	w := out
	if !strings.EqualFold(opts.Format, FormatJSON) {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	level, err := parseLevel(opts.Level)

	l := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()

	if err != nil {
		l.Warn().Str("level", opts.Level).Msg("unknown log level, using info")
	}

	return l
}

// WithComponent tags every message of l with the component name.
func WithComponent(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, err
	}
	return level, nil
}
