package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the service logger writing to w. format is "json" or
// "console"; an unknown level falls back to info.
func New(w io.Writer, service, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
}
