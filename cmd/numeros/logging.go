package main

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// newZerolog builds the process logger: human readable console output in
// development, JSON lines in production.
func newZerolog(cfg *appConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if !cfg.isProd() {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("component", "numeros").Logger()
}
