package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the service logger. Development environments get a human
// readable console writer; everything else logs JSON lines to stdout.
func New(appEnv, service string) zerolog.Logger {
	return NewWithWriter(appEnv, service, os.Stdout)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(appEnv, service string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	dev := appEnv == "dev" || appEnv == "development"
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}
