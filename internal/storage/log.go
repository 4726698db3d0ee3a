package storage

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds the engine's structured logger. Callers that don't care
// about log output (most tests) can pass zerolog.Nop().
func newLogger(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
