// Package logging wraps zerolog to give every overlay component a
// structured, leveled, component-scoped logger instead of ad hoc
// log.Println calls.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Base is the process-wide logger. Init replaces it; packages that
// grab a component logger before Init still work against the zerolog
// default (stderr, info level).
var Base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls how Init sets up the base logger.
type Config struct {
	Debug  bool
	Output io.Writer
}

// Init configures the base logger. Call once, before mounting.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	Base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// For returns a logger tagged with the component name, e.g.
// logging.For("store") or logging.For("ops").
func For(component string) zerolog.Logger {
	return Base.With().Str("component", component).Logger()
}
