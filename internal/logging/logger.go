// Package logging builds the structured zerolog loggers used across every
// component. Each component gets its own logger carrying a "component"
// field rather than formatting strings by hand.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the base logger for the process at the given level
// ("debug", "info", "warn", "error"). Output is JSON to stdout so a log
// aggregator can index it directly; unrecognized levels fall back to
// info rather than failing startup over a cosmetic option.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger scoped to one named component, so log
// lines can be filtered by component without string matching on Msg.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Timestamp().Logger()
}

// init ensures zerolog formats times the same way regardless of the
// platform's locale defaults.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
