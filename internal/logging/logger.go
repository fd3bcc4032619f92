// Package logging builds the structured loggers used by every role.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the log level and output format.
type Options struct {
	Level   string // debug | info | warn | error
	Format  string // json | pretty
	Service string // role name, attached to every event
}

// New creates a structured logger.
//
// JSON output is the production default; pretty is for local development.
// The service field lets one log stream carry all five roles.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", opts.Service).
		Logger()
}
