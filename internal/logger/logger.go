// Package logger provides the agent session core's structured logging,
// A package-global zerolog.Logger plus component-scoped child loggers,
// one per long-lived actor kind (Session, Gateway, Registry, Listener).
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance; Initialize configures it before use.
var Log zerolog.Logger

// Initialize sets up the global logger with the given level and format.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "agentcore").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Session returns a logger scoped to a specific agent session, carrying its
// login so every line from that session's goroutine is attributable without
// threading a logger through every call.
func Session(login string) zerolog.Logger {
	return Log.With().Str("component", "session").Str("login", login).Logger()
}

// Gateway returns a logger scoped to a specific connection's web gateway.
func Gateway(login string) zerolog.Logger {
	return Log.With().Str("component", "gateway").Str("login", login).Logger()
}

// Registry returns a logger scoped to the cluster-wide agent registry.
func Registry() zerolog.Logger {
	return Log.With().Str("component", "registry").Logger()
}

// Listener returns a logger scoped to the HTTP front door.
func Listener() zerolog.Logger {
	return Log.With().Str("component", "listener").Logger()
}
