package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. It discards output until Init runs.
	Logger = zerolog.Nop()
)

// Init initializes the global logger
func Init(level string) {
	InitWithWriter(level, nil)
}

// InitWithWriter initializes the global logger with an explicit sink. A nil
// writer selects stdout, or a console writer when ENV=development.
func InitWithWriter(level string, output io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	if output == nil {
		output = os.Stdout
		if os.Getenv("ENV") == "development" {
			output = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "vigil").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithRule returns a component logger scoped to one rule evaluation.
func WithRule(component, ruleID string, version int, deviceID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("rule_id", ruleID).
		Int("rule_version", version).
		Str("device_id", deviceID).
		Logger()
}
