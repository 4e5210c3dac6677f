// Package monitoring carries the ambient logging, metrics, and resource
// sampling the connection manager and channel manager report through.
// Grounded on the teacher's internal/single/monitoring package.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/odinrt/channels-go/internal/types"
	"github.com/rs/zerolog"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level  types.LogLevel
	Format types.LogFormat
}

// NewLogger builds a zerolog.Logger stamped with a timestamp and the
// "channels-client" service field, ready for per-component enrichment via
// logger.With().Str("component", ...).Logger().
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelInfo:
		level = zerolog.InfoLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "channels-client").
		Logger()
}

// RecoverPanic is used in goroutine defer blocks (the connection manager's
// supervise loop and read/write pumps) to log a recovered panic without
// crashing the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
