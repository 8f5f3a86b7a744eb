package relay

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard
// library. Applications can provide their own implementation, use the
// default slog logger, or adapt a zerolog.Logger via ZerologLogger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
func ZerologLogger(logger zerolog.Logger) Logger {
	return zerologLogger{logger: logger}
}

type zerologLogger struct {
	logger zerolog.Logger
}

func (z zerologLogger) Debug(msg string, args ...any) {
	z.emit(z.logger.Debug(), msg, args)
}

func (z zerologLogger) Info(msg string, args ...any) {
	z.emit(z.logger.Info(), msg, args)
}

func (z zerologLogger) Warn(msg string, args ...any) {
	z.emit(z.logger.Warn(), msg, args)
}

func (z zerologLogger) Error(msg string, args ...any) {
	z.emit(z.logger.Error(), msg, args)
}

// emit attaches slog-style alternating key-value pairs to the event.
// A trailing key without a value is logged under the "extra" field.
func (z zerologLogger) emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	if len(args)%2 != 0 {
		event = event.Interface("extra", args[len(args)-1])
	}
	event.Msg(msg)
}
