// Package logging wraps zerolog with the analyzer's output conventions.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mcranalyzer/internal/config"
)

// Logger wraps zerolog.Logger with additional functionality.
type Logger struct {
	zerolog.Logger
	closer io.Closer
}

// New creates a logger from configuration. File outputs are opened in
// append mode and released by Close.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: closer != nil}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{Logger: ctx.Logger(), closer: closer}, nil
}

// NewWriter returns a JSON logger writing to w, used by tests.
func NewWriter(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{Logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Close releases a file output, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) derive(logger zerolog.Logger) *Logger {
	return &Logger{Logger: logger, closer: l.closer}
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.derive(l.Logger.With().Interface(key, value).Logger())
}

// WithFields adds multiple fields to the logger.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.Logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return l.derive(ctx.Logger())
}

// WithError adds an error to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.Logger.With().Err(err).Logger())
}

// WithComponent tags entries with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(l.Logger.With().Str("component", component).Logger())
}

// WithRunID tags entries with a batch run ID.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.derive(l.Logger.With().Str("run_id", runID).Logger())
}

// WithRequestID tags entries with an HTTP request ID.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.derive(l.Logger.With().Str("request_id", requestID).Logger())
}
