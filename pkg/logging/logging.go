// Package logging builds the process logger and carries run scoped fields
// through contexts.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey int

const (
	runIDKey contextKey = iota
	databaseKey
	scheduleKey
)

// New returns a logger writing to stderr. Unknown levels fall back to info.
func New(level, format string) *logrus.Logger {
	return NewWithOutput(os.Stderr, level, format)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(out io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func WithDatabase(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, databaseKey, id)
}

func WithSchedule(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, scheduleKey, prefix)
}

// FromContext decorates logger with the fields stored in ctx.
func FromContext(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	if ctx == nil {
		return logger
	}
	result := logger

	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		result = result.WithField("run_id", id)
	}
	if db, ok := ctx.Value(databaseKey).(string); ok && db != "" {
		result = result.WithField("database", db)
	}
	if sched, ok := ctx.Value(scheduleKey).(string); ok && sched != "" {
		result = result.WithField("schedule", sched)
	}
	return result
}
