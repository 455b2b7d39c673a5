// Package mlog provides the logging abstraction shared by every component
// of the persistence engine.
package mlog

import (
	"context"
)

// Logger is the common interface for log implementations used across the core.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	// WithFields returns a derived Logger that always logs the given
	// key/value pairs (alternating key, value, key, value...).
	WithFields(fields ...any) Logger

	Sync() error
}

type contextKey string

const loggerContextKey contextKey = "mlog.logger"

// FromContext extracts the Logger stored in ctx, falling back to a no-op
// logger so callers never need to nil-check.
//
//nolint:ireturn
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey).(Logger); ok && logger != nil {
		return logger
	}

	return &NoneLogger{}
}

// WithLogger returns a context carrying logger, retrievable with FromContext.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// NoneLogger discards everything. Used as the zero-value fallback so
// components never need to special-case a missing logger.
type NoneLogger struct{}

func (l *NoneLogger) Info(args ...any)                  {}
func (l *NoneLogger) Infof(format string, args ...any)  {}
func (l *NoneLogger) Infoln(args ...any)                {}
func (l *NoneLogger) Error(args ...any)                 {}
func (l *NoneLogger) Errorf(format string, args ...any) {}
func (l *NoneLogger) Errorln(args ...any)               {}
func (l *NoneLogger) Warn(args ...any)                  {}
func (l *NoneLogger) Warnf(format string, args ...any)  {}
func (l *NoneLogger) Warnln(args ...any)                {}
func (l *NoneLogger) Debug(args ...any)                 {}
func (l *NoneLogger) Debugf(format string, args ...any) {}
func (l *NoneLogger) Debugln(args ...any)               {}

//nolint:ireturn
func (l *NoneLogger) WithFields(fields ...any) Logger { return l }
func (l *NoneLogger) Sync() error                     { return nil }
