package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so the
// final log line carries everything learned along the way.
type LoggerContext struct {
	base  *Logger
	attrs []any
}

// NewLoggerContext returns a LoggerContext seeded with base.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value pairs to every subsequent log call.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

func (lc *LoggerContext) merge(args []any) []any {
	all := make([]any, 0, len(lc.attrs)+len(args))
	all = append(all, lc.attrs...)
	return append(all, args...)
}

// Debug logs at debug level with accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.Debugc(ctx, 4, msg, lc.merge(args)...)
}

// Info logs at info level with accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.Infoc(ctx, 4, msg, lc.merge(args)...)
}

// Warn logs at warn level with accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.Warnc(ctx, 4, msg, lc.merge(args)...)
}

// Error logs at error level with accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.Errorc(ctx, 4, msg, lc.merge(args)...)
}
