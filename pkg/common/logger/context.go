package logger

import (
	"context"
	"sync"
)

// LoggerContext wraps a Logger with a mutable set of base attributes. It is
// useful inside long operations that accumulate identifying attributes
// (run id, sequence numbers) as they become known.
type LoggerContext struct {
	mu    sync.Mutex
	log   *Logger
	attrs []any
}

// NewLoggerContext constructs a LoggerContext around the provided Logger.
func NewLoggerContext(log *Logger) *LoggerContext {
	return &LoggerContext{log: log}
}

// Add appends key/value pairs to the base attributes included with every
// subsequent log line.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.attrs = append(lc.attrs, args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.log.Debugc(ctx, 3, msg, lc.merged(args)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.log.Infoc(ctx, 3, msg, lc.merged(args)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.log.Warnc(ctx, 3, msg, lc.merged(args)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.log.Errorc(ctx, 3, msg, lc.merged(args)...)
}

func (lc *LoggerContext) merged(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	out = append(out, args...)
	return out
}
