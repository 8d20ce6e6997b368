package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Op        string    // Operation name (write, read, flush, discard, ...)
	ReqID     string    // Per-request UUID
	Offset    uint64    // Image byte offset of the IO
	Length    uint64    // IO length in bytes
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given operation
func NewLogContext(op string) *LogContext {
	return &LogContext{
		Op:        op,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOp returns a copy with the operation set
func (lc *LogContext) WithOp(op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Op = op
	}
	return clone
}

// WithExtent returns a copy with the IO extent set
func (lc *LogContext) WithExtent(offset, length uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Offset = offset
		clone.Length = length
	}
	return clone
}

// WithTrace returns a copy with trace and span IDs set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// Duration returns the elapsed time since StartTime
func (lc *LogContext) Duration() time.Duration {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return time.Since(lc.StartTime)
}

// DurationMs returns the elapsed time since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	return float64(lc.Duration().Microseconds()) / 1000.0
}
