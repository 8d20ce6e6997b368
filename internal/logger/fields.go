package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so block IO,
// pool, and writeback events can be aggregated and queried together.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Request & Operation
	// ========================================================================
	KeyOp     = "op"         // Operation name: write, read, flush, discard, ...
	KeyReqID  = "request_id" // Per-request UUID
	KeyStatus = "status"     // Operation status

	// ========================================================================
	// Block IO
	// ========================================================================
	KeyOffset = "offset" // Image byte offset
	KeyLength = "length" // IO length in bytes
	KeyExtent = "extent" // Block extent in [start,end] form
	KeyBlocks = "blocks" // Number of blocks covered
	KeyStable = "stable" // Durability mode for the operation

	// ========================================================================
	// Log & Pool
	// ========================================================================
	KeyPool       = "pool"        // Pool file path
	KeyGen        = "gen"         // Sync generation number
	KeySeq        = "seq"         // Write sequence number
	KeyEntries    = "entries"     // Number of log entries involved
	KeyEntryIndex = "entry_index" // Descriptor ring index
	KeyRingFree   = "ring_free"   // Free descriptor slots
	KeyDirty      = "dirty"       // Dirty entry count

	// ========================================================================
	// Lower Image
	// ========================================================================
	KeyImage      = "image"       // Image identifier (path, bucket, ...)
	KeyBackend    = "backend"     // Image backend type: file, memory, s3, badger
	KeyBucket     = "bucket"      // S3 bucket name
	KeyKey        = "key"         // Object key in cloud storage
	KeyRegion     = "region"      // Cloud region
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Numeric error code
	KeyComponent  = "component"   // Subsystem: guard, ring, map, writeback, ...
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Op returns a slog.Attr for the operation name
func Op(op string) slog.Attr {
	return slog.String(KeyOp, op)
}

// ReqID returns a slog.Attr for the per-request identifier
func ReqID(id string) slog.Attr {
	return slog.String(KeyReqID, id)
}

// Offset returns a slog.Attr for an image byte offset
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Length returns a slog.Attr for an IO length
func Length(n uint64) slog.Attr {
	return slog.Uint64(KeyLength, n)
}

// Extent returns a slog.Attr for a block extent
func Extent(s string) slog.Attr {
	return slog.String(KeyExtent, s)
}

// Gen returns a slog.Attr for a sync generation number
func Gen(gen uint64) slog.Attr {
	return slog.Uint64(KeyGen, gen)
}

// Seq returns a slog.Attr for a write sequence number
func Seq(seq uint64) slog.Attr {
	return slog.Uint64(KeySeq, seq)
}

// EntryIndex returns a slog.Attr for a descriptor ring index
func EntryIndex(i uint32) slog.Attr {
	return slog.Int(KeyEntryIndex, int(i))
}

// Backend returns a slog.Attr for an image backend type
func Backend(name string) slog.Attr {
	return slog.String(KeyBackend, name)
}

// Bucket returns a slog.Attr for a cloud bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key
func Key(key string) slog.Attr {
	return slog.String(KeyKey, key)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Component returns a slog.Attr naming the emitting subsystem
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for numeric error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}

// ErrValue formats any value as an error field
func ErrValue(v any) slog.Attr {
	return slog.String(KeyError, fmt.Sprintf("%v", v))
}
