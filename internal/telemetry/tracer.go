package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for write log operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Cache-level keys use the "wlog." prefix; storage backend keys use
// their own prefixes.
const (
	// ========================================================================
	// Write log attributes
	// ========================================================================
	AttrOperation  = "wlog.operation"   // Operation name: write, read, flush, ...
	AttrOffset     = "wlog.offset"      // Image byte offset
	AttrLength     = "wlog.length"      // IO length in bytes
	AttrExtent     = "wlog.extent"      // Block extent [start,end]
	AttrSyncGen    = "wlog.sync_gen"    // Sync generation number
	AttrSeq        = "wlog.seq"         // Write sequence number
	AttrEntryIndex = "wlog.entry_index" // Descriptor ring index
	AttrHit        = "wlog.hit"         // Read served from the log
	AttrDetained   = "wlog.detained"    // Request queued on the block guard
	AttrDeferred   = "wlog.deferred"    // Request deferred on resources
	AttrStatus     = "wlog.status"      // Operation status

	// ========================================================================
	// Pool attributes
	// ========================================================================
	AttrPoolPath = "pool.path"
	AttrPoolSize = "pool.size"

	// ========================================================================
	// Lower image attributes
	// ========================================================================
	AttrImageBackend = "image.backend" // file, memory, s3, badger
	AttrImagePath    = "image.path"
	AttrBucket       = "storage.bucket"
	AttrKey          = "storage.key"
	AttrRegion       = "storage.region"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// ========================================================================
	// Client API spans
	// ========================================================================
	SpanWrite   = "wlog.write"
	SpanRead    = "wlog.read"
	SpanFlush   = "wlog.flush"
	SpanDiscard = "wlog.discard"

	// ========================================================================
	// Internal spans
	// ========================================================================
	SpanAppend    = "wlog.append"
	SpanWriteback = "wlog.writeback"
	SpanRetire    = "wlog.retire"
	SpanRecover   = "wlog.recover"
	SpanImageRead  = "image.read"
	SpanImageWrite = "image.write"
)

// Operation returns an attribute for the operation name
func Operation(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// Offset returns an attribute for an image byte offset
func Offset(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, int64(offset))
}

// Length returns an attribute for an IO length
func Length(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrLength, int64(n))
}

// Extent returns an attribute for a block extent
func Extent(s string) attribute.KeyValue {
	return attribute.String(AttrExtent, s)
}

// SyncGen returns an attribute for a sync generation number
func SyncGen(gen uint64) attribute.KeyValue {
	return attribute.Int64(AttrSyncGen, int64(gen))
}

// Seq returns an attribute for a write sequence number
func Seq(seq uint64) attribute.KeyValue {
	return attribute.Int64(AttrSeq, int64(seq))
}

// EntryIndex returns an attribute for a descriptor ring index
func EntryIndex(i uint32) attribute.KeyValue {
	return attribute.Int(AttrEntryIndex, int(i))
}

// Hit returns an attribute for a read hit indicator
func Hit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrHit, hit)
}

// Detained returns an attribute for guard detention
func Detained(detained bool) attribute.KeyValue {
	return attribute.Bool(AttrDetained, detained)
}

// Deferred returns an attribute for resource deferral
func Deferred(deferred bool) attribute.KeyValue {
	return attribute.Bool(AttrDeferred, deferred)
}

// Status returns an attribute for an operation status
func Status(status int) attribute.KeyValue {
	return attribute.Int(AttrStatus, status)
}

// PoolPath returns an attribute for the pool file path
func PoolPath(path string) attribute.KeyValue {
	return attribute.String(AttrPoolPath, path)
}

// PoolSize returns an attribute for the pool size in bytes
func PoolSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrPoolSize, int64(size))
}

// ImageBackend returns an attribute for the lower image backend type
func ImageBackend(name string) attribute.KeyValue {
	return attribute.String(AttrImageBackend, name)
}

// ImagePath returns an attribute for the lower image identifier
func ImagePath(path string) attribute.KeyValue {
	return attribute.String(AttrImagePath, path)
}

// Bucket returns an attribute for an S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for a cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// ExtentString formats a block extent for attributes
func ExtentString(start, end uint64) string {
	return fmt.Sprintf("[%d,%d]", start, end)
}

// StartWriteLogSpan starts a span for a write log client operation.
func StartWriteLogSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Operation(operation),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "wlog."+operation, trace.WithAttributes(allAttrs...))
}

// StartImageSpan starts a span for a lower image operation.
func StartImageSpan(ctx context.Context, operation string, backend string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ImageBackend(backend),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "image."+operation, trace.WithAttributes(allAttrs...))
}
