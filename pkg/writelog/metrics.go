package writelog

import "time"

// Metrics is the observability sink injected into the write log. A nil
// sink disables collection with no overhead. Implementations must be
// safe for concurrent use.
//
// The phase latencies mirror the write pipeline: arrival (request
// admitted), allocated (resources held), dispatched (op lifetime begins),
// payload durable, descriptor appended, completed.
type Metrics interface {
	// ObserveWriteDispatch records a user write reaching dispatch: its
	// size, arrival-to-allocated, and arrival-to-dispatch latencies.
	ObserveWriteDispatch(bytes int64, arrToAll, arrToDis time.Duration)

	// ObserveWritePersist records a user write's full persist latency.
	ObserveWritePersist(d time.Duration)

	// ObserveWriteCaller records the latency until the user completion
	// fired (equal to persist latency in persist-on-write mode, shorter
	// in persist-on-flush mode).
	ObserveWriteCaller(d time.Duration)

	// ObserveLogOp records one log operation's phase latencies.
	ObserveLogOp(bytes int64, disToBuf, bufToBufc, bufcToApp, appToCmp time.Duration)

	// ObserveReadRequest records a user read and its hit shape.
	ObserveReadRequest(bytes int64, d time.Duration, hitBytes int64, missBytes int64)

	// ObserveDetained counts requests queued behind the block guard.
	ObserveDetained()

	// ObserveDeferred counts requests deferred on resource exhaustion.
	ObserveDeferred()

	// ObserveFlush records an AioFlush and its latency.
	ObserveFlush(d time.Duration)

	// ObserveDiscard records a discard passed through the log.
	ObserveDiscard(bytes int64)

	// ObserveWriteback records one writeback to the lower image.
	ObserveWriteback(bytes int64, err error)

	// ObserveRetired counts retired log entries.
	ObserveRetired(n int)

	// SetRingState publishes ring occupancy gauges.
	SetRingState(free, total uint32, dirty int)
}
