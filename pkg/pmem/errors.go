package pmem

import "errors"

var (
	// ErrPoolClosed is returned when operations are attempted on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrCorrupted is returned when the pool file fails structural validation.
	ErrCorrupted = errors.New("pool file is corrupted")

	// ErrLayoutMismatch is returned when the pool layout version does not
	// match the version this build writes.
	ErrLayoutMismatch = errors.New("pool layout version mismatch")

	// ErrBlockSizeMismatch is returned when the block size recorded in the
	// pool root differs from the configured block size.
	ErrBlockSizeMismatch = errors.New("pool block size mismatch")

	// ErrNoSpace is returned by Reserve when the payload arena cannot satisfy
	// the requested size. Callers treat this as backpressure, not failure.
	ErrNoSpace = errors.New("no payload space available")

	// ErrTxAborted wraps the callback error when a transaction rolls back.
	ErrTxAborted = errors.New("pool transaction aborted")
)
