package writelog

import (
	"time"

	"github.com/marmos91/pwlog/internal/logger"
)

// AioFlush delivers onDone when every write completed to the user so far
// is durable in the log.
//
// In persist-on-flush mode a new sync point is created if any write has
// been dispatched since the last one, and onDone fires when that sync
// point's descriptor is durable. In persist-on-write mode writes are
// already durable at completion, so onDone fires as soon as nothing
// dispatched remains unpersisted. The lower image is not flushed.
func (w *WriteLog) AioFlush(onDone Completion) {
	start := time.Now()

	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)

	done := func(err error) {
		if w.metrics != nil {
			w.metrics.ObserveFlush(time.Since(start))
		}
		w.asyncOps.Done()
		onDone(err)
	}

	// The first flush flips persist-on-write-until-flush logs into
	// persist-on-flush mode.
	if w.cfg.PersistOnWriteUntilFlush && !w.flushSeen {
		w.flushSeen = true
		w.persistOnFlush = true
		logger.Info("First flush seen, switching to persist-on-flush")
	}

	if !w.persistOnFlush {
		// Persist-on-write: wait out anything dispatched but not yet
		// durable.
		if w.unpersistedOps == 0 {
			w.mu.Unlock()
			w.completeFin.queue(func() { done(nil) })
			return
		}
		w.persistWaiters = append(w.persistWaiters, done)
		w.mu.Unlock()
		return
	}

	if w.currentSyncPoint.opCount > 0 {
		// Writes have happened since the last sync point: seal it and
		// fence them with a new one.
		sealed := w.newSyncPointLocked()
		sealed.onPersisted = append(sealed.onPersisted, done)
		w.mu.Unlock()

		// Activation can complete synchronously, so it happens off the
		// main lock.
		sealed.priorPersisted.activate()
		logger.Debug("Flush created sync point", logger.KeyGen, sealed.gen)
		return
	}

	// No writes since the last sync point: complete with its status.
	prev := w.currentSyncPoint.earlier
	if prev == nil || prev.persisted {
		var err error
		if prev != nil {
			err = prev.persistErr
		}
		w.mu.Unlock()
		w.completeFin.queue(func() { done(err) })
		return
	}
	prev.onPersisted = append(prev.onPersisted, done)
	w.mu.Unlock()
}
