package writelog

import "sync"

// gather collects sub-completions and fires a callback once every sub has
// completed and the gather has been activated. Subs created after
// activation are not allowed; activation with zero pending subs fires
// immediately. The first sub error wins.
type gather struct {
	mu        sync.Mutex
	pending   int
	activated bool
	fired     bool
	err       error
	onFinish  Completion
}

func newGather(onFinish Completion) *gather {
	return &gather{onFinish: onFinish}
}

// newSub registers one sub-completion and returns the function that
// completes it.
func (g *gather) newSub() Completion {
	g.mu.Lock()
	g.pending++
	g.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() { g.subDone(err) })
	}
}

func (g *gather) subDone(err error) {
	g.mu.Lock()
	g.pending--
	if err != nil && g.err == nil {
		g.err = err
	}
	fire := g.activated && g.pending == 0 && !g.fired
	if fire {
		g.fired = true
	}
	finishErr := g.err
	g.mu.Unlock()

	if fire {
		g.onFinish(finishErr)
	}
}

// activate seals the gather. Once every registered sub completes (or
// immediately, if none are pending) the finish callback fires.
func (g *gather) activate() {
	g.mu.Lock()
	g.activated = true
	fire := g.pending == 0 && !g.fired
	if fire {
		g.fired = true
	}
	finishErr := g.err
	g.mu.Unlock()

	if fire {
		g.onFinish(finishErr)
	}
}

// syncPoint is an ordering fence between write batches.
//
// Every write bearing the sync point's generation contributes a sub to
// priorPersisted, and one extra sub represents "the previous sync point
// is durable". The sync point may only be appended to the log once that
// gather completes; when its own descriptor is durable the registered
// callbacks fire and the next sync point's predecessor sub completes.
// Sync points form a chain through earlier; only the current one is held
// by the log, and older ones are dropped as they persist.
type syncPoint struct {
	gen        uint64
	finalOpSeq uint64

	priorPersisted *gather

	// opCount counts writes dispatched against this sync point, used to
	// decide whether AioFlush needs a new sync point.
	opCount uint64

	persisted  bool
	persistErr error

	// onPersisted runs when the sync point's descriptor is durable.
	onPersisted []Completion

	earlier *syncPoint
}
