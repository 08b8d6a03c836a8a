package cache

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/a10y/bufcache/logger"
	"github.com/a10y/bufcache/serializer"
)

// writebackLocal is the per-block sub-record spec.md §3 assigns to
// writeback: a dirty flag, dirty-set membership, and an in-flight-write
// marker. It is held by value inside Block so there is no back-pointer to
// store (spec.md §9).
type writebackLocal struct {
	dirty      bool
	inDirtySet bool
	inFlight   bool
}

// syncWaiter is one caller registered via Writeback.sync, to be notified
// once a flush round that starts after registration durably completes; a
// round already in flight at registration time does not count.
type syncWaiter struct {
	cb func(error)
}

// writeback is the cache-wide writeback policy: the dirty set, the flush
// timer, the sync-waiter queue, and the single-flush-at-a-time guard.
// Grounded on the teacher's flushList/flushLock in buffer_pool.go plus the
// *time.Ticker-driven background flush in manager.BufferPoolManager, folded
// into the explicit scheduler.Handle spec.md §9 calls for instead of a
// bespoke stopChan. Every method here assumes the owning Cache's mutex is
// already held by the caller; none of them may call back into driver code
// directly -- they return the pending fire closures instead.
type writeback struct {
	cache *Cache

	dirty       map[BlockId]*Block // current, un-snapshotted dirty set
	activeFlush bool
	// pendingWaiters wait on the *next* flush round to start and finish;
	// inFlightWaiters wait on the round currently running.
	inFlightWaiters []syncWaiter
	pendingWaiters  []syncWaiter

	flushThresholdBlocks int
	stopTimer            func()

	// limiter throttles how often an explicit sync() call may force an
	// out-of-band flush outside of the threshold/timer triggers, so a hot
	// commit loop cannot starve the timer-driven cadence. Grounded on
	// sahib-brig's use of golang.org/x/time/rate for its own transfer
	// throttling.
	limiter *rate.Limiter

	// intent is the shared/exclusive writeback intent lock: every
	// ReadWrite transaction holds it Shared for its lifetime; Shutdown
	// acquires it Exclusive before its final flush so no new write
	// transaction can begin mid-drain (spec.md §9's Open Question about
	// begin_transaction blocking in write mode is resolved this way --
	// see DESIGN.md).
	intent *intentLock
}

func newWriteback(c *Cache, flushThresholdBlocks int) *writeback {
	return &writeback{
		cache:                c,
		dirty:                make(map[BlockId]*Block),
		flushThresholdBlocks: flushThresholdBlocks,
		limiter:              rate.NewLimiter(rate.Limit(50), 1),
		intent:               newIntentLock(),
	}
}

// intentLock is a minimal shared/exclusive lock: any number of Shared
// holders may coexist, Exclusive is, well, exclusive. It reuses the same
// FIFO-waiter shape as rwiLock but only needs two modes, so it is kept
// separate rather than generalizing rwiLock over an arbitrary compatibility
// matrix for a single caller. Like rwiLock's waiterCont, each waiter's
// cont runs under the mutex and returns an optional fire closure for the
// caller to run after releasing it.
type intentLock struct {
	sharedCount int
	exclusive   bool
	waiters     []intentWaiter
}

type intentWaiter struct {
	shared bool
	cont   func() func()
}

func newIntentLock() *intentLock { return &intentLock{} }

func (l *intentLock) compatible(shared bool) bool {
	if len(l.waiters) > 0 {
		return false
	}
	if l.exclusive {
		return false
	}
	if !shared && l.sharedCount > 0 {
		return false
	}
	return true
}

func (l *intentLock) tryShared() bool {
	if !l.compatible(true) {
		return false
	}
	l.sharedCount++
	return true
}

func (l *intentLock) tryExclusive() bool {
	if !l.compatible(false) {
		return false
	}
	l.exclusive = true
	return true
}

func (l *intentLock) addWaiter(shared bool, cont func() func()) {
	l.waiters = append(l.waiters, intentWaiter{shared: shared, cont: cont})
}

func (l *intentLock) releaseShared() []func() {
	if l.sharedCount > 0 {
		l.sharedCount--
	}
	return l.dispatch()
}

func (l *intentLock) releaseExclusive() []func() {
	l.exclusive = false
	return l.dispatch()
}

func (l *intentLock) dispatch() []func() {
	var fires []func()
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		if l.exclusive {
			break
		}
		if w.shared {
			l.sharedCount++
		} else {
			if l.sharedCount > 0 {
				break
			}
			l.exclusive = true
		}
		l.waiters = l.waiters[1:]
		if fire := w.cont(); fire != nil {
			fires = append(fires, fire)
		}
	}
	return fires
}

func (w *writeback) start(flushTimerMs uint32) {
	if flushTimerMs == 0 {
		return
	}
	d := time.Duration(flushTimerMs) * time.Millisecond
	w.stopTimer = w.cache.sched.RegisterTimer(d, func() {
		w.cache.mu.Lock()
		var fires []func()
		if len(w.dirty) > 0 {
			fires = w.flush(nil)
		}
		w.cache.mu.Unlock()
		for _, fire := range fires {
			fire()
		}
	})
}

func (w *writeback) stop() {
	if w.stopTimer != nil {
		w.stopTimer()
		w.stopTimer = nil
	}
}

// setDirty enrolls b in the dirty set (spec.md invariant 4: dirty ⇒
// cached). If this crosses the flush threshold, a flush is triggered.
// Caller must hold c.mu and fire the returned closures only after
// releasing it.
func (w *writeback) setDirty(b *Block) []func() {
	if !b.cached {
		w.cache.fatalf("setDirty on uncached block %d", b.id)
	}
	b.writeback.dirty = true
	if !b.writeback.inDirtySet {
		b.writeback.inDirtySet = true
		w.dirty[b.id] = b
	}
	if len(w.dirty) > 0 && len(w.dirty) >= w.flushThresholdBlocks {
		return w.flush(nil)
	}
	return nil
}

// dirtyCount/DirtyFraction are the auto-tuning-adjacent stats supplemented
// from the teacher's buffer_pool.go GetDirtyPageRatio.
func (w *writeback) dirtyCount() int { return len(w.dirty) }

// sync registers cb to fire once every write dirtied before this call
// durably persists. If no flush is active and the dirty set is empty, it
// returns a closure to fire cb immediately. Caller must hold c.mu and fire
// the returned closures only after releasing it.
func (w *writeback) sync(cb func(error)) []func() {
	if len(w.dirty) == 0 && !w.activeFlush {
		if cb == nil {
			return nil
		}
		return []func(){func() { cb(nil) }}
	}
	if w.activeFlush {
		// A round is already in flight; this waiter must wait for the
		// *next* round too, because the in-flight snapshot was taken
		// before we know whether there's anything new to sync.
		w.pendingWaiters = append(w.pendingWaiters, syncWaiter{cb: cb})
		return nil
	}
	w.pendingWaiters = append(w.pendingWaiters, syncWaiter{cb: cb})
	if w.limiter.Allow() {
		return w.flush(nil)
	}
	// If the limiter rejects an explicit sync burst, the waiter still
	// rides the next timer/threshold-triggered flush; it is not dropped.
	return nil
}

// flush runs one flush round: snapshot the dirty set, clear each block's
// dirty bit (future writes re-dirty and roll to the next round), submit a
// single batched write, and on completion notify every waiter registered
// up to the snapshot point. extraCb, if non-nil, is folded into this
// round's waiter list (used by shutdown's final flush). Caller must hold
// c.mu; the returned closures (non-nil only when nothing needed to hit the
// serializer) must fire only after releasing it.
func (w *writeback) flush(extraCb func(error)) []func() {
	if w.activeFlush {
		if extraCb != nil {
			w.pendingWaiters = append(w.pendingWaiters, syncWaiter{cb: extraCb})
		}
		return nil
	}
	if extraCb != nil {
		w.pendingWaiters = append(w.pendingWaiters, syncWaiter{cb: extraCb})
	}

	snapshot := make([]*Block, 0, len(w.dirty))
	writes := make([]serializer.Write, 0, len(w.dirty))
	for id, b := range w.dirty {
		b.writeback.inFlight = true
		b.writeback.dirty = false
		b.writeback.inDirtySet = false
		snapshot = append(snapshot, b)
		writes = append(writes, serializer.Write{ID: id, Data: append([]byte(nil), b.data...)})
		delete(w.dirty, id)
	}

	w.activeFlush = true
	w.inFlightWaiters, w.pendingWaiters = w.pendingWaiters, nil

	if len(writes) == 0 {
		return w.completeFlush(snapshot, nil)
	}

	logger.Log.Debugf("writeback: flushing %d blocks", len(writes))
	w.cache.stats.Flushes++
	w.cache.stats.Writes += uint64(len(writes))
	w.cache.serial.WriteMany(writes, func(ev serializer.Event) {
		w.cache.mu.Lock()
		fires := w.completeFlush(snapshot, ev.Err)
		w.cache.mu.Unlock()
		for _, fire := range fires {
			fire()
		}
	})
	return nil
}

// completeFlush finalizes a flush round and returns every sync waiter's
// fire closure, in registration order, plus whatever a newly-triggered
// follow-on round immediately resolves. Caller must hold c.mu.
func (w *writeback) completeFlush(snapshot []*Block, err error) []func() {
	for _, b := range snapshot {
		b.writeback.inFlight = false
		if err != nil {
			// Re-dirty so a retry (next timer tick or explicit sync) picks
			// it back up; TransientIo is surfaced to waiters below but the
			// data is not lost.
			b.writeback.dirty = true
			b.writeback.inDirtySet = true
			w.dirty[b.id] = b
		}
		w.cache.pageRepl.promote(b)
	}

	waiters := w.inFlightWaiters
	w.inFlightWaiters = nil
	w.activeFlush = false

	var cbErr error
	if err != nil {
		cbErr = wrapErr("flush", 0, errorsWithTransient(err))
	}
	fires := make([]func(), 0, len(waiters))
	for _, sw := range waiters {
		if sw.cb == nil {
			continue
		}
		cb := sw.cb
		fires = append(fires, func() { cb(cbErr) })
	}

	// A new round may already be due (more writes landed mid-flush). The
	// len(w.dirty) > 0 guard matters when flushThresholdBlocks is 0 (a
	// config whose max_blocks is 0; Config.flushThresholdBlocks clamps any
	// other result to at least 1): without it, an empty dirty set still
	// satisfies "0 >= 0" and
	// flush would call completeFlush would call flush forever.
	if (len(w.dirty) > 0 && len(w.dirty) >= w.flushThresholdBlocks) || len(w.pendingWaiters) > 0 {
		fires = append(fires, w.flush(nil)...)
	}

	return fires
}

func errorsWithTransient(err error) error {
	return &wrappedTransient{err}
}

type wrappedTransient struct{ err error }

func (w *wrappedTransient) Error() string { return ErrTransientIo.Error() + ": " + w.err.Error() }
func (w *wrappedTransient) Unwrap() error { return ErrTransientIo }
func (w *wrappedTransient) Cause() error  { return w.err }
