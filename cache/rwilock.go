package cache

// AccessMode is one of the four reader-writer-intent modes spec.md §4.3
// defines, grounded on the original rwi_conc_t / rwi_lock_t split in
// _examples/original_source/src/buffer_cache/concurrency/rwi_conc.hpp.
type AccessMode int

const (
	// Read is shared: any number of Read and at most one IntentRead
	// holder may coexist.
	Read AccessMode = iota
	// IntentRead coexists with Read holders but only one IntentRead may
	// be held at a time.
	IntentRead
	// Write is exclusive.
	Write
	// IntentWrite coexists with existing Reads (it does not block new
	// Reads the way an upgrade-in-progress does) but only one IntentWrite
	// may be held, and it is the only mode that can Upgrade to Write.
	IntentWrite
)

func (m AccessMode) String() string {
	switch m {
	case Read:
		return "Read"
	case IntentRead:
		return "IntentRead"
	case Write:
		return "Write"
	case IntentWrite:
		return "IntentWrite"
	default:
		return "Unknown"
	}
}

// waiterCont is the opaque continuation a waiter registers with the lock.
// Per spec.md §9 ("model it as a generic waiter queue whose payload is an
// opaque continuation"), the lock never knows it is waking a block's
// load/lock demultiplexer -- it just calls the function. It runs with the
// cache's mutex still held, so it may only touch cache/block state; it
// returns a second, optional closure that the caller must invoke only
// after releasing the mutex (typically the driver-supplied
// BlockAvailableFunc), never directly.
type waiterCont func() func()

type waiter struct {
	mode AccessMode
	cont waiterCont
}

// rwiLock is the per-block reader-writer-intent lock. It holds no
// scheduling logic of its own: unlock only releases, and popGrantable then
// returns every waiter at the front of the queue that can now be granted,
// in FIFO order; the containing block runs one continuation per granted
// waiter (block.dispatchGrants).
type rwiLock struct {
	readers      int
	intentRead   bool
	writer       bool
	intentWriter bool
	// upgrading is set while an IntentWrite holder is waiting to become
	// Write; while set, no *new* Read may be granted even though existing
	// readers are still draining.
	upgrading bool

	waiters []waiter

	// upgradeWaiter is the single pending IntentWrite->Write upgrade
	// continuation, if any; at most one IntentWrite holder can exist so
	// there is never more than one.
	upgradeWaiter waiterCont
}

func newRWILock() *rwiLock {
	return &rwiLock{}
}

func (l *rwiLock) locked() bool {
	return l.readers > 0 || l.intentRead || l.writer || l.intentWriter
}

// compatible reports whether mode can be granted given the lock's current
// holders, per the matrix in spec.md §4.3.
func (l *rwiLock) compatible(mode AccessMode) bool {
	switch mode {
	case Read:
		// Blocked while an upgrade is in progress so the upgrader does
		// not get starved by a stream of new readers (spec.md: "new
		// Readers blocked from entering ahead of the upgrader").
		if l.upgrading {
			return false
		}
		return !l.writer
	case IntentRead:
		return !l.writer && !l.intentRead
	case Write:
		return l.readers == 0 && !l.intentRead && !l.writer && !l.intentWriter
	case IntentWrite:
		return !l.writer && !l.intentWriter
	}
	return false
}

func (l *rwiLock) grant(mode AccessMode) {
	switch mode {
	case Read:
		l.readers++
	case IntentRead:
		l.intentRead = true
	case Write:
		l.writer = true
	case IntentWrite:
		l.intentWriter = true
	}
}

// tryLock grants mode immediately iff it is compatible with current
// holders AND no earlier, still-queued, incompatible waiter would be
// starved by barging -- spec.md requires FIFO among waiters, so a
// fast-path grant is only correct when the waiter queue is empty.
func (l *rwiLock) tryLock(mode AccessMode) bool {
	if len(l.waiters) > 0 {
		return false
	}
	if !l.compatible(mode) {
		return false
	}
	l.grant(mode)
	return true
}

// addWaiter enqueues cont to run once mode is granted. Ordering among
// addWaiter calls is the FIFO order waiters are eventually granted in.
func (l *rwiLock) addWaiter(mode AccessMode, cont waiterCont) {
	l.waiters = append(l.waiters, waiter{mode: mode, cont: cont})
}

// unlock releases one unit of whichever mode is specified. It does not
// itself dispatch waiters -- the caller follows up with popGrantable, one
// level up in block.go, so a continuation that unloads the block cannot be
// re-entered by a second dispatch in the same pass.
func (l *rwiLock) unlock(mode AccessMode) {
	switch mode {
	case Read:
		if l.readers > 0 {
			l.readers--
		}
	case IntentRead:
		l.intentRead = false
	case Write:
		l.writer = false
	case IntentWrite:
		l.intentWriter = false
		l.upgrading = false
	}
}

// popGrantable removes and returns waiters from the front of the queue
// that can be granted right now, in FIFO order, stopping at the first
// waiter that cannot yet be granted (no barging past an incompatible
// waiter). Multiple compatible Readers queued consecutively may all be
// returned in one call, matching "multiple compatible Readers may be woken
// in one round."
func (l *rwiLock) popGrantable() []waiter {
	var granted []waiter
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		if !l.compatible(w.mode) {
			break
		}
		l.grant(w.mode)
		granted = append(granted, w)
		l.waiters = l.waiters[1:]
	}
	return granted
}

func (l *rwiLock) waiterCount() int { return len(l.waiters) }

// requestUpgrade marks the lock as upgrading (blocking new Reads) and
// reports whether Write can be granted immediately (no readers present).
// If not, cont is remembered and fired the moment the last active reader
// unlocks; drainUpgradeIfReady does that firing.
func (l *rwiLock) requestUpgrade(cont waiterCont) bool {
	l.upgrading = true
	if l.readers == 0 {
		return true
	}
	l.upgradeWaiter = cont
	return false
}

// drainUpgradeIfReady returns and clears the pending upgrade continuation
// once the last reader has drained, or nil if there is none pending or
// readers remain. Called after every Read unlock.
func (l *rwiLock) drainUpgradeIfReady() waiterCont {
	if l.upgrading && l.readers == 0 && l.upgradeWaiter != nil {
		cont := l.upgradeWaiter
		l.upgradeWaiter = nil
		return cont
	}
	return nil
}

// completeUpgrade finalizes an IntentWrite->Write upgrade: clears the
// intent-write bit, grants Write, and clears the upgrading flag.
func (l *rwiLock) completeUpgrade() {
	l.intentWriter = false
	l.writer = true
	l.upgrading = false
}
