package cache

// BlockAvailableFunc is the continuation a caller of Transaction.Acquire
// registers when the block cannot be handed back synchronously. It fires
// exactly once, per spec.md §8 invariant 4, and always outside the
// cache's mutex -- it is safe for it to call straight back into
// Acquire/Release/Commit/SetDirty.
type BlockAvailableFunc func(*Block)

// Block is the in-memory record for one cached page: spec.md §3's "Block
// record". Every field below lines up with a line in that section. The
// three policy sub-records (writeback, pageRepl, and the RWI lock) are
// held by value/through the lock/list element so there is no stored
// back-pointer cycle (spec.md §9's capability composition note).
type Block struct {
	id BlockId

	data   []byte
	cached bool // false between creation and read completion

	// loadRetried marks whether the initial serializer read for this block
	// has already been retried once after a failure. Bounds aioComplete's
	// retry to a single attempt (spec.md §9's "retries the read once
	// automatically" is a real bound, not an unconditional retry-forever).
	loadRetried bool

	loadWaiters []BlockAvailableFunc // FIFO queue

	concurrency *rwiLock
	writeback   writebackLocal
	pageRepl    replElem

	// activeCallbacks counts outstanding callbacks pointed at this block
	// (load waiters plus lock waiters), mirrored on the original's
	// active_callback_count debug field: it exists purely to catch a
	// block being unloaded while something still points at it.
	activeCallbacks int

	// holders tracks which transaction holds the lock in which mode, so
	// Release can assert the releaser actually holds it and so the
	// deadlock dump can name holders, not just modes.
	holders map[*Transaction]AccessMode

	cache *Cache
}

func newBlock(c *Cache, id BlockId) *Block {
	return &Block{
		id:          id,
		concurrency: newRWILock(),
		holders:     make(map[*Transaction]AccessMode),
		cache:       c,
	}
}

// GetBlockId returns the block's id, part of the driver-facing API (§6).
func (b *Block) GetBlockId() BlockId { return b.id }

// Ptr returns the block's buffer. Per spec.md §6, only valid to call while
// the caller's transaction holds the lock and the block is cached; calling
// it otherwise is a Programming-taxonomy violation.
func (b *Block) Ptr() []byte {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	if !b.cached {
		b.cache.fatalf("Ptr() called on uncached block %d", b.id)
	}
	if !b.concurrency.locked() {
		b.cache.fatalf("Ptr() called on unlocked block %d", b.id)
	}
	return b.data
}

// PtrPossiblyUncached returns the block's buffer without asserting it is
// cached, for the loader that is about to fill it in.
func (b *Block) PtrPossiblyUncached() []byte { return b.data }

// SetDirty marks the block dirty and enrolls it in the cache's writeback
// set. The caller must hold the lock in Write or IntentWrite (upgraded)
// mode; spec.md does not make that assertion explicit but §4.6 only makes
// sense if writers are the ones dirtying blocks.
func (b *Block) SetDirty() {
	b.cache.mu.Lock()
	fires := b.cache.writebackState.setDirty(b)
	b.cache.mu.Unlock()
	for _, fire := range fires {
		fire()
	}
}

// IsDirty reports the block's dirty bit.
func (b *Block) IsDirty() bool {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.writeback.dirty
}

// Release drops txn's lock on b -- spec.md §4.2: "the only way a
// transaction relinquishes access; forgetting to release is a fatal debug
// assertion," enforced by Transaction.checkReleasedAll at commit time
// rather than here (Release itself only rejects releasing a lock you don't
// hold).
func (b *Block) Release(txn *Transaction) {
	b.cache.mu.Lock()
	mode, ok := b.holders[txn]
	if !ok {
		b.cache.fatalf("Release: transaction does not hold block %d", b.id)
	}
	delete(b.holders, txn)
	txn.forgetHeld(b)
	b.concurrency.unlock(mode)

	var fires []func()
	if cont := b.concurrency.drainUpgradeIfReady(); cont != nil {
		if fire := cont(); fire != nil {
			fires = append(fires, fire)
		}
	}
	fires = append(fires, b.dispatchGrants()...)
	b.cache.pageRepl.promote(b)
	b.cache.maybeEvict()
	b.cache.mu.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// acquireLocked attempts to grant mode to txn synchronously. Returns true
// if granted. Caller must hold c.mu.
func (b *Block) acquireLocked(txn *Transaction, mode AccessMode) bool {
	if b.concurrency.tryLock(mode) {
		b.holders[txn] = mode
		txn.rememberHeld(b)
		return true
	}
	return false
}

// addLockWaiter enqueues cb to run once mode is granted to txn, following
// the same demultiplex protocol the original rwi_conc_t::local_buf_t uses:
// the lock wakes the block once per grant, and the block itself pops the
// next lock waiter rather than the lock knowing about callbacks directly.
// Caller must hold c.mu.
func (b *Block) addLockWaiter(txn *Transaction, mode AccessMode, cb BlockAvailableFunc) {
	b.activeCallbacks++
	b.concurrency.addWaiter(mode, func() func() {
		b.activeCallbacks--
		b.holders[txn] = mode
		txn.rememberHeld(b)
		// Exactly one waiter's continuation runs per dispatch; the
		// returned closure may cause b to be unloaded once fired outside
		// the mutex, so nothing after this point touches b again other
		// than the eviction check, which runs under the lock that is
		// still held here, before the fire closure escapes.
		b.cache.pageRepl.promote(b)
		return func() { cb(b) }
	})
}

// dispatchGrants asks the lock which queued waiters can now be granted,
// runs each continuation's bookkeeping while c.mu is still held, and
// collects the resulting fire closures for the caller to run once it has
// released the mutex -- "exactly one waiter is dispatched per wakeup" from
// spec.md §4.3, reinterpreted at the block level since a callback can
// unload the block out from under a second dispatch in the same pass.
// Caller must hold c.mu.
func (b *Block) dispatchGrants() []func() {
	granted := b.concurrency.popGrantable()
	var fires []func()
	for _, w := range granted {
		if fire := w.cont(); fire != nil {
			fires = append(fires, fire)
		}
	}
	return fires
}

// addLoadWaiter enqueues cb to fire once the block finishes loading,
// spec.md §3's load_waiters queue. Ordering is FIFO. Caller must hold
// c.mu.
func (b *Block) addLoadWaiter(cb BlockAvailableFunc) {
	b.activeCallbacks++
	b.loadWaiters = append(b.loadWaiters, cb)
}

// takeLoadWaiters drains and returns every queued load waiter, in arrival
// order, once the block's data is cached. Each waiter still has to
// separately contend for the lock (the caller re-enters the normal lock
// path), matching spec.md's data flow: "waiters are notified in FIFO
// order, each then contending on the block's lock." Caller must hold c.mu
// and must fire the returned slice only after releasing it.
func (b *Block) takeLoadWaiters() []BlockAvailableFunc {
	waiters := b.loadWaiters
	b.loadWaiters = nil
	b.activeCallbacks -= len(waiters)
	return waiters
}

// safeToUnload implements spec.md invariant 2: unlocked, no load waiters,
// no lock waiters, no in-flight I/O, not dirty.
func (b *Block) safeToUnload() bool {
	return !b.concurrency.locked() &&
		len(b.loadWaiters) == 0 &&
		b.concurrency.waiterCount() == 0 &&
		!b.writeback.inFlight &&
		!b.writeback.dirty &&
		b.activeCallbacks == 0
}
