package cache

// TxnAccess is the access mode fixed for a transaction's whole lifetime
// (spec.md §4.2's "access_mode"), distinct from the per-block AccessMode
// passed to each Acquire call.
type TxnAccess int

const (
	// ReadOnly transactions never dirty a block and skip Committing.
	ReadOnly TxnAccess = iota
	// ReadWrite transactions hold a shared writeback intent for their
	// lifetime and commit via a writeback sync.
	ReadWrite
)

type txnState int

const (
	txnPending txnState = iota
	txnOpen
	txnCommitting
	txnCommitted
)

// Transaction orchestrates a sequence of block acquisitions under one
// access mode: spec.md §4.2. It holds only borrowed handles to blocks
// (the held map) for the duration of a held lock; the Cache exclusively
// owns the block records themselves.
type Transaction struct {
	cache  *Cache
	access TxnAccess
	state  txnState

	held map[*Block]AccessMode

	// sharedIntentHeld tracks whether this (read-write) transaction
	// currently holds the writeback shared intent, so commit/free knows
	// whether to release it.
	sharedIntentHeld bool
}

// begin runs the Pending -> Open transition. For ReadOnly it is immediate;
// for ReadWrite it first acquires the writeback shared intent (spec.md:
// "after acquiring the writeback intent-lock for write transactions").
// Caller must hold c.mu and must fire the returned closures only after
// releasing it.
func (t *Transaction) begin(beginCb func(*Transaction)) []func() {
	opened := func() func() {
		t.sharedIntentHeld = true
		t.state = txnOpen
		if beginCb == nil {
			return nil
		}
		return func() { beginCb(t) }
	}

	if t.access == ReadOnly {
		t.state = txnOpen
		if beginCb == nil {
			return nil
		}
		return []func(){func() { beginCb(t) }}
	}

	intent := t.cache.writebackState.intent
	if intent.tryShared() {
		if fire := opened(); fire != nil {
			return []func(){fire}
		}
		return nil
	}
	intent.addWaiter(true, opened)
	return nil
}

// rememberHeld/forgetHeld track which blocks this transaction currently
// holds, so Commit can assert every acquired block was released (spec.md:
// "forgetting to release is a fatal debug assertion").
func (t *Transaction) rememberHeld(b *Block) { t.held[b] = b.holders[t] }
func (t *Transaction) forgetHeld(b *Block)   { delete(t.held, b) }

// Acquire attempts to hand back block_id in mode synchronously; on a
// miss or lock contention it registers cb and returns (nil, nil), firing
// cb exactly once later. Spec.md §4.2.
func (t *Transaction) Acquire(id BlockId, mode AccessMode, cb BlockAvailableFunc) (*Block, error) {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()

	if t.state != txnOpen {
		t.cache.fatalf("Acquire called on transaction not in Open state (block %d)", id)
	}
	if t.cache.shuttingDown {
		return nil, wrapErr("Acquire", id, ErrShutdown)
	}

	if b, ok := t.cache.pageMap.get(id); ok {
		if !b.cached {
			b.addLoadWaiter(func(loaded *Block) { t.tryOrWait(loaded, mode, cb) })
			return nil, nil
		}
		t.cache.stats.Hits++
		if b.acquireLocked(t, mode) {
			t.cache.pageRepl.promote(b)
			t.cache.maybeEvict()
			return b, nil
		}
		b.addLockWaiter(t, mode, cb)
		return nil, nil
	}

	b, err := t.cache.createLoadingBlock(id)
	if err != nil {
		return nil, err
	}
	b.addLoadWaiter(func(loaded *Block) { t.tryOrWait(loaded, mode, cb) })
	return nil, nil
}

// tryOrWait is the continuation run once a block finishes loading: it
// re-attempts the lock for the waiter at the head of load_waiters, and if
// still contended, falls through to the ordinary lock-waiter queue. It is
// always invoked outside the mutex (as a fired load-waiter closure), so it
// locks c.mu itself.
func (t *Transaction) tryOrWait(b *Block, mode AccessMode, cb BlockAvailableFunc) {
	t.cache.mu.Lock()
	if b.acquireLocked(t, mode) {
		t.cache.pageRepl.promote(b)
		t.cache.maybeEvict()
		t.cache.mu.Unlock()
		cb(b)
		return
	}
	b.addLockWaiter(t, mode, cb)
	t.cache.mu.Unlock()
}

// Upgrade promotes a block held in IntentWrite to Write, per spec.md
// §4.3's upgrade(IntentWrite -> Write): waits until all Readers drain, and
// blocks new Reads from entering ahead of the upgrader while it waits.
// Returns the block synchronously if no readers are present, otherwise
// fires cb once they have drained. The original source leaves this path
// unexercised (spec.md §9 Open Questions); this implementation resolves it
// FIFO-fair the same way a fresh Write acquire would be, see DESIGN.md.
func (t *Transaction) Upgrade(b *Block, cb BlockAvailableFunc) (*Block, error) {
	t.cache.mu.Lock()
	if b.holders[t] != IntentWrite {
		t.cache.fatalf("Upgrade called without holding IntentWrite on block %d", b.id)
	}
	ready := b.concurrency.requestUpgrade(func() func() {
		b.concurrency.completeUpgrade()
		b.holders[t] = Write
		return func() { cb(b) }
	})
	if ready {
		b.concurrency.completeUpgrade()
		b.holders[t] = Write
		t.cache.mu.Unlock()
		return b, nil
	}
	t.cache.mu.Unlock()
	return nil, nil
}

// Allocate asks the serializer for a fresh id, creates a zero-initialized
// cached block, and returns it synchronously, Write-locked -- always
// immediately grantable because nothing else has ever seen the id
// (spec.md §8 scenario S6).
func (t *Transaction) Allocate() (*Block, error) {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()

	if t.state != txnOpen {
		t.cache.fatalf("Allocate called on transaction not in Open state")
	}
	if t.cache.shuttingDown {
		return nil, wrapErr("Allocate", 0, ErrShutdown)
	}
	id, err := t.cache.serial.Allocate()
	if err != nil {
		return nil, wrapErr("Allocate", 0, err)
	}
	b, err := t.cache.createBuf(id, nil)
	if err != nil {
		return nil, err
	}
	if !b.acquireLocked(t, Write) {
		t.cache.fatalf("Allocate: freshly allocated block %d was not immediately lockable", id)
	}
	t.cache.pageRepl.promote(b)
	t.cache.maybeEvict()
	return b, nil
}

// Commit finalizes the transaction. A read-only transaction returns true
// synchronously and never invokes commitCb. A read-write transaction
// returns false and commitCb fires after writeback sync (immediately
// after the dirty bits are set if config.WaitForFlush is false, after the
// covering flush round durably completes otherwise). Spec.md §4.2.
func (t *Transaction) Commit(commitCb func(error)) bool {
	if t.access == ReadOnly {
		t.cache.mu.Lock()
		t.checkAllReleased()
		t.state = txnCommitted
		t.cache.nTransFreed++
		t.cache.mu.Unlock()
		return true
	}

	t.cache.mu.Lock()
	t.checkAllReleased()
	t.state = txnCommitting
	t.cache.mu.Unlock()

	finish := func(err error) {
		t.cache.mu.Lock()
		t.state = txnCommitted
		var fires []func()
		if t.sharedIntentHeld {
			fires = t.cache.writebackState.intent.releaseShared()
			t.sharedIntentHeld = false
		}
		t.cache.nTransFreed++
		t.cache.mu.Unlock()

		for _, fire := range fires {
			fire()
		}
		if commitCb != nil {
			commitCb(err)
		}
	}

	t.cache.mu.Lock()
	var immediate []func()
	if t.cache.config.WaitForFlush {
		immediate = t.cache.writebackState.sync(finish)
	} else {
		immediate = []func(){func() { finish(nil) }}
	}
	t.cache.mu.Unlock()

	for _, fire := range immediate {
		fire()
	}
	return false
}

// checkAllReleased is the fatal debug assertion spec.md §4.2 calls for:
// forgetting to release a held block before commit halts the process.
// Caller must hold c.mu.
func (t *Transaction) checkAllReleased() {
	if len(t.held) != 0 {
		ids := make([]BlockId, 0, len(t.held))
		for b := range t.held {
			ids = append(ids, b.id)
		}
		t.cache.fatalf("commit called with %d block(s) still held: %v", len(t.held), ids)
	}
}
