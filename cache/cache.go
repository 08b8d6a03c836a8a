// Package cache implements the mirrored buffer cache: an in-memory page
// cache mediating transactional access to fixed-size blocks backed by a
// serializer.Serializer, coordinating concurrent transactions, evicting
// clean pages under pressure, and writing dirty pages back asynchronously.
//
// It is grounded on the teacher's InnoDB-shaped buffer pool
// (server/innodb/buffer_pool + server/innodb/manager in
// zhukovaskychina/xmysql-server) generalized to the capability-composition
// structure spec.md §9 calls for: the Cache holds four independently
// swappable policies (page map, page replacement, writeback, and the
// per-block RWI lock) instead of the teacher's single LRU-only design.
//
// Concurrency is a single cache-wide mutex, the same shape as the teacher's
// buffer_pool.go sync.RWMutex: every public method locks mu, mutates state,
// and -- critically -- always unlocks before invoking any caller-supplied
// callback. That ordering is what lets a callback call straight back into
// Acquire/Release/Commit from within its own call stack (spec.md's
// callback-based API assumes exactly that) without deadlocking on its own
// lock.
package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/a10y/bufcache/logger"
	"github.com/a10y/bufcache/scheduler"
	"github.com/a10y/bufcache/serializer"
)

// BlockId is the cache-facing name for the serializer's block identifier.
// The serializer owns allocation (spec.md §4.1: "ids are serializer-minted,
// dense, and never reused"); the cache only ever receives or echoes them.
type BlockId = serializer.BlockId

// Stats mirrors the teacher's GetHitRatio/GetDirtyPageRatio/RecordPage*
// counters (buffer_pool.go).
type Stats struct {
	Hits, Misses       uint64
	Reads, Writes      uint64
	Evictions, Flushes uint64
	ResidentBlocks     int
	DirtyBlocks        int
}

// HitRatio returns Hits / (Hits+Misses), 0 if there have been no lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the top-level coordinator: spec.md §4.1. It owns the page map,
// the block set, the writeback state, the page-replacement state, and the
// serializer handle.
type Cache struct {
	mu sync.Mutex

	config Config
	serial serializer.Serializer
	sched  *scheduler.Handle

	pageMap        *pageMap
	pageRepl       *pageReplacement
	writebackState *writeback

	shuttingDown bool
	shutDown     bool

	stats Stats

	nTransCreated, nTransFreed    int
	nBlocksAcquired, nBlocksFreed int
	debugFailNextAlloc            bool
}

// fireAll runs every queued callback in order. It exists only to keep the
// "unlock, then fire" idiom at call sites short; it has no locking
// semantics of its own.
func fireAll(fires []func()) {
	for _, fire := range fires {
		fire()
	}
}

// New builds a Cache bound to sched and serial. It does not start
// writeback; call Start for that, mirroring the teacher's split between
// construction and NewBufferPoolManager's startBackgroundThreads.
func New(cfg Config, serial serializer.Serializer, sched *scheduler.Handle) *Cache {
	c := &Cache{
		config:   cfg,
		serial:   serial,
		sched:    sched,
		pageMap:  newPageMap(),
		pageRepl: newPageReplacement(),
	}
	c.writebackState = newWriteback(c, cfg.flushThresholdBlocks())
	return c
}

// Start arms the writeback timer. No blocks are resident yet.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writebackState.start(c.config.FlushTimerMs)
}

// BeginTransaction synchronously returns a Transaction; beginCb fires once
// the transaction may acquire blocks -- immediately for a read-only
// transaction, after the shared writeback intent is granted for a
// read-write one (spec.md §4.2).
func (c *Cache) BeginTransaction(access TxnAccess, beginCb func(*Transaction)) *Transaction {
	c.mu.Lock()
	txn := &Transaction{
		cache:  c,
		access: access,
		state:  txnPending,
		held:   make(map[*Block]AccessMode),
	}
	c.nTransCreated++
	fires := txn.begin(beginCb)
	c.mu.Unlock()

	fireAll(fires)
	return txn
}

// createBuf allocates a block record for a newly allocated id, marks it
// cached with the given content, and inserts it into the page map. Caller
// must hold c.mu.
func (c *Cache) createBuf(id BlockId, content []byte) (*Block, error) {
	buf, err := c.allocBuffer()
	if err != nil {
		return nil, err
	}
	if content != nil {
		copy(buf, content)
	}
	b := newBlock(c, id)
	b.data = buf
	b.cached = true
	c.pageMap.insert(b)
	c.pageRepl.track(b)
	return b, nil
}

// createLoadingBlock allocates a not-yet-cached block record for a cache
// miss and issues the serializer read, notifying waiters on completion.
// Caller must hold c.mu.
func (c *Cache) createLoadingBlock(id BlockId) (*Block, error) {
	buf, err := c.allocBuffer()
	if err != nil {
		return nil, err
	}
	b := newBlock(c, id)
	b.data = buf
	b.cached = false
	c.pageMap.insert(b)
	c.pageRepl.track(b)

	c.stats.Misses++
	c.stats.Reads++
	logger.Log.Debugf("cache: miss on block %d, issuing read", id)
	c.serial.Read(id, b.data, func(ev serializer.Event) {
		c.aioComplete(b, ev.Err)
	})
	return b, nil
}

// DebugFailNextAlloc arms the testing seam that fails the next buffer
// allocation with ErrResourceExhausted, exercising the path real Go
// allocation failure cannot: an actual OOM is a fatal panic, not an error
// return. Exported only for test packages outside cache itself.
func DebugFailNextAlloc(c *Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugFailNextAlloc = true
}

// allocBuffer allocates a block_size buffer, modeling spec.md §4.1's
// "Out-of-memory on buffer allocation fails the current acquire with
// ResourceExhausted." Real Go allocation failure surfaces as a fatal OOM
// panic rather than an error, so debugFailNextAlloc is the testing seam
// that exercises this path (see cache_test.go). Caller must hold c.mu.
func (c *Cache) allocBuffer() ([]byte, error) {
	if c.debugFailNextAlloc {
		c.debugFailNextAlloc = false
		return nil, wrapErr("allocBuffer", 0, ErrResourceExhausted)
	}
	return make([]byte, c.config.BlockSize), nil
}

// aioComplete is the serializer read-completion dispatcher: spec.md §4.1.
// It locks mu itself since it runs from the serializer's own goroutine, not
// from within a method that already holds the lock.
func (c *Cache) aioComplete(b *Block, err error) {
	c.mu.Lock()
	if err != nil {
		if !b.loadRetried {
			b.loadRetried = true
			logger.Log.Warnf("cache: read of block %d failed, retrying once: %v", b.id, err)
			c.mu.Unlock()
			c.serial.Read(b.id, b.data, func(ev serializer.Event) {
				c.aioComplete(b, ev.Err)
			})
			return
		}
		// TransientIo: notify every load waiter with the failure by handing
		// back a nil block is not expressible through
		// BlockAvailableFunc(*Block); spec.md marks the precise per-block
		// error surfacing on a read failure as ambiguous (§9 Open
		// Questions), but §4.1 is explicit that "serializer I/O errors are
		// currently treated as fatal." A single retry already failed, so
		// this block can never leave Loading through the normal path --
		// fatalf aborts with the deadlock dump instead of leaving the
		// pending load waiters stuck forever.
		c.fatalf("read of block %d failed permanently after one retry: %v", b.id, err)
	}
	b.cached = true
	// maybeEvict must run while b still has its load waiters queued, so
	// safeToUnload(b) is false and b cannot be chosen as its own eviction
	// victim: draining the waiters first would let a just-completed load be
	// unloaded before anyone acquires it, contradicting spec.md §4.7 ("the
	// transition path from Loading to Evicted is impossible because Loading
	// implies outstanding load waiters").
	c.maybeEvict()
	toFire := b.takeLoadWaiters()
	c.mu.Unlock()

	for _, waiter := range toFire {
		waiter(b)
	}
}

// doUnloadBuf removes b from the page map and frees it. Precondition:
// safeToUnload(b). Violating that precondition is a Programming error.
// Caller must hold c.mu.
func (c *Cache) doUnloadBuf(b *Block) {
	if !b.safeToUnload() {
		c.fatalf("doUnloadBuf: block %d is not safe to unload", b.id)
	}
	c.pageMap.remove(b.id)
	c.pageRepl.untrack(b)
	c.stats.Evictions++
}

// maybeEvict scans for victims once resident count exceeds max_blocks and
// unloads them. Runs synchronously after acquire and after aioComplete, as
// spec.md §4.5 requires; never blocks. Caller must hold c.mu.
func (c *Cache) maybeEvict() {
	max := c.config.maxBlocks()
	if max <= 0 {
		return
	}
	over := c.pageRepl.residentCount() - max
	if over <= 0 {
		return
	}
	for _, victim := range c.pageRepl.victims(over) {
		c.doUnloadBuf(victim)
	}
}

// Shutdown triggers a final writeback flush; on completion every block is
// unloaded and cb is invoked. drain locks c.mu itself, so it is safe to
// call both right after Shutdown's own immediate-grant path unlocks and as
// a deferred fire closure run by whichever caller's releaseShared/
// releaseExclusive dispatch eventually grants the exclusive intent.
func (c *Cache) Shutdown(cb func()) {
	var drain func()

	c.mu.Lock()
	c.shuttingDown = true
	grantedNow := c.writebackState.intent.tryExclusive()
	if !grantedNow {
		c.writebackState.intent.addWaiter(false, func() func() { return drain })
	}
	c.mu.Unlock()

	drain = func() {
		c.mu.Lock()
		fires := c.writebackState.flush(func(err error) {
			c.mu.Lock()
			for _, b := range c.pageMap.all() {
				b.writeback.dirty = false
				b.writeback.inDirtySet = false
				b.writeback.inFlight = false
				b.loadWaiters = nil
				b.activeCallbacks = 0
				c.doUnloadBufForce(b)
			}
			exFires := c.writebackState.intent.releaseExclusive()
			c.writebackState.stop()
			c.shutDown = true
			c.mu.Unlock()
			for _, fire := range exFires {
				fire()
			}
			if cb != nil {
				cb()
			}
		})
		c.mu.Unlock()
		for _, fire := range fires {
			fire()
		}
	}

	c.mu.Lock()
	c.shuttingDown = true
	grantedNow := c.writebackState.intent.tryExclusive()
	if !grantedNow {
		c.writebackState.intent.addWaiter(false, func() func() { return drain })
	}
	c.mu.Unlock()

	if grantedNow {
		drain()
	}
}

// doUnloadBufForce is shutdown's unconditional unload. Shutdown clears each
// block's dirty, in-flight and load-waiter state immediately beforehand
// (above) but not its lock holders or lock waiters, so safeToUnload need
// not hold; this helper skips doUnloadBuf's assertion and does not count
// an eviction. Caller must hold c.mu.
func (c *Cache) doUnloadBufForce(b *Block) {
	c.pageMap.remove(b.id)
	c.pageRepl.untrack(b)
}

// Stats returns a snapshot of cache-wide counters (SPEC_FULL.md's
// supplemented statistics surface).
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ResidentBlocks = c.pageRepl.residentCount()
	s.DirtyBlocks = c.writebackState.dirtyCount()
	return s
}

// DirtyFraction reports the resident dirty fraction, for a driver to log
// or alert on (SPEC_FULL.md's supplemented auto-tuning stat).
func (c *Cache) DirtyFraction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pageRepl.residentCount() == 0 {
		return 0
	}
	return float64(c.writebackState.dirtyCount()) / float64(c.pageRepl.residentCount())
}

// DeadlockDump implements the §6 diagnostic interface: for every resident
// block, its cached/dirty/in-flight flags, the number of queued load
// waiters and lock waiters, and the transaction and mode of every lock
// holder. Queued waiters are counted, not identified. Safe to call from a
// watchdog goroutine.
func (c *Cache) DeadlockDump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlockDumpLocked()
}

// deadlockDumpLocked is fatalf's entry point: fatalf always runs with c.mu
// already held (every call site is inside a locked method), so it cannot
// go through DeadlockDump without self-deadlocking on a non-reentrant
// mutex.
func (c *Cache) deadlockDumpLocked() string {
	var sb strings.Builder
	blocks := c.pageMap.all()
	fmt.Fprintf(&sb, "bufcache deadlock dump: %s resident, %s dirty\n",
		humanize.Comma(int64(len(blocks))), humanize.Comma(int64(c.writebackState.dirtyCount())))
	for _, b := range blocks {
		fmt.Fprintf(&sb, "block %d: cached=%v dirty=%v inFlight=%v loadWaiters=%d lockWaiters=%d\n",
			b.id, b.cached, b.writeback.dirty, b.writeback.inFlight,
			len(b.loadWaiters), b.concurrency.waiterCount())
		for txn, mode := range b.holders {
			fmt.Fprintf(&sb, "\theld by txn %p in mode %s\n", txn, mode)
		}
	}
	return sb.String()
}
