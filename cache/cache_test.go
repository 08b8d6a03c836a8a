package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a10y/bufcache/cache"
	"github.com/a10y/bufcache/scheduler"
	"github.com/a10y/bufcache/serializer"
)

func newTestCache(t *testing.T, cfg cache.Config) (*cache.Cache, *serializer.MemSerializer) {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	serial := serializer.NewMemSerializer(cfg.BlockSize)
	c := cache.New(cfg, serial, sched)
	c.Start()
	return c, serial
}

func smallConfig() cache.Config {
	return cache.Config{
		BlockSize:             64,
		MaxSizeBytes:          64 * 4, // 4 blocks resident max
		WaitForFlush:          true,
		FlushTimerMs:          0, // no timer; tests drive flush explicitly
		FlushThresholdPercent: 100,
	}
}

// withReadWriteTxn begins a ReadWrite transaction, runs body as its begin
// callback, and blocks until body returns. It does not commit the
// transaction.
func withReadWriteTxn(t *testing.T, c *cache.Cache, body func(txn *cache.Transaction)) {
	t.Helper()
	done := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		body(txn)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction body never completed")
	}
}

// TestAllocateIsSynchronous covers spec.md §8 scenario S6: Allocate always
// returns a Write-locked block synchronously, never through a callback, and
// the payload written through it survives a commit.
func TestAllocateIsSynchronous(t *testing.T) {
	c, serial := newTestCache(t, smallConfig())

	var gotID serializer.BlockId
	var commitTxn *cache.Transaction
	ready := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		require.NotNil(t, blk)
		gotID = blk.GetBlockId()

		copy(blk.Ptr(), []byte("fresh block"))
		blk.SetDirty()
		blk.Release(txn)
		commitTxn = txn
		close(ready)
	})
	<-ready

	commitErr := make(chan error, 1)
	commitTxn.Commit(func(err error) { commitErr <- err })

	select {
	case err := <-commitErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit never completed")
	}

	snap := serial.Snapshot(gotID)
	require.NotNil(t, snap, "allocated block's id should already be known to the serializer")
	assert.Equal(t, []byte("fresh block"), snap[:len("fresh block")])
}

// TestMissLoadThenDoubleReader covers spec.md §8 scenario S1: a cache miss
// issues exactly one read; a second Acquire for the same id while the read
// is in flight queues as a load waiter rather than issuing a second read,
// and once the load completes both readers are granted.
func TestMissLoadThenDoubleReader(t *testing.T) {
	c, serial := newTestCache(t, smallConfig())

	// Register a block id with the serializer through an Allocate on a
	// first cache, then start a *second* cache instance pointed at the
	// same serializer so the Acquire below is a genuine miss. The payload
	// written here is never flushed (the transaction does not commit and
	// the flush threshold is not reached), so the serializer still holds
	// the block's zeroed allocation; the test checks the read count and
	// the grants, not the content.
	var id serializer.BlockId
	withReadWriteTxn(t, c, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		id = blk.GetBlockId()
		copy(blk.Ptr(), []byte("durable payload"))
		blk.SetDirty()
		blk.Release(txn)
	})

	sched2 := scheduler.New()
	t.Cleanup(sched2.Stop)
	c2 := cache.New(smallConfig(), serial, sched2)
	c2.Start()

	readsBefore := serial.ReadCount()

	serial.HoldIO()
	defer serial.Release()

	var wg sync.WaitGroup
	results := make([]*cache.Block, 2)
	var txns [2]*cache.Transaction

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		txns[i] = c2.BeginTransaction(cache.ReadOnly, func(txn *cache.Transaction) {
			blk, err := txn.Acquire(id, cache.Read, func(b *cache.Block) {
				results[i] = b
				wg.Done()
			})
			require.NoError(t, err)
			if blk != nil {
				results[i] = blk
				wg.Done()
			}
		})
	}

	serial.Release()

	waitTimeout(t, &wg, 2*time.Second)

	assert.Equal(t, 1, serial.ReadCount()-readsBefore,
		"exactly one serializer read should have been issued for the shared miss")

	for i, blk := range results {
		require.NotNil(t, blk, "reader %d should have been granted the block", i)
		blk.Release(txns[i])
	}
}

// TestWriterBlocksReader covers spec.md §8 scenario S2: a held Write lock
// defers a concurrent Read until release.
func TestWriterBlocksReader(t *testing.T) {
	c, _ := newTestCache(t, smallConfig())

	var id serializer.BlockId
	var writerTxn *cache.Transaction
	var writerBlk *cache.Block

	writerReady := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		id = blk.GetBlockId()
		writerTxn = txn
		writerBlk = blk
		close(writerReady)
	})
	<-writerReady

	readerGranted := make(chan *cache.Block, 1)
	var readerTxn *cache.Transaction
	readerTxn = c.BeginTransaction(cache.ReadOnly, func(txn *cache.Transaction) {
		blk, err := txn.Acquire(id, cache.Read, func(b *cache.Block) {
			readerGranted <- b
		})
		require.NoError(t, err)
		if blk != nil {
			readerGranted <- blk
		}
	})

	select {
	case <-readerGranted:
		t.Fatal("reader should not be granted while writer holds the block")
	case <-time.After(100 * time.Millisecond):
	}

	writerBlk.Release(writerTxn)

	select {
	case blk := <-readerGranted:
		require.NotNil(t, blk)
		blk.Release(readerTxn)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was never granted after writer released")
	}
}

// TestCommitFlushesDirtyBlocks covers spec.md §8 scenario S3: a WaitForFlush
// commit does not return durable until the covering flush completes.
func TestCommitFlushesDirtyBlocks(t *testing.T) {
	c, serial := newTestCache(t, smallConfig())

	var id serializer.BlockId
	var commitTxn *cache.Transaction
	ready := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		id = blk.GetBlockId()
		copy(blk.Ptr(), []byte("committed payload"))
		blk.SetDirty()
		blk.Release(txn)
		commitTxn = txn
		close(ready)
	})
	<-ready

	commitErr := make(chan error, 1)
	commitTxn.Commit(func(err error) { commitErr <- err })

	select {
	case err := <-commitErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit never completed")
	}

	assert.Equal(t, []byte("committed payload"), serial.Snapshot(id)[:len("committed payload")])
}

// TestEvictionRespectsPins covers spec.md §8 scenario S4: a resident block
// that is still locked is never chosen as an eviction victim even when the
// cache is over its resident-block budget.
func TestEvictionRespectsPins(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxSizeBytes = int64(cfg.BlockSize) * 2 // only 2 blocks resident at once
	c, _ := newTestCache(t, cfg)

	var pinnedTxn *cache.Transaction
	var pinnedBlk *cache.Block

	// Allocate and pin a block via a write transaction; it stays
	// Write-locked until the end of the test.
	pinnedReady2 := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		pinnedTxn = txn
		pinnedBlk = blk
		close(pinnedReady2)
	})
	<-pinnedReady2

	// Allocate two more blocks while the first stays pinned (held Write);
	// the cache is now over budget (3 resident, budget 2) and must evict
	// around the pin rather than unloading it.
	for i := 0; i < 2; i++ {
		done := make(chan struct{})
		c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
			blk, err := txn.Allocate()
			require.NoError(t, err)
			blk.Release(txn)
			close(done)
		})
		<-done
	}

	assert.Equal(t, 2, c.Stats().ResidentBlocks, "resident set should be capped at the configured budget")

	// The pinned block must still be usable: Ptr must not panic, proving
	// it was never unloaded out from under the holder.
	assert.NotPanics(t, func() { pinnedBlk.Ptr() })
	pinnedBlk.Release(pinnedTxn)
}

// TestShutdownDrainsResidentBlocks covers spec.md §8 scenario S5: Shutdown
// flushes every dirty block and leaves nothing resident.
func TestShutdownDrainsResidentBlocks(t *testing.T) {
	cfg := smallConfig()
	cfg.WaitForFlush = false // commit leaves the block dirty for Shutdown
	c, serial := newTestCache(t, cfg)

	var id serializer.BlockId
	done := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		blk, err := txn.Allocate()
		require.NoError(t, err)
		id = blk.GetBlockId()
		copy(blk.Ptr(), []byte("must survive shutdown"))
		blk.SetDirty()
		blk.Release(txn)
		// Shutdown waits for every open ReadWrite transaction to release
		// the writeback intent, so this one commits first.
		txn.Commit(nil)
		close(done)
	})
	<-done

	shutdownDone := make(chan struct{})
	c.Shutdown(func() { close(shutdownDone) })

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed")
	}

	assert.Equal(t, 0, c.Stats().ResidentBlocks)
	assert.Equal(t, 0, c.Stats().DirtyBlocks)
	snap := serial.Snapshot(id)
	require.NotNil(t, snap)
	assert.Equal(t, []byte("must survive shutdown"), snap[:len("must survive shutdown")])
}

// TestResourceExhaustedOnAllocFailure exercises the debug seam modeling
// spec.md §4.1's "out-of-memory fails the current acquire with
// ResourceExhausted".
func TestResourceExhaustedOnAllocFailure(t *testing.T) {
	c, _ := newTestCache(t, smallConfig())
	cache.DebugFailNextAlloc(c)

	done := make(chan struct{})
	c.BeginTransaction(cache.ReadWrite, func(txn *cache.Transaction) {
		_, err := txn.Allocate()
		assert.True(t, cache.IsResourceExhausted(err))
		close(done)
	})
	<-done
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(d):
		t.Fatal("timed out waiting for waitgroup")
	}
}
