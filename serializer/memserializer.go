package serializer

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoSuchBlock is returned by Read when asked for a block the in-memory
// store has never allocated.
var ErrNoSuchBlock = errors.New("serializer: no such block")

// MemSerializer is an in-memory stand-in for a real block device, modeled
// on the teacher's basic.Space simulation (LoadPageByPageNumber /
// FlushToDisk operating on a []byte per page) but honoring the
// serializer's async contract: every completion is delivered from a fresh
// goroutine, never synchronously from within the call that registered it,
// so callers exercise the same suspension points production code would
// hit against a real block device.
type MemSerializer struct {
	mu        sync.Mutex
	blockSize int
	nextID    BlockId
	blocks    map[BlockId][]byte
	readCount int

	// gate lets a test hold every Read/WriteMany in flight until
	// explicitly released, for exercising suspension points
	// deterministically (see cache/cache_test.go scenario S1).
	gate *gate
}

// NewMemSerializer builds an empty in-memory serializer.
func NewMemSerializer(blockSize int) *MemSerializer {
	return &MemSerializer{
		blockSize: blockSize,
		blocks:    make(map[BlockId][]byte),
		gate:      newGate(),
	}
}

func (m *MemSerializer) BlockSize() int { return m.blockSize }

func (m *MemSerializer) Allocate() (BlockId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.blocks[id] = make([]byte, m.blockSize)
	return id, nil
}

func (m *MemSerializer) Read(id BlockId, buf []byte, cb CompletionFunc) {
	m.gate.await(func() {
		m.mu.Lock()
		data, ok := m.blocks[id]
		m.readCount++
		m.mu.Unlock()

		var ev Event
		if !ok {
			ev.Err = errors.Wrapf(ErrNoSuchBlock, "block %d", id)
		} else {
			copy(buf, data)
		}
		cb(ev)
	})
}

func (m *MemSerializer) WriteMany(writes []Write, cb CompletionFunc) {
	m.gate.await(func() {
		m.mu.Lock()
		for _, w := range writes {
			stored := make([]byte, m.blockSize)
			copy(stored, w.Data)
			m.blocks[w.ID] = stored
		}
		m.mu.Unlock()
		cb(Event{})
	})
}

// Snapshot returns a defensive copy of a block's on-disk content, for
// assertions in tests.
func (m *MemSerializer) Snapshot(id BlockId) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// ReadCount returns the number of Read calls that have completed so far,
// for tests asserting a cache miss issues exactly one read regardless of
// how many transactions queued on it.
func (m *MemSerializer) ReadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount
}

// HoldIO makes every subsequent Read/WriteMany block until Release is
// called, so a test can assert on in-flight state before letting the I/O
// complete.
func (m *MemSerializer) HoldIO() { m.gate.close() }

// Release lets every held and future I/O op through.
func (m *MemSerializer) Release() { m.gate.open() }

// gate is a reusable open/closed latch: await runs fn immediately if open,
// or blocks the calling goroutine until the next open() if closed.
type gate struct {
	mu     sync.Mutex
	open_  bool
	waitCh chan struct{}
}

func newGate() *gate {
	return &gate{open_: true}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open_ {
		g.open_ = false
		g.waitCh = make(chan struct{})
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open_ {
		g.open_ = true
		close(g.waitCh)
	}
}

func (g *gate) await(fn func()) {
	g.mu.Lock()
	if g.open_ {
		g.mu.Unlock()
		go fn()
		return
	}
	ch := g.waitCh
	g.mu.Unlock()
	go func() {
		<-ch
		fn()
	}()
}
