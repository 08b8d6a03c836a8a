// Package scheduler models the "global cpu-context / event queue" spec.md
// §9 calls for: an explicit handle, passed into the cache at construction,
// giving every per-block policy a place to register repeat timers without
// the cache hand-rolling its own goroutine/ticker bookkeeping. It
// generalizes the teacher's own manager.BufferPoolManager pattern (a
// stopChan plus a *time.Ticker driving a background flush) into a reusable
// primitive.
package scheduler

import (
	"sync"
	"time"
)

// Handle is the scheduler a Cache is bound to for its entire lifetime
// (spec.md §5: "a cache instance is pinned to one scheduler thread").
// Safety of the cache's own data structures comes from the cache's mutex,
// not from Handle -- Handle only owns timer lifecycles, so it has no
// reentrancy hazard: nothing ever blocks waiting on it.
type Handle struct {
	mu      sync.Mutex
	timers  []func() // stop functions, for Stop to sweep
	stopped bool
}

// New creates a scheduler handle with no timers armed.
func New() *Handle {
	return &Handle{}
}

// Post runs fn asynchronously, off the caller's current call stack. It
// exists for collaborators (chiefly serializer implementations) that need
// to guarantee a completion callback never fires synchronously from
// within the call that registered it.
func (h *Handle) Post(fn func()) {
	go fn()
}

// RegisterTimer arms a repeating timer that calls fn every d until the
// returned stop func is called or the Handle itself is stopped. This is
// how writeback's flush_timer_ms is armed (writeback.start).
func (h *Handle) RegisterTimer(d time.Duration, fn func()) (stop func()) {
	t := time.NewTicker(d)
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-stopped:
				t.Stop()
				return
			}
		}
	}()
	var once sync.Once
	stopFn := func() { once.Do(func() { close(stopped) }) }

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		stopFn()
		return stopFn
	}
	h.timers = append(h.timers, stopFn)
	h.mu.Unlock()
	return stopFn
}

// Stop disarms every timer registered through this Handle. Safe to call
// more than once.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for _, stop := range h.timers {
		stop()
	}
}
