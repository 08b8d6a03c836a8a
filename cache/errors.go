package cache

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/a10y/bufcache/logger"
)

// Sentinel errors for the taxonomy spec.md §7 lays out. Only TransientIo
// and ResourceExhausted (and Shutdown) ever reach driver code; Programming
// violations are fatal and handled by fatalf below, never returned.
var (
	// ErrTransientIo wraps a serializer read/write failure.
	ErrTransientIo = errors.New("transient serializer I/O error")
	// ErrResourceExhausted is returned synchronously by Acquire/Allocate
	// when a buffer cannot be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrShutdown is returned synchronously by Acquire/Allocate after the
	// cache has started shutting down. BeginTransaction does not return it.
	ErrShutdown = errors.New("cache is shutting down")
	// ErrNotHeld describes a Release by a transaction that does not hold
	// the block's lock. Block.Release does not return it: that case is a
	// Programming violation and goes through fatalf.
	ErrNotHeld = errors.New("block is not held by this transaction")
)

// CacheError wraps a sentinel with the operation and block that produced
// it, and a captured stack (via github.com/pkg/errors), mirroring the
// teacher's own BufferPoolError{Op, Err}+Unwrap shape in
// buffer_pool/errors.go.
type CacheError struct {
	Op      string
	BlockID BlockId
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(block=%d): %s", e.Op, e.BlockID, e.Err.Error())
}

func (e *CacheError) Unwrap() error { return e.Err }

func wrapErr(op string, id BlockId, err error) error {
	if err == nil {
		return nil
	}
	return &CacheError{Op: op, BlockID: id, Err: errors.WithStack(err)}
}

// IsTransientIo reports whether err (or something it wraps) is a transient
// serializer I/O failure.
func IsTransientIo(err error) bool { return errors.Is(err, ErrTransientIo) }

// IsResourceExhausted reports whether err is a buffer allocation failure.
func IsResourceExhausted(err error) bool { return errors.Is(err, ErrResourceExhausted) }

// IsShutdown reports whether err is a post-shutdown rejection.
func IsShutdown(err error) bool { return errors.Is(err, ErrShutdown) }

// fatalf logs the deadlock dump and then panics. It is the only path for a
// Programming-taxonomy violation (spec.md §7): these must be prevented, not
// handled, so the process aborts with a diagnostic instead of returning an
// error a caller might swallow.
func (c *Cache) fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	dump := c.deadlockDumpLocked()
	logger.Log.Errorf("fatal programming-invariant violation: %s\n%s", msg, dump)
	panic(fmt.Sprintf("bufcache: %s\n%s", msg, dump))
}
