package pool

import "errors"

// Error kinds returned by KeyedPool.Borrow/Return/Invalidate. Callers in the
// root package translate these into the public memcached.Err* sentinels so
// package internal/pool never leaks into the public API surface.
var (
	// ErrExhausted is returned when a bounded, non-disposable pool has no
	// idle instance and Borrow's timeout elapses before max permits
	// creating a new one.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrNoValidObject is returned when instance creation fails, or when
	// validation keeps failing past the retry budget.
	ErrNoValidObject = errors.New("pool: no valid object")

	// ErrTimeout is returned when the underlying factory's Create call
	// itself reports a timeout (e.g. connect timeout), distinct from the
	// pool's own borrow-wait timeout.
	ErrTimeout = errors.New("pool: create timed out")

	// ErrClosed is returned by a Borrow that observes its key's pool being
	// destroyed. DestroyKey removes the key, so a Borrow that starts after
	// it gets a fresh pool for that key.
	ErrClosed = errors.New("pool: closed")
)
