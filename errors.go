package memcached

import (
	"errors"
	"fmt"

	"github.com/outpostcache/memcached/internal/codec"
	"github.com/outpostcache/memcached/internal/conn"
	"github.com/outpostcache/memcached/internal/pool"
)

// Sentinel errors returned across the public API. Internal package errors
// (internal/pool, internal/codec, internal/conn) are translated to these
// at the cache boundary so callers never need to import internal packages.
var (
	ErrPoolExhausted  = errors.New("memcached: pool exhausted")
	ErrNoValidObject  = errors.New("memcached: no valid connection available")
	ErrTimeout        = errors.New("memcached: operation timed out")
	ErrClosed         = errors.New("memcached: cache is closed")
	ErrTransport      = errors.New("memcached: transport error")
	ErrProtocol       = errors.New("memcached: protocol error")
	ErrNoServer       = errors.New("memcached: no live server available for key")
)

// ServerStatusError wraps a non-NoError response status from the server.
type ServerStatusError struct {
	Status codec.Status
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("memcached: server status: %s", e.Status)
}

// translateErr maps an internal/pool, internal/conn or internal/codec error
// to its public equivalent. Unrecognized errors are wrapped under
// ErrTransport.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, conn.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, pool.ErrExhausted):
		return ErrPoolExhausted
	case errors.Is(err, pool.ErrNoValidObject):
		return ErrNoValidObject
	case errors.Is(err, pool.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, pool.ErrClosed):
		return ErrClosed
	}
	var perr *codec.ErrProtocol
	if errors.As(err, &perr) {
		return fmt.Errorf("%w: %s", ErrProtocol, perr.Reason)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
