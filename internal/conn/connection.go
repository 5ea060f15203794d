// Package conn implements the owned duplex channel to one memcached server:
// request encoding, response decoding, and opaque-based request/response
// correlation.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outpostcache/memcached/internal/codec"
)

// ErrTimeout is returned when a request's response does not arrive within
// its response timeout.
var ErrTimeout = errors.New("conn: response timed out")

// ErrClosed is returned by operations attempted on a torn-down connection.
var ErrClosed = errors.New("conn: closed")

// Connection is a single TCP connection to one memcached server, with a
// monotonic opaque generator and an in-flight table correlating responses
// to requests.
type Connection struct {
	server string
	nc     net.Conn
	w      *bufio.Writer

	opaque uint32 // atomic monotonic counter

	mu        sync.Mutex
	waiters   map[uint32]chan *codec.Response
	batchSink func(*codec.Response)
	closed    bool

	log *logrus.Entry
}

// Dial opens a TCP connection to addr and starts its read loop.
func Dial(addr string, timeout time.Duration, log *logrus.Entry) (*Connection, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		server:  addr,
		nc:      nc,
		w:       bufio.NewWriter(nc),
		waiters: make(map[uint32]chan *codec.Response),
		log:     log.WithField("server", addr),
	}
	go c.readLoop()
	return c, nil
}

// Server returns the endpoint this connection is bound to.
func (c *Connection) Server() string { return c.server }

// NextOpaque returns the next monotonically-increasing 32-bit opaque ID.
// Distinct calls on a single connection never return the same value until
// the counter wraps.
func (c *Connection) NextOpaque() uint32 {
	return atomic.AddUint32(&c.opaque, 1)
}

// Send writes req (assigning it the next opaque unless one is already set)
// and blocks for its correlated response until responseTimeout elapses.
// Send must not be used concurrently with SetBatchSink on the same
// connection.
func (c *Connection) Send(req *codec.Request, writeTimeout, responseTimeout time.Duration) (*codec.Response, error) {
	if req.Opaque == 0 {
		req.Opaque = c.NextOpaque()
	}

	waiter := make(chan *codec.Response, 1)
	if err := c.registerWaiter(req.Opaque, waiter); err != nil {
		return nil, err
	}

	if err := c.write(req, writeTimeout); err != nil {
		c.dropWaiter(req.Opaque)
		return nil, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		c.dropWaiter(req.Opaque)
		return nil, ErrTimeout
	}
}

// SendQuiet writes req without waiting for a response. Used for the
// suppressed-on-success quiet opcodes inside multi-op batches.
func (c *Connection) SendQuiet(req *codec.Request, writeTimeout time.Duration) error {
	if req.Opaque == 0 {
		req.Opaque = c.NextOpaque()
	}
	return c.write(req, writeTimeout)
}

// SetBatchSink installs a callback invoked for every response whose opaque
// has no registered waiter; used by the multi-op engine to collect quiet
// responses that arrive before the batch-terminating NOOP. Pass nil to
// clear it once the batch completes.
func (c *Connection) SetBatchSink(sink func(*codec.Response)) {
	c.mu.Lock()
	c.batchSink = sink
	c.mu.Unlock()
}

func (c *Connection) registerWaiter(opaque uint32, ch chan *codec.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.waiters[opaque] = ch
	return nil
}

func (c *Connection) dropWaiter(opaque uint32) {
	c.mu.Lock()
	delete(c.waiters, opaque)
	c.mu.Unlock()
}

func (c *Connection) write(req *codec.Request, timeout time.Duration) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := codec.Encode(c.w, req); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLoop decodes response frames and routes each to its waiter (by
// opaque) or, absent a waiter, to the active batch sink. It runs until the
// connection is closed or a protocol/transport error occurs, at which
// point every outstanding waiter is evicted with ErrClosed so memory stays
// bounded.
func (c *Connection) readLoop() {
	for {
		resp, err := codec.Decode(c.nc)
		if err != nil {
			c.teardown()
			return
		}

		c.mu.Lock()
		if waiter, ok := c.waiters[resp.Opaque]; ok {
			delete(c.waiters, resp.Opaque)
			c.mu.Unlock()
			waiter <- resp
			continue
		}
		sink := c.batchSink
		c.mu.Unlock()

		if sink != nil {
			sink(resp)
			continue
		}

		c.log.WithField("opaque", resp.Opaque).Debug("dropping response with no waiter")
	}
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	c.nc.Close()
}

// Close tears down the connection, evicting any in-flight waiters.
func (c *Connection) Close() error {
	c.teardown()
	return nil
}

// Alive reports whether the connection's read loop has not yet observed a
// transport error. It is a best-effort liveness hint used by pool
// validation, not a guarantee the next write will succeed.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
