package memcached

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/outpostcache/memcached/internal/codec"
	"github.com/outpostcache/memcached/internal/conn"
	"github.com/outpostcache/memcached/internal/health"
	"github.com/outpostcache/memcached/internal/pool"
	"github.com/outpostcache/memcached/internal/ring"
)

// Cache is a single logical memcached cache multiplexed across a set of
// backend servers.
type Cache struct {
	cfg CacheConfig
	log *logrus.Entry

	ring   *ring.Ring
	pool   *pool.KeyedPool[string, *conn.Connection]
	health *health.Monitor

	closed int32 // atomic bool
}

// connFactory adapts internal/conn.Dial to pool.Factory.
type connFactory struct {
	cfg CacheConfig
	log *logrus.Entry
}

func (f *connFactory) Create(ctx context.Context, server string) (*conn.Connection, error) {
	return conn.Dial(server, f.cfg.connectTimeout(), f.log)
}

func (f *connFactory) Destroy(server string, c *conn.Connection) {
	c.Close()
}

func (f *connFactory) Validate(server string, c *conn.Connection) bool {
	return c.Alive()
}

// NewCache constructs a Cache from cfg. Every server in cfg.Servers starts
// Live on the ring. If cfg.HealthMonitorIntervalSecs > 0, the background
// revival prober is started immediately.
func NewCache(cfg CacheConfig, log *logrus.Entry) (*Cache, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := ring.New()
	for _, s := range cfg.Servers {
		r.Add(s)
	}

	p := pool.New[string, *conn.Connection](pool.Config{
		Min:              cfg.PoolMin,
		Max:              cfg.PoolMax,
		BorrowValidation: cfg.PoolBorrowValidation,
		ReturnValidation: cfg.PoolReturnValidation,
		Disposable:       cfg.PoolDisposable,
		KeepAlive:        cfg.keepAlive(),
	}, &connFactory{cfg: cfg, log: log}, log)

	probe := health.VersionProbe(cfg.connectTimeout(), cfg.writeTimeout(), cfg.responseTimeout(), log)
	hm := health.New(cfg.Servers, r, p, probe, cfg.healthInterval(), cfg.responseTimeout(), log)
	hm.Start()

	return &Cache{cfg: cfg, log: log, ring: r, pool: p, health: hm}, nil
}

func (c *Cache) checkOpen() error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// Shutdown stops the health monitor and destroys every pooled connection.
// It does not touch a Manager's shared transport; see Manager.Shutdown for
// that lifecycle.
func (c *Cache) Shutdown() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.health.Stop()
	c.pool.DestroyAll()
}

// AddServer adds server to routing, Live.
func (c *Cache) AddServer(server string) {
	c.health.AddServer(server)
}

// RemoveServer drops server from routing and destroys its pool.
func (c *Cache) RemoveServer(server string) {
	c.health.RemoveServer(server)
	c.pool.DestroyKey(server)
}

// ServerSet returns every server this cache currently tracks, live or
// quarantined.
func (c *Cache) ServerSet() map[string]struct{} {
	out := make(map[string]struct{})
	for s := range c.health.Servers() {
		out[s] = struct{}{}
	}
	return out
}

// candidateServers returns, in try order, the servers routing should
// attempt for key: the ring's natural owner first, then, if failover is
// enabled, successive distinct servers walking the ring forward, skipping
// quarantined ones, up to 1+retryCount total candidates.
func (c *Cache) candidateServers(key []byte) []string {
	max := 1
	if c.cfg.Failover {
		max = 1 + c.cfg.RetryCount
	}
	return c.ring.LookupFrom(key, max, func(s string) bool { return !c.health.IsLive(s) })
}

// withConn borrows a connection for server, runs fn, and returns the
// connection to the pool on success or invalidates it on transport
// failure. The server is also quarantined on failure, but only if the
// health monitor is enabled; with it disabled there is no revival path,
// so quarantining would evict the server from the ring for good on a
// single transient error.
func (c *Cache) withConn(ctx context.Context, server string, fn func(*conn.Connection) error) error {
	cn, err := c.pool.Borrow(ctx, server, c.cfg.connectTimeout())
	if err != nil {
		return translateErr(err)
	}

	err = fn(cn)
	if err != nil {
		c.pool.Invalidate(server, cn)
		if c.cfg.HealthMonitorIntervalSecs > 0 {
			c.health.Quarantine(server)
		}
		return translateErr(err)
	}

	c.pool.Return(server, cn)
	return nil
}

// execute routes key to a server (with failover) and runs fn against a
// borrowed connection on that server, retrying the next candidate on
// transport failure. It returns the last error if every candidate fails.
func (c *Cache) execute(ctx context.Context, key []byte, fn func(*conn.Connection) error) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	candidates := c.candidateServers(key)
	if len(candidates) == 0 {
		return ErrNoServer
	}

	var lastErr error
	for _, server := range candidates {
		lastErr = c.withConn(ctx, server, fn)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Cache) send(ctx context.Context, key []byte, req *codec.Request) (*codec.Response, error) {
	var resp *codec.Response
	err := c.execute(ctx, key, func(cn *conn.Connection) error {
		r, sendErr := cn.Send(req, c.cfg.writeTimeout(), c.cfg.responseTimeout())
		if sendErr != nil {
			return sendErr
		}
		resp = r
		return nil
	})
	return resp, err
}

// Get returns the value stored for key, or (nil, false) on a miss or
// routing failure.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	resp, err := c.send(ctx, []byte(key), &codec.Request{Opcode: codec.OpGet, Key: []byte(key)})
	if err != nil || resp.Status != codec.StatusNoError {
		return nil, false
	}
	return resp.Value, true
}

// Gets returns the value and CAS token for key.
func (c *Cache) Gets(ctx context.Context, key string) ([]byte, uint64, bool) {
	resp, err := c.send(ctx, []byte(key), &codec.Request{Opcode: codec.OpGet, Key: []byte(key)})
	if err != nil || resp.Status != codec.StatusNoError {
		return nil, 0, false
	}
	return resp.Value, resp.CAS, true
}

// Set unconditionally stores value for key with the given flags and
// expiration (seconds).
func (c *Cache) Set(ctx context.Context, key string, value []byte, flags, expiration uint32) bool {
	return c.store(ctx, codec.OpSet, key, value, flags, expiration, 0)
}

// Add stores value for key only if key does not already exist.
func (c *Cache) Add(ctx context.Context, key string, value []byte, flags, expiration uint32) bool {
	return c.store(ctx, codec.OpAdd, key, value, flags, expiration, 0)
}

// Replace stores value for key only if key already exists.
func (c *Cache) Replace(ctx context.Context, key string, value []byte, flags, expiration uint32) bool {
	return c.store(ctx, codec.OpReplace, key, value, flags, expiration, 0)
}

// Cas stores value for key only if the server's current CAS for key equals
// token. A CAS mismatch is reported as a plain failure with no error.
func (c *Cache) Cas(ctx context.Context, key string, value []byte, flags, expiration uint32, token uint64) bool {
	return c.store(ctx, codec.OpSet, key, value, flags, expiration, token)
}

func (c *Cache) store(ctx context.Context, op codec.Opcode, key string, value []byte, flags, expiration uint32, cas uint64) bool {
	req := &codec.Request{
		Opcode: op,
		Key:    []byte(key),
		Value:  value,
		Extras: codec.StorageExtras(flags, expiration),
		CAS:    cas,
	}
	resp, err := c.send(ctx, []byte(key), req)
	if err != nil {
		return false
	}
	return resp.Status == codec.StatusNoError
}

// Delete removes key. A Key_Not_Found response is reported as success.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	resp, err := c.send(ctx, []byte(key), &codec.Request{Opcode: codec.OpDelete, Key: []byte(key)})
	if err != nil {
		return false
	}
	return resp.Status == codec.StatusNoError || resp.Status == codec.StatusKeyNotFound
}

// Touch updates key's expiration without altering its value.
func (c *Cache) Touch(ctx context.Context, key string, expiration uint32) bool {
	req := &codec.Request{Opcode: codec.OpTouch, Key: []byte(key), Extras: codec.TouchExtras(expiration)}
	resp, err := c.send(ctx, []byte(key), req)
	if err != nil {
		return false
	}
	return resp.Status == codec.StatusNoError
}

// Gat ("get and touch") returns key's value while also updating its
// expiration in one round trip.
func (c *Cache) Gat(ctx context.Context, key string, expiration uint32) ([]byte, bool) {
	req := &codec.Request{Opcode: codec.OpGAT, Key: []byte(key), Extras: codec.TouchExtras(expiration)}
	resp, err := c.send(ctx, []byte(key), req)
	if err != nil || resp.Status != codec.StatusNoError {
		return nil, false
	}
	return resp.Value, true
}

// Incr atomically increments key's numeric value by delta, creating it
// with initial if absent (unless expiration is 0xFFFFFFFF, meaning "do not
// create"). It returns the resulting value.
func (c *Cache) Incr(ctx context.Context, key string, delta, initial uint64, expiration uint32) (uint64, bool) {
	return c.incrDecr(ctx, codec.OpIncrement, key, delta, initial, expiration)
}

// Decr atomically decrements key's numeric value by delta, floored at 0.
func (c *Cache) Decr(ctx context.Context, key string, delta, initial uint64, expiration uint32) (uint64, bool) {
	return c.incrDecr(ctx, codec.OpDecrement, key, delta, initial, expiration)
}

func (c *Cache) incrDecr(ctx context.Context, op codec.Opcode, key string, delta, initial uint64, expiration uint32) (uint64, bool) {
	req := &codec.Request{Opcode: op, Key: []byte(key), Extras: codec.IncrDecrExtras(delta, initial, expiration)}
	resp, err := c.send(ctx, []byte(key), req)
	if err != nil || resp.Status != codec.StatusNoError {
		return 0, false
	}
	v, ok := codec.ParseIncrDecrValue(resp.Value)
	return v, ok
}

// Version returns the server's reported version string for the server
// owning key.
func (c *Cache) Version(ctx context.Context, key string) (string, bool) {
	resp, err := c.send(ctx, []byte(key), &codec.Request{Opcode: codec.OpVersion})
	if err != nil || resp.Status != codec.StatusNoError {
		return "", false
	}
	return string(resp.Value), true
}

// Stats returns the STAT response for the server owning key, or nil on
// failure. STAT is normally a variable-length sequence terminated by an
// empty-key entry; this client reads a single decoded frame, matching
// servers that answer with one aggregate entry.
func (c *Cache) Stats(ctx context.Context, key string) (map[string]string, bool) {
	resp, err := c.send(ctx, []byte(key), &codec.Request{Opcode: codec.OpStat})
	if err != nil || resp.Status != codec.StatusNoError {
		return nil, false
	}
	if len(resp.Key) == 0 {
		return map[string]string{}, true
	}
	return map[string]string{string(resp.Key): string(resp.Value)}, true
}

// SaslAuth transmits an opaque SASL AUTH frame over a connection borrowed
// for a synthetic key. The client does not parse mechanism or credential
// payloads.
func (c *Cache) SaslAuth(ctx context.Context, mechanism string, credentials []byte) error {
	return c.saslFrame(ctx, codec.OpSaslAuth, mechanism, credentials)
}

// SaslStep continues a multi-step SASL negotiation.
func (c *Cache) SaslStep(ctx context.Context, mechanism string, step []byte) error {
	return c.saslFrame(ctx, codec.OpSaslStep, mechanism, step)
}

func (c *Cache) saslFrame(ctx context.Context, op codec.Opcode, mechanism string, payload []byte) error {
	req := &codec.Request{Opcode: op, Key: []byte(mechanism), Value: payload}
	// SASL negotiates per-connection, not per-key; route by the mechanism
	// name only so repeated steps in one negotiation land on the same
	// server family rather than scattering across the whole ring.
	resp, err := c.send(ctx, []byte(mechanism), req)
	if err != nil {
		return err
	}
	if resp.Status != codec.StatusNoError && resp.Status != codec.StatusAuthenticationContinue {
		return &ServerStatusError{Status: resp.Status}
	}
	return nil
}
