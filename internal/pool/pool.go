// Package pool implements the keyed object pool described in:
// per-key bounded or unbounded queues of reusable instances (connections, in
// this module's case) with creation-on-demand, validation, disposable
// overflow, and periodic idle eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/sirupsen/logrus"
)

// Unbounded is the sentinel Max value meaning the per-key pool never blocks
// borrowers on a size ceiling.
const Unbounded = 0

// maxRetries bounds how many times Borrow retries creation after a
// validation failure before giving up with ErrNoValidObject.
const maxRetries = 3

// Factory supplies the three capabilities the pool is polymorphic over:
// create, destroy, validate. K is the pool key (a server
// endpoint in this module); V is the pooled resource (a connection).
type Factory[K comparable, V any] interface {
	Create(ctx context.Context, key K) (V, error)
	Destroy(key K, value V)
	Validate(key K, value V) bool
}

// Config holds the tunables
type Config struct {
	Min              int
	Max              int // Unbounded (0) means no ceiling
	BorrowValidation bool
	ReturnValidation bool
	Disposable       bool
	KeepAlive        time.Duration
}

// KeyedPool is a thread-safe, per-key object pool. The zero value is not
// usable; construct one with New.
type KeyedPool[K comparable, V any] struct {
	cfg     Config
	factory Factory[K, V]
	log     *logrus.Entry

	mu    sync.Mutex
	pools map[K]*keyPool[V]

	evictStop chan struct{}
	evictWG   sync.WaitGroup
	evicting  int32 // reentrancy guard for the eviction tick, atomic bool
}

// keyPool is the per-key record ("Pool entry").
type keyPool[V any] struct {
	mu      sync.Mutex
	idle    *deque.Deque[V]
	signal  chan struct{} // best-effort wake-up for blocked borrowers
	size    int32         // atomic: poolSizeHint
	peak    int32         // atomic: peakSizeHint
	closed  int32         // atomic bool
	active  map[any]struct{}
}

func newKeyPool[V any]() *keyPool[V] {
	return &keyPool[V]{
		idle:   deque.NewDeque[V](),
		signal: make(chan struct{}, 1),
		active: make(map[any]struct{}),
	}
}

func (kp *keyPool[V]) wake() {
	select {
	case kp.signal <- struct{}{}:
	default:
	}
}

func (kp *keyPool[V]) isDestroyed() bool {
	return atomic.LoadInt32(&kp.closed) != 0
}

func (kp *keyPool[V]) bumpPeak() {
	size := atomic.LoadInt32(&kp.size)
	for {
		peak := atomic.LoadInt32(&kp.peak)
		if size <= peak {
			return
		}
		if atomic.CompareAndSwapInt32(&kp.peak, peak, size) {
			return
		}
	}
}

// New constructs a KeyedPool backed by factory, starting the background
// eviction loop if cfg.KeepAlive > 0.
func New[K comparable, V any](cfg Config, factory Factory[K, V], log *logrus.Entry) *KeyedPool[K, V] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &KeyedPool[K, V]{
		cfg:     cfg,
		factory: factory,
		log:     log,
		pools:   make(map[K]*keyPool[V]),
	}
	if cfg.KeepAlive > 0 {
		p.evictStop = make(chan struct{})
		p.evictWG.Add(1)
		go p.evictLoop()
	}
	return p
}

func (p *KeyedPool[K, V]) poolFor(key K) *keyPool[V] {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.pools[key]
	if !ok {
		kp = newKeyPool[V]()
		p.pools[key] = kp
	}
	return kp
}

// Borrow obtains an instance for key, following the ordered sequence:
// create under min, then poll idle, then create under max, then block
// up to timeout (or indefinitely if timeout < 0 and the pool is not
// disposable), then fall back to a disposable instance if configured to.
func (p *KeyedPool[K, V]) Borrow(ctx context.Context, key K, timeout time.Duration) (V, error) {
	var zero V
	kp := p.poolFor(key)

	if kp.isDestroyed() {
		return zero, ErrClosed
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		value, disposable, err := p.acquire(ctx, key, kp, timeout)
		if err != nil {
			return zero, err
		}

		if p.cfg.BorrowValidation && !disposable && !p.factory.Validate(key, value) {
			p.factory.Destroy(key, value)
			atomic.AddInt32(&kp.size, -1)
			continue
		}

		if kp.isDestroyed() {
			p.factory.Destroy(key, value)
			if !disposable {
				atomic.AddInt32(&kp.size, -1)
			}
			return zero, ErrClosed
		}

		if !disposable {
			kp.mu.Lock()
			kp.active[any(value)] = struct{}{}
			kp.mu.Unlock()
		}
		return value, nil
	}

	return zero, ErrNoValidObject
}

// acquire implements the ordered attempt sequence of step 3,
// returning whether the instance is disposable (untracked) overflow.
func (p *KeyedPool[K, V]) acquire(ctx context.Context, key K, kp *keyPool[V], timeout time.Duration) (V, bool, error) {
	var zero V

	// (a) under min: always create.
	if atomic.LoadInt32(&kp.size) < int32(p.cfg.Min) {
		atomic.AddInt32(&kp.size, 1)
		kp.bumpPeak()
		v, err := p.factory.Create(ctx, key)
		if err != nil {
			atomic.AddInt32(&kp.size, -1)
			return zero, false, wrapCreateErr(err)
		}
		return v, false, nil
	}

	// (b) poll idle, non-blocking.
	kp.mu.Lock()
	if kp.idle.Len() > 0 {
		v := kp.idle.PopBack()
		kp.mu.Unlock()
		return v, false, nil
	}
	kp.mu.Unlock()

	// (c) under max: create.
	if p.cfg.Max == Unbounded || atomic.LoadInt32(&kp.size) < int32(p.cfg.Max) {
		atomic.AddInt32(&kp.size, 1)
		kp.bumpPeak()
		v, err := p.factory.Create(ctx, key)
		if err != nil {
			atomic.AddInt32(&kp.size, -1)
			return zero, false, wrapCreateErr(err)
		}
		return v, false, nil
	}

	// (d) block on idle up to timeout (or forever if timeout<0 and not
	// disposable).
	v, ok := p.waitForIdle(kp, timeout)
	if ok {
		return v, false, nil
	}

	if kp.isDestroyed() {
		return zero, false, ErrClosed
	}

	// (e) disposable overflow.
	if p.cfg.Disposable {
		v, err := p.factory.Create(ctx, key)
		if err != nil {
			return zero, true, wrapCreateErr(err)
		}
		return v, true, nil
	}

	return zero, false, ErrExhausted
}

func (p *KeyedPool[K, V]) waitForIdle(kp *keyPool[V], timeout time.Duration) (V, bool) {
	var zero V
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	} else if p.cfg.Disposable {
		// Negative timeout with disposable=true means "don't actually
		// block forever" falls straight through to overflow creation.
		return zero, false
	}

	for {
		kp.mu.Lock()
		if kp.idle.Len() > 0 {
			v := kp.idle.PopBack()
			kp.mu.Unlock()
			return v, true
		}
		kp.mu.Unlock()

		if kp.isDestroyed() {
			// DestroyKey closes kp.signal, which would otherwise make the
			// select below fire immediately forever for an indefinite
			// (timeout<0) waiter.
			return zero, false
		}

		select {
		case <-kp.signal:
			continue
		case <-deadline:
			return zero, false
		}
	}
}

// wrapCreateErr translates a factory Create error into the pool's own error
// kinds: an error reporting itself as a timeout (duck-typed Timeout() bool,
// which conn.Dial's wrapped dial error satisfies) becomes ErrTimeout, and
// nil or any other error becomes ErrNoValidObject.
func wrapCreateErr(err error) error {
	if err == nil {
		return ErrNoValidObject
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNoValidObject, err)
}

// Return hands value back to key's pool. If the pool is gone, or return
// validation fails, the instance is destroyed instead of requeued.
func (p *KeyedPool[K, V]) Return(key K, value V) {
	kp := p.poolFor(key)

	kp.mu.Lock()
	_, tracked := kp.active[any(value)]
	delete(kp.active, any(value))
	kp.mu.Unlock()

	if !tracked {
		// Disposable overflow instance: never requeued, always destroyed.
		p.factory.Destroy(key, value)
		return
	}

	if kp.isDestroyed() {
		p.factory.Destroy(key, value)
		atomic.AddInt32(&kp.size, -1)
		return
	}

	if p.cfg.ReturnValidation && !p.factory.Validate(key, value) {
		p.factory.Destroy(key, value)
		atomic.AddInt32(&kp.size, -1)
		return
	}

	kp.mu.Lock()
	kp.idle.PushFront(value)
	kp.mu.Unlock()
	kp.wake()
}

// Invalidate unconditionally destroys value and adjusts the pool's size
// hint, without offering it to the idle queue. Used on transport errors.
func (p *KeyedPool[K, V]) Invalidate(key K, value V) {
	kp := p.poolFor(key)

	kp.mu.Lock()
	_, tracked := kp.active[any(value)]
	delete(kp.active, any(value))
	kp.mu.Unlock()

	p.factory.Destroy(key, value)
	if tracked {
		atomic.AddInt32(&kp.size, -1)
	}
}

// PreloadMin creates instances up to Min for key if it currently has fewer
// than Min idle+active instances.
func (p *KeyedPool[K, V]) PreloadMin(ctx context.Context, key K) error {
	kp := p.poolFor(key)
	for atomic.LoadInt32(&kp.size) < int32(p.cfg.Min) {
		atomic.AddInt32(&kp.size, 1)
		kp.bumpPeak()
		v, err := p.factory.Create(ctx, key)
		if err != nil {
			atomic.AddInt32(&kp.size, -1)
			return wrapCreateErr(err)
		}
		kp.mu.Lock()
		kp.idle.PushFront(v)
		kp.mu.Unlock()
		kp.wake()
	}
	return nil
}

// PoolSize returns poolSizeHint for key, clamped to 0 if a race has
// transiently driven it negative ( invariants).
func (p *KeyedPool[K, V]) PoolSize(key K) int {
	kp := p.poolFor(key)
	n := atomic.LoadInt32(&kp.size)
	if n < 0 {
		return 0
	}
	return int(n)
}

// IdleCount returns the number of idle (not borrowed) instances for key.
func (p *KeyedPool[K, V]) IdleCount(key K) int {
	kp := p.poolFor(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return kp.idle.Len()
}

// ActiveCount returns poolSizeHint - idleCount for key, clamped to 0.
func (p *KeyedPool[K, V]) ActiveCount(key K) int {
	n := p.PoolSize(key) - p.IdleCount(key)
	if n < 0 {
		return 0
	}
	return n
}

// PeakSize returns the historical high-water mark of poolSizeHint for key.
func (p *KeyedPool[K, V]) PeakSize(key K) int {
	kp := p.poolFor(key)
	return int(atomic.LoadInt32(&kp.peak))
}

// Clear destroys all currently idle instances for key without destroying
// the key's pool itself (active/borrowed instances are left alone and
// rejoin the idle queue when returned; Clear does not mark the pool
// destroyed).
func (p *KeyedPool[K, V]) Clear(key K) {
	kp := p.poolFor(key)
	kp.mu.Lock()
	n := kp.idle.Len()
	drained := make([]V, 0, n)
	for i := 0; i < n; i++ {
		drained = append(drained, kp.idle.PopBack())
	}
	kp.mu.Unlock()

	for _, v := range drained {
		p.factory.Destroy(key, v)
		atomic.AddInt32(&kp.size, -1)
	}
}

// DestroyKey marks key's pool destroyed, drains and destroys all idle
// instances, and removes the key's pool entirely. In-flight borrows fail
// with ErrClosed the next time they observe the flag.
func (p *KeyedPool[K, V]) DestroyKey(key K) {
	p.mu.Lock()
	kp, ok := p.pools[key]
	if ok {
		delete(p.pools, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	atomic.StoreInt32(&kp.closed, 1)
	kp.mu.Lock()
	n := kp.idle.Len()
	drained := make([]V, 0, n)
	for i := 0; i < n; i++ {
		drained = append(drained, kp.idle.PopBack())
	}
	kp.mu.Unlock()
	close(kp.signal)

	for _, v := range drained {
		p.factory.Destroy(key, v)
	}
}

// DestroyAll destroys every key's pool. Used on cache/manager shutdown.
func (p *KeyedPool[K, V]) DestroyAll() {
	p.mu.Lock()
	keys := make([]K, 0, len(p.pools))
	for k := range p.pools {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.DestroyKey(k)
	}

	if p.evictStop != nil {
		close(p.evictStop)
		p.evictWG.Wait()
	}
}

// evictLoop runs every cfg.KeepAlive, evicting idle instances above Min.
// Overlapping ticks are coalesced via the evicting guard so a slow eviction
// pass never runs concurrently with itself.
func (p *KeyedPool[K, V]) evictLoop() {
	defer p.evictWG.Done()
	ticker := time.NewTicker(p.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-p.evictStop:
			return
		case <-ticker.C:
			p.evictTick()
		}
	}
}

func (p *KeyedPool[K, V]) evictTick() {
	if !atomic.CompareAndSwapInt32(&p.evicting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.evicting, 0)

	p.mu.Lock()
	keys := make([]K, 0, len(p.pools))
	for k := range p.pools {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		kp := p.poolFor(key)
		for !kp.isDestroyed() && int(atomic.LoadInt32(&kp.size)) > p.cfg.Min {
			kp.mu.Lock()
			if kp.idle.Len() == 0 {
				kp.mu.Unlock()
				break
			}
			v := kp.idle.PopBack()
			kp.mu.Unlock()

			p.factory.Destroy(key, v)
			atomic.AddInt32(&kp.size, -1)
			p.log.WithField("key", key).Debug("evicted idle pooled instance")
		}
	}
}
