package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ id int32 }

type fakeFactory struct {
	counter   int32
	destroyed int32
	valid     int32 // atomic bool, default valid
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{}
	atomic.StoreInt32(&f.valid, 1)
	return f
}

func (f *fakeFactory) Create(ctx context.Context, key string) (*fakeConn, error) {
	id := atomic.AddInt32(&f.counter, 1)
	return &fakeConn{id: id}, nil
}

func (f *fakeFactory) Destroy(key string, v *fakeConn) {
	atomic.AddInt32(&f.destroyed, 1)
}

func (f *fakeFactory) Validate(key string, v *fakeConn) bool {
	return atomic.LoadInt32(&f.valid) != 0
}

func TestBorrowReturnAccounting(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 5}, f, nil)

	var borrowed []*fakeConn
	for i := 0; i < 3; i++ {
		v, err := p.Borrow(context.Background(), "k", time.Second)
		require.NoError(t, err)
		borrowed = append(borrowed, v)
	}

	assert.Equal(t, 3, p.PoolSize("k"))
	assert.Equal(t, 3, p.ActiveCount("k"))
	assert.Equal(t, 0, p.IdleCount("k"))

	for _, v := range borrowed {
		p.Return("k", v)
	}

	assert.Equal(t, 3, p.PoolSize("k"))
	assert.Equal(t, 0, p.ActiveCount("k"))
	assert.Equal(t, 3, p.IdleCount("k"))
	assert.GreaterOrEqual(t, p.PeakSize("k"), 3)
}

func TestBorrowExhaustedBounded(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 1, Disposable: false}, f, nil)

	_, err := p.Borrow(context.Background(), "k", time.Second)
	require.NoError(t, err)

	_, err = p.Borrow(context.Background(), "k", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestBorrowDisposableOverflow(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 1, Disposable: true}, f, nil)

	first, err := p.Borrow(context.Background(), "k", time.Second)
	require.NoError(t, err)

	second, err := p.Borrow(context.Background(), "k", 20*time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, second)

	// Disposable instances never add to poolSizeHint; only `first` counts.
	assert.Equal(t, 1, p.PoolSize("k"))

	p.Return("k", second)
	// Still destroyed, not requeued: destroyed count should reflect it.
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.destroyed))

	p.Return("k", first)
}

func TestInvalidateDecrementsHint(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 5}, f, nil)

	v, err := p.Borrow(context.Background(), "k", time.Second)
	require.NoError(t, err)

	p.Invalidate("k", v)
	assert.Equal(t, 0, p.PoolSize("k"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.destroyed))
}

func TestBorrowValidationRetriesThenFails(t *testing.T) {
	f := newFakeFactory()
	atomic.StoreInt32(&f.valid, 0)
	p := New[string, *fakeConn](Config{Min: 0, Max: 10, BorrowValidation: true}, f, nil)

	_, err := p.Borrow(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrNoValidObject)
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&f.destroyed))
}

func TestDestroyKeyRecreatesPoolOnNextBorrow(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 5}, f, nil)

	v, err := p.Borrow(context.Background(), "k", time.Second)
	require.NoError(t, err)
	p.Return("k", v)

	p.DestroyKey("k")
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.destroyed))

	_, err = p.Borrow(context.Background(), "k", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 1, p.PoolSize("k"))
}

func TestEvictionSettlesToMin(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 2, Max: 10, KeepAlive: 30 * time.Millisecond}, f, nil)
	defer p.DestroyAll()

	require.NoError(t, p.PreloadMin(context.Background(), "k"))

	var borrowed []*fakeConn
	for i := 0; i < 5; i++ {
		v, err := p.Borrow(context.Background(), "k", time.Second)
		require.NoError(t, err)
		borrowed = append(borrowed, v)
	}
	for _, v := range borrowed {
		p.Return("k", v)
	}

	require.Eventually(t, func() bool {
		return p.PoolSize("k") == 2
	}, time.Second, 10*time.Millisecond)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "fake dial timeout" }
func (timeoutErr) Timeout() bool { return true }

type timeoutFactory struct{}

func (timeoutFactory) Create(ctx context.Context, key string) (*fakeConn, error) {
	return nil, timeoutErr{}
}
func (timeoutFactory) Destroy(key string, v *fakeConn)        {}
func (timeoutFactory) Validate(key string, v *fakeConn) bool { return true }

func TestBorrowCreateTimeoutTranslatesToErrTimeout(t *testing.T) {
	p := New[string, *fakeConn](Config{Min: 0, Max: 5}, timeoutFactory{}, nil)
	_, err := p.Borrow(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBorrowIndefiniteWaitUnblocksOnDestroyKey(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 0, Max: 1, Disposable: false}, f, nil)

	v, err := p.Borrow(context.Background(), "k", time.Second)
	require.NoError(t, err)
	_ = v // keeps the pool at max so the second borrow blocks

	done := make(chan error, 1)
	go func() {
		_, err := p.Borrow(context.Background(), "k", -1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.DestroyKey("k")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("indefinite Borrow did not unblock after DestroyKey")
	}
}

func TestConcurrentBorrowReturn(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *fakeConn](Config{Min: 1, Max: 8}, f, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Borrow(context.Background(), "k", time.Second)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Return("k", v)
		}()
	}
	wg.Wait()

	assert.Equal(t, p.PoolSize("k"), p.ActiveCount("k")+p.IdleCount("k"))
}
