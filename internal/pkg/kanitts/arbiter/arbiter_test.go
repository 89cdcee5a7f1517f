package arbiter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

var errLoad = errors.New("checkpoint not found")

type closeCounter struct {
	closed atomic.Int32
}

func (c *closeCounter) Tokenize(string, string) (engine.Tokens, error) { return engine.Tokens{}, nil }
func (c *closeCounter) Generate(engine.GenerateInput) ([]int64, error) { return nil, nil }
func (c *closeCounter) EndOfSpeech() int64                            { return 0 }
func (c *closeCounter) Waveform([]int64) (audio.Waveform, error)      { return audio.Waveform{}, nil }
func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func newBackend() *engine.Backend {
	c := &closeCounter{}
	return &engine.Backend{Model: c, Player: c, Info: engine.Info{Name: "fake"}}
}

func readyArbiter(t *testing.T, opts arbiter.Options) *arbiter.Arbiter {
	t.Helper()
	a := arbiter.New(opts, zerolog.Nop())
	require.NoError(t, a.Load(func() (*engine.Backend, error) { return newBackend(), nil }))
	require.Equal(t, arbiter.StateReady, a.Status())
	return a
}

func waitQueued(t *testing.T, a *arbiter.Arbiter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Stats().Queued == n }, 2*time.Second, time.Millisecond)
}

func TestAcquireBlocksWhileLoading(t *testing.T) {
	a := arbiter.New(arbiter.Options{}, zerolog.Nop())
	assert.Equal(t, arbiter.StateUninitialized, a.Status())

	unblock := make(chan struct{})
	loadDone := make(chan error, 1)
	go func() {
		loadDone <- a.Load(func() (*engine.Backend, error) {
			<-unblock
			return newBackend(), nil
		})
	}()
	require.Eventually(t, func() bool { return a.Status() == arbiter.StateLoading }, time.Second, time.Millisecond)

	got := make(chan *arbiter.Lease, 1)
	go func() {
		lease, err := a.Acquire(context.Background())
		assert.NoError(t, err)
		got <- lease
	}()
	waitQueued(t, a, 1)

	select {
	case <-got:
		t.Fatal("acquire returned before the resource was ready")
	case <-time.After(20 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-loadDone)

	lease := <-got
	require.NotNil(t, lease)
	assert.NotEmpty(t, lease.ID())
	assert.Equal(t, "fake", lease.Backend().Info.Name)
	assert.Equal(t, arbiter.StateBusy, a.Status())

	require.NoError(t, a.Release(lease))
	assert.Equal(t, arbiter.StateReady, a.Status())
}

func TestAcquireFailsFastWhenLoadFailed(t *testing.T) {
	a := arbiter.New(arbiter.Options{}, zerolog.Nop())
	err := a.Load(func() (*engine.Backend, error) { return nil, errLoad })
	require.ErrorIs(t, err, errLoad)
	assert.Equal(t, arbiter.StateFailed, a.Status())
	assert.ErrorIs(t, a.LoadError(), errLoad)

	start := time.Now()
	_, err = a.Acquire(context.Background())
	require.ErrorIs(t, err, arbiter.ErrUnavailable)
	require.ErrorIs(t, err, errLoad)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// No automatic retry.
	err = a.Load(func() (*engine.Backend, error) { return newBackend(), nil })
	require.ErrorIs(t, err, arbiter.ErrAlreadyLoaded)
	assert.Equal(t, arbiter.StateFailed, a.Status())
}

func TestWaitersFailWhenLoadFails(t *testing.T) {
	a := arbiter.New(arbiter.Options{}, zerolog.Nop())

	unblock := make(chan struct{})
	go func() {
		_ = a.Load(func() (*engine.Backend, error) {
			<-unblock
			return nil, errLoad
		})
	}()

	errs := make(chan error, 3)
	for range 3 {
		go func() {
			_, err := a.Acquire(context.Background())
			errs <- err
		}()
	}
	waitQueued(t, a, 3)
	close(unblock)

	for range 3 {
		err := <-errs
		require.ErrorIs(t, err, arbiter.ErrUnavailable)
		require.ErrorIs(t, err, errLoad)
	}
	assert.Zero(t, a.Stats().Queued)
}

func TestLoaderPanicMarksFailed(t *testing.T) {
	a := arbiter.New(arbiter.Options{}, zerolog.Nop())
	err := a.Load(func() (*engine.Backend, error) { panic("cuda init") })
	require.ErrorContains(t, err, "cuda init")
	assert.Equal(t, arbiter.StateFailed, a.Status())
}

func TestAdmissionTimeoutWhileBusy(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{AdmissionTimeout: 30 * time.Millisecond})

	held, err := a.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Acquire(context.Background())
	require.ErrorIs(t, err, arbiter.ErrUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, a.Stats().Queued)

	require.NoError(t, a.Release(held))
	assert.Equal(t, arbiter.StateReady, a.Status())
}

func TestAdmissionTimeoutWhileLoading(t *testing.T) {
	a := arbiter.New(arbiter.Options{AdmissionTimeout: 20 * time.Millisecond}, zerolog.Nop())

	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		_ = a.Load(func() (*engine.Backend, error) {
			<-unblock
			return newBackend(), nil
		})
	}()
	require.Eventually(t, func() bool { return a.Status() == arbiter.StateLoading }, time.Second, time.Millisecond)

	_, err := a.Acquire(context.Background())
	require.ErrorIs(t, err, arbiter.ErrUnavailable)
	assert.ErrorContains(t, err, "loading")
}

func TestAcquireHonoursContext(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{})

	held, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Release(held)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = a.Acquire(ctx)
	require.ErrorIs(t, err, arbiter.ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, a.Stats().Queued)
}

func TestWaitersAreServedInArrivalOrder(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{})

	held, err := a.Acquire(context.Background())
	require.NoError(t, err)

	const n = 6
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := a.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			assert.NoError(t, a.Release(lease))
		}()
		waitQueued(t, a, i+1)
	}

	require.NoError(t, a.Release(held))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	stats := a.Stats()
	assert.Equal(t, uint64(n+1), stats.Acquired)
	assert.Equal(t, stats.Acquired, stats.Released)
}

func TestReleaseIsIdempotentPerLease(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{})

	first, err := a.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Release(first))
	require.ErrorIs(t, a.Release(first), arbiter.ErrLeaseReleased)
	require.ErrorIs(t, a.Release(nil), arbiter.ErrLeaseReleased)

	second, err := a.Acquire(context.Background())
	require.NoError(t, err)

	// A stale lease must not free someone else's hold.
	require.ErrorIs(t, a.Release(first), arbiter.ErrLeaseReleased)
	assert.Equal(t, arbiter.StateBusy, a.Status())
	require.NoError(t, a.Release(second))

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Acquired)
	assert.Equal(t, uint64(2), stats.Released)
}

func TestAtMostOneLeaseOutstanding(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{})

	const n = 32
	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := a.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			assert.NoError(t, a.Release(lease))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	stats := a.Stats()
	assert.Equal(t, uint64(n), stats.Acquired)
	assert.Equal(t, uint64(n), stats.Released)
	assert.Equal(t, arbiter.StateReady, stats.State)
}

func TestCloseWaitsForInFlightLease(t *testing.T) {
	backend := newBackend()
	a := arbiter.New(arbiter.Options{}, zerolog.Nop())
	require.NoError(t, a.Load(func() (*engine.Backend, error) { return backend, nil }))

	held, err := a.Acquire(context.Background())
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- a.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned while a lease was held")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = a.Acquire(context.Background())
	require.ErrorIs(t, err, arbiter.ErrUnavailable)

	require.NoError(t, a.Release(held))
	require.NoError(t, <-closed)

	counter := backend.Model.(*closeCounter)
	assert.Equal(t, int32(2), counter.closed.Load())
}

func TestCloseFailsQueuedWaiters(t *testing.T) {
	a := readyArbiter(t, arbiter.Options{})

	held, err := a.Acquire(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background())
		errs <- err
	}()
	waitQueued(t, a, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, <-errs, arbiter.ErrUnavailable)

	require.NoError(t, a.Release(held))
}
