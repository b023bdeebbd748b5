package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

// sliceSource is a mutex-guarded FIFO used as the pool's work source.
type sliceSource struct {
	mu    sync.Mutex
	items []testWork
}

func (s *sliceSource) push(w ...testWork) {
	s.mu.Lock()
	s.items = append(s.items, w...)
	s.mu.Unlock()
}

func (s *sliceSource) Next() (testWork, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return testWork{}, false
	}
	w := s.items[0]
	s.items = s.items[1:]
	return w, true
}

func (s *sliceSource) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func TestNewPool(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }
	src := &sliceSource{}

	pool, err := NewPool[testWork](5, src, noop)
	require.NoError(t, err)
	assert.Equal(t, 5, pool.workers)

	pool, err = NewPool[testWork](0, src, noop)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.workers)

	_, err = NewPool[testWork](1, src, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)

	_, err = NewPool[testWork](1, nil, noop)
	assert.ErrorIs(t, err, ErrNilSource)
}

func TestPool_ProcessesNotifiedWork(t *testing.T) {
	var processed atomic.Int64
	src := &sliceSource{}
	pool, err := NewPool[testWork](2, src, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		src.push(testWork{id: i})
		pool.Notify()
	}

	assert.Eventually(t, func() bool { return processed.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolStopped)

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, 0, stats.Busy)
}

func TestPool_NotifyNeverBlocks(t *testing.T) {
	pool, err := NewPool[testWork](1, &sliceSource{}, func(context.Context, testWork) error { return nil })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pool.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a pool that is not running")
	}
}

func TestPool_PollInterval(t *testing.T) {
	var processed atomic.Int64
	src := &sliceSource{}
	pool, err := NewPool[testWork](1, src,
		func(context.Context, testWork) error {
			processed.Add(1)
			return nil
		},
		WithPollInterval[testWork](10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	// no Notify: the poll picks it up
	time.Sleep(20 * time.Millisecond)
	src.push(testWork{id: 1})

	assert.Eventually(t, func() bool { return processed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_ProcessingErrors(t *testing.T) {
	src := &sliceSource{}
	src.push(testWork{id: 1}, testWork{id: 2, fail: true}, testWork{id: 3, fail: true})

	pool, err := NewPool[testWork](1, src, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("failed")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	pool.Notify()

	assert.Eventually(t, func() bool { return pool.Stats().Processed == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), pool.Stats().Failed)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopLeavesRemainingWork(t *testing.T) {
	src := &sliceSource{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	pool, err := NewPool[testWork](1, src, func(context.Context, testWork) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)

	src.push(testWork{id: 1}, testWork{id: 2}, testWork{id: 3})
	require.NoError(t, pool.Start(context.Background()))
	pool.Notify()
	<-started
	assert.Equal(t, 1, pool.Busy())

	stopErr := make(chan error, 1)
	go func() { stopErr <- pool.Stop(time.Second) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopErr)
	assert.Equal(t, 2, src.len())
}

func TestPool_StopTimeout(t *testing.T) {
	src := &sliceSource{}
	src.push(testWork{id: 1})
	block := make(chan struct{})
	defer close(block)

	pool, err := NewPool[testWork](1, src, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	pool.Notify()

	assert.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ContextCancellation(t *testing.T) {
	pool, err := NewPool[testWork](3, &sliceSource{}, func(context.Context, testWork) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit on context cancellation")
	}
}

func TestPool_ConcurrentProducers(t *testing.T) {
	var processed atomic.Int64
	src := &sliceSource{}
	pool, err := NewPool[testWork](4, src, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				src.push(testWork{id: p*100 + i})
				pool.Notify()
			}
		}(p)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return processed.Load() == 800 }, 2*time.Second, 5*time.Millisecond)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	src := &sliceSource{}
	src.push(testWork{id: 1})

	pool, err := NewPool[testWork](1, src, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "uploads"))
	require.NoError(t, err)
	require.NotNil(t, pool.metrics)

	_, err = NewPool[testWork](1, src, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "uploads"))
	assert.Error(t, err, "duplicate prefix must fail registration")

	require.NoError(t, pool.Start(context.Background()))
	pool.Notify()
	assert.Eventually(t, func() bool { return pool.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}
