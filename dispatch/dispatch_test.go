package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/events"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
	"github.com/Roenbaeck/tubeist-sub000/queue"
	tu "github.com/Roenbaeck/tubeist-sub000/testutil"
	"github.com/Roenbaeck/tubeist-sub000/upload"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeUploader calls fn with the fragment and its 1-based attempt number.
type fakeUploader struct {
	mu        sync.Mutex
	attempts  map[uint64]int
	delivered []uint64
	fn        func(ctx context.Context, f *fragment.Fragment, attempt int) error
}

func newFakeUploader(fn func(ctx context.Context, f *fragment.Fragment, attempt int) error) *fakeUploader {
	return &fakeUploader{attempts: make(map[uint64]int), fn: fn}
}

func (u *fakeUploader) Upload(ctx context.Context, f *fragment.Fragment) error {
	u.mu.Lock()
	u.attempts[f.Sequence]++
	attempt := u.attempts[f.Sequence]
	u.mu.Unlock()

	var err error
	if u.fn != nil {
		err = u.fn(ctx, f, attempt)
	}
	if err == nil {
		u.mu.Lock()
		u.delivered = append(u.delivered, f.Sequence)
		u.mu.Unlock()
	}
	return err
}

func (u *fakeUploader) attemptsFor(seq uint64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts[seq]
}

func (u *fakeUploader) deliveredOrder() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uint64(nil), u.delivered...)
}

func newQueue(t *testing.T, opts ...queue.Option) *queue.FragmentQueue {
	t.Helper()
	q, err := queue.New(opts...)
	require.NoError(t, err)
	return q
}

func media(seq uint64) *fragment.Fragment {
	return &fragment.Fragment{
		Session:  "test",
		Sequence: seq,
		Kind:     fragment.Media,
		Duration: 2,
		Payload:  []byte{byte(seq), byte(seq >> 8)},
	}
}

func startDispatcher(t *testing.T, q *queue.FragmentQueue, u Uploader, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(q, u, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(5 * time.Second) })
	return d
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
}

// advanceRetries lets n scheduled retries elapse on the fake clock, one at a time.
func advanceRetries(t *testing.T, d *Dispatcher, clock *clockwork.FakeClock, n int) {
	t.Helper()
	start := d.Stats().Retries
	for i := int64(1); i <= int64(n); i++ {
		want := start + i
		require.Eventually(t, func() bool { return d.Stats().Retries >= want },
			5*time.Second, time.Millisecond, "retry %d not scheduled", want)
		clock.Advance(time.Second)
	}
}

func TestParseOrdering(t *testing.T) {
	tests := []struct {
		in      string
		want    Ordering
		wantErr bool
	}{
		{"", Unordered, false},
		{"unordered", Unordered, false},
		{"STRICT", Strict, false},
		{" strict ", Strict, false},
		{"fifo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOrdering(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, relayerrors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	def := DefaultConfig()
	assert.NoError(t, def.Validate())
	assert.Equal(t, retry.Upload().MaxAttempts, def.MaxAttempts)
	assert.Equal(t, time.Second, def.RetryDelay)

	tests := map[string]func(*Config){
		"zero workers":   func(c *Config) { c.Workers = 0 },
		"zero attempts":  func(c *Config) { c.MaxAttempts = 0 },
		"negative delay": func(c *Config) { c.RetryDelay = -time.Second },
		"bad ordering":   func(c *Config) { c.Ordering = "sideways" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, relayerrors.ErrInvalidConfig))
		})
	}
}

func TestConfig_EffectiveWorkers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.EffectiveWorkers())
	cfg.Ordering = Strict
	assert.Equal(t, 1, cfg.EffectiveWorkers())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 30, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.Delay(7))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, newFakeUploader(nil), DefaultConfig())
	assert.Error(t, err)
	_, err = New(newQueue(t), nil, DefaultConfig())
	assert.Error(t, err)
}

func TestDispatcher_DeliversEverything(t *testing.T) {
	sink := tu.NewSink(t)
	client := upload.NewClient(upload.Endpoint{ServerURL: sink.URL()})
	rec := &eventRecorder{}
	m := metric.NewMetrics()

	q := newQueue(t)
	d := startDispatcher(t, q, client, DefaultConfig(), WithEventSink(rec), WithMetrics(m))

	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, q.Append(media(i)))
		d.Notify()
	}
	drain(t, d)

	delivered := sink.Delivered()
	assert.Len(t, delivered, 20)
	sort.Slice(delivered, func(i, j int) bool { return delivered[i] < delivered[j] })
	for i, seq := range delivered {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Len(t, rec.ofType(events.Delivered), 20)
	assert.Equal(t, int64(20), d.Stats().Delivered)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.FragmentsDelivered))
	assert.True(t, d.Idle())
}

func TestDispatcher_SucceedsOnThirtiethAttempt(t *testing.T) {
	sink := tu.NewSink(t, tu.WithBehavior(tu.FailFirst(29)))
	client := upload.NewClient(upload.Endpoint{ServerURL: sink.URL()})
	clock := clockwork.NewFakeClock()
	rec := &eventRecorder{}

	q := newQueue(t)
	d := startDispatcher(t, q, client, DefaultConfig(), WithClock(clock), WithEventSink(rec))

	require.NoError(t, q.Append(media(1)))
	d.Notify()

	advanceRetries(t, d, clock, 29)
	drain(t, d)

	assert.Equal(t, 30, sink.Attempts(1))
	assert.Equal(t, 30, sink.TotalRequests(), "no request after the 2xx")
	assert.Equal(t, []uint64{1}, sink.Delivered())
	assert.Len(t, rec.ofType(events.Retrying), 29)
	require.Len(t, rec.ofType(events.Delivered), 1)
	assert.Equal(t, 30, rec.ofType(events.Delivered)[0].Attempt)
	assert.Empty(t, rec.ofType(events.Dropped))
}

func TestDispatcher_DropsAfterThirtyAttempts(t *testing.T) {
	sink := tu.NewSink(t, tu.WithBehavior(tu.AlwaysStatus(500)))
	client := upload.NewClient(upload.Endpoint{ServerURL: sink.URL()})
	clock := clockwork.NewFakeClock()
	rec := &eventRecorder{}
	m := metric.NewMetrics()

	q := newQueue(t)
	d := startDispatcher(t, q, client, DefaultConfig(),
		WithClock(clock), WithEventSink(rec), WithMetrics(m))

	require.NoError(t, q.Append(media(9)))
	d.Notify()

	advanceRetries(t, d, clock, 29)
	drain(t, d)

	assert.Equal(t, 30, sink.Attempts(9))
	assert.Empty(t, sink.Delivered())

	dropped := rec.ofType(events.Dropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, events.ReasonRetriesExhausted, dropped[0].Reason)
	assert.Equal(t, uint64(9), dropped[0].Sequence)
	assert.Equal(t, 30, dropped[0].Attempt)
	assert.Contains(t, dropped[0].Error, "maximum retries exceeded")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FragmentsDropped.WithLabelValues(events.ReasonRetriesExhausted)))
	assert.Equal(t, int64(1), d.Stats().Dropped)
	assert.True(t, q.IsEmpty())

	// Nothing else happens afterwards
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return sink.Attempts(9) > 30 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcher_InvalidEndpointStallsWithoutConsumingAttempts(t *testing.T) {
	sink := tu.NewSink(t)
	client := upload.NewClient(upload.Endpoint{})
	clock := clockwork.NewFakeClock()
	rec := &eventRecorder{}

	q := newQueue(t)
	d := startDispatcher(t, q, client, DefaultConfig(), WithClock(clock), WithEventSink(rec))

	require.NoError(t, q.Append(media(1)))
	d.Notify()

	// Far more stalls than the attempt budget
	advanceRetries(t, d, clock, 40)
	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Retries == 41 && s.RetriesPending == 1
	}, 5*time.Second, time.Millisecond)
	assert.True(t, d.Stats().EndpointInvalid)
	assert.True(t, d.Health().IsDegraded())
	assert.Empty(t, rec.ofType(events.Dropped))
	assert.Empty(t, rec.ofType(events.Retrying))
	assert.Zero(t, sink.TotalRequests())

	client.SetEndpoint(upload.Endpoint{ServerURL: sink.URL()})
	clock.Advance(time.Second)
	drain(t, d)

	assert.Equal(t, 1, sink.Attempts(1))
	delivered := rec.ofType(events.Delivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, 1, delivered[0].Attempt, "stalls do not consume attempts")
	assert.False(t, d.Stats().EndpointInvalid)
	assert.True(t, d.Health().IsHealthy())
}

func TestDispatcher_StrictOrderingWithRetries(t *testing.T) {
	const n = 1000
	rng := rand.New(rand.NewSource(1))
	var rngMu sync.Mutex

	u := newFakeUploader(func(_ context.Context, f *fragment.Fragment, attempt int) error {
		rngMu.Lock()
		latency := time.Duration(rng.Intn(200)) * time.Microsecond
		rngMu.Unlock()
		time.Sleep(latency)
		if f.Sequence%7 == 0 && attempt < 3 {
			return errors.New("HTTP 503")
		}
		return nil
	})

	cfg := DefaultConfig()
	cfg.Ordering = Strict
	cfg.Workers = 8
	cfg.RetryDelay = time.Millisecond

	q := newQueue(t, queue.WithCapacity(n))
	d := startDispatcher(t, q, u, cfg)
	assert.Equal(t, 1, d.Stats().Workers)

	for i := uint64(0); i < n; i++ {
		require.NoError(t, q.Append(media(i)))
		d.Notify()
	}
	drain(t, d)

	order := u.deliveredOrder()
	require.Len(t, order, n)
	for i, seq := range order {
		require.Equal(t, uint64(i), seq, "delivery out of order at index %d", i)
	}
	assert.Equal(t, 3, u.attemptsFor(7))
}

func TestDispatcher_StrictOrderingOverHTTP(t *testing.T) {
	const n = 1000
	rng := rand.New(rand.NewSource(2))
	var rngMu sync.Mutex

	sink := tu.NewSink(t, tu.WithLatency(func(uint64) time.Duration {
		rngMu.Lock()
		defer rngMu.Unlock()
		return time.Duration(rng.Intn(300)) * time.Microsecond
	}))
	client := upload.NewClient(upload.Endpoint{ServerURL: sink.URL()})

	cfg := DefaultConfig()
	cfg.Ordering = Strict

	q := newQueue(t, queue.WithCapacity(n))
	d := startDispatcher(t, q, client, cfg)

	for i := uint64(0); i < n; i++ {
		require.NoError(t, q.Append(media(i)))
	}
	d.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	delivered := sink.Delivered()
	require.Len(t, delivered, n)
	assert.True(t, sort.SliceIsSorted(delivered, func(i, j int) bool { return delivered[i] < delivered[j] }))
}

func TestDispatcher_RetryGoesAheadOfLaterFragments(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newFakeUploader(func(_ context.Context, f *fragment.Fragment, attempt int) error {
		if f.Sequence == 1 && attempt == 1 {
			return errors.New("HTTP 500")
		}
		return nil
	})

	cfg := DefaultConfig()
	cfg.Ordering = Strict

	q := newQueue(t)
	d := startDispatcher(t, q, u, cfg, WithClock(clock))

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Append(media(i)))
	}
	d.Notify()

	advanceRetries(t, d, clock, 1)
	drain(t, d)

	assert.Equal(t, []uint64{1, 2, 3}, u.deliveredOrder())
}

func TestDispatcher_Abandon(t *testing.T) {
	rec := &eventRecorder{}
	m := metric.NewMetrics()
	q := newQueue(t)

	d, err := New(q, newFakeUploader(nil), DefaultConfig(), WithEventSink(rec), WithMetrics(m))
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Append(media(i)))
	}
	assert.False(t, d.Idle())

	assert.Equal(t, 5, d.Abandon(events.ReasonShutdown))
	assert.True(t, d.Idle())

	dropped := rec.ofType(events.Dropped)
	require.Len(t, dropped, 5)
	for i, e := range dropped {
		assert.Equal(t, events.ReasonShutdown, e.Reason)
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.FragmentsDropped.WithLabelValues(events.ReasonShutdown)))
}

func TestDispatcher_AbandonIncludesScheduledRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &eventRecorder{}
	u := newFakeUploader(func(context.Context, *fragment.Fragment, int) error {
		return errors.New("HTTP 502")
	})

	q := newQueue(t)
	d := startDispatcher(t, q, u, DefaultConfig(), WithClock(clock), WithEventSink(rec))

	require.NoError(t, q.Append(media(1)))
	d.Notify()
	require.Eventually(t, func() bool { return d.Stats().RetriesPending == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, d.Abandon(events.ReasonShutdown))
	assert.True(t, d.Idle())
	require.Len(t, rec.ofType(events.Dropped), 1)
	assert.Equal(t, 2, rec.ofType(events.Dropped)[0].Attempt)
}

func TestDispatcher_DrainHonorsContext(t *testing.T) {
	release := make(chan struct{})
	u := newFakeUploader(func(ctx context.Context, _ *fragment.Fragment, _ int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	q := newQueue(t)
	d := startDispatcher(t, q, u, DefaultConfig())
	require.NoError(t, q.Append(media(1)))
	d.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Drain(ctx)
	require.Error(t, err)
	assert.True(t, relayerrors.IsTransient(err))
	assert.Equal(t, 1, d.Stats().InFlight)

	close(release)
	drain(t, d)
}

func TestDispatcher_StopRequeuesScheduledRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newFakeUploader(func(context.Context, *fragment.Fragment, int) error {
		return errors.New("HTTP 500")
	})

	q := newQueue(t)
	d, err := New(q, u, DefaultConfig(), WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, q.Append(media(4)))
	d.Notify()
	require.Eventually(t, func() bool { return d.Stats().RetriesPending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Stop(time.Second))
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, d.Stats().RetriesPending)
	assert.True(t, d.Health().IsUnhealthy())

	p, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 2, p.Attempt)

	err = d.Start(context.Background())
	assert.True(t, errors.Is(err, relayerrors.ErrShuttingDown))
	assert.NoError(t, d.Stop(time.Second))
}

func TestDispatcher_StartTwice(t *testing.T) {
	d := startDispatcher(t, newQueue(t), newFakeUploader(nil), DefaultConfig())
	err := d.Start(context.Background())
	assert.True(t, errors.Is(err, relayerrors.ErrAlreadyStarted))
	assert.True(t, d.Started())
}

func TestDispatcher_NoGoroutineLeak(t *testing.T) {
	baseline := runtime.NumGoroutine()

	q := newQueue(t)
	d, err := New(q, newFakeUploader(nil), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, q.Append(media(i)))
	}
	d.Notify()
	drain(t, d)
	require.NoError(t, d.Stop(time.Second))

	tu.AssertNoGoroutineLeaks(t, baseline, 2)
}
