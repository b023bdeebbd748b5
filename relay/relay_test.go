package relay

import (
	"bytes"
	"context"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Roenbaeck/tubeist-sub000/config"
	"github.com/Roenbaeck/tubeist-sub000/dispatch"
	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/events"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/testutil"
	"github.com/Roenbaeck/tubeist-sub000/upload"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) dropped(reason string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == events.Dropped && e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
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

func testConfig(serverURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.URL = serverURL
	cfg.Server.Timeout = config.Duration(2 * time.Second)
	cfg.Dispatch.RetryDelay = config.Duration(10 * time.Millisecond)
	return cfg
}

func newRelay(t *testing.T, cfg *config.Config, deps *Dependencies) *Relay {
	t.Helper()
	r, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.GracefulShutdown(ctx)
	})
	return r
}

func beginWithInit(t *testing.T, r *Relay) string {
	t.Helper()
	id, err := r.BeginSession(context.Background())
	require.NoError(t, err)
	seq, err := r.AddFragment(fragment.Initialization, 0, []byte("init"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
	return id
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Capacity = 0
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestAddFragment_SessionRules(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)

	_, err := r.AddFragment(fragment.Media, 2, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrSessionNotActive)

	_, err = r.BeginSession(context.Background())
	require.NoError(t, err)

	_, err = r.AddFragment(fragment.Media, 2, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrInitializationRequired)

	seq, err := r.AddFragment(fragment.Initialization, 0, []byte("init"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	_, err = r.AddFragment(fragment.Initialization, 0, []byte("init"))
	assert.ErrorIs(t, err, errors.ErrDuplicateInitialization)

	// a rejected fragment does not consume a sequence number
	_, err = r.AddFragment(fragment.Media, -1, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	seq, err = r.AddFragment(fragment.Media, 2, []byte("m1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = r.AddFragment(fragment.Finalization, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	_, err = r.AddFragment(fragment.Media, 2, []byte("late"))
	assert.ErrorIs(t, err, errors.ErrSessionFinalized)
}

func TestAddFragment_CopiesPayload(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)
	beginWithInit(t, r)

	payload := []byte("original")
	_, err := r.AddFragment(fragment.Media, 2, payload)
	require.NoError(t, err)
	copy(payload, "mutated!")

	require.Eventually(t, func() bool { return len(sink.Delivered()) == 2 }, 5*time.Second, 10*time.Millisecond)
	for _, u := range sink.Uploads() {
		if u.Sequence == 1 {
			assert.Equal(t, []byte("original"), u.Payload)
		}
	}
}

func TestRelay_DeliversAndPersistsSession(t *testing.T) {
	sink := testutil.NewSink(t)
	dir := t.TempDir()

	cfg := testConfig(sink.URL())
	cfg.Persist.Enabled = true
	cfg.Persist.Directory = dir
	r := newRelay(t, cfg, nil)

	beginWithInit(t, r)
	payloads := map[uint64][]byte{0: []byte("init")}
	for i := 1; i <= 9; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 100*i)
		seq, err := r.AddFragment(fragment.Media, 2, p)
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
		payloads[seq] = p
	}
	_, err := r.AddFragment(fragment.Finalization, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.GracefulShutdown(ctx))

	delivered := sink.Delivered()
	sort.Slice(delivered, func(i, j int) bool { return delivered[i] < delivered[j] })
	want := make([]uint64, 11)
	for i := range want {
		want[i] = uint64(i)
	}
	assert.Equal(t, want, delivered)

	for seq, p := range payloads {
		name := fmt.Sprintf("segment_%d.m4s", seq)
		if seq == 0 {
			name = "segment_0.mp4"
		}
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, p, got, name)
	}

	stats := r.Stats()
	assert.Equal(t, int64(11), stats.Dispatch.Delivered)
	require.NotNil(t, stats.Persist)
	assert.Equal(t, int64(11), stats.Persist.Written)
}

func TestBeginSession_RestartsSequence(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)

	first := beginWithInit(t, r)
	_, err := r.AddFragment(fragment.Media, 2, []byte("a"))
	require.NoError(t, err)

	second := beginWithInit(t, r)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, r.SessionID())

	seq, err := r.AddFragment(fragment.Media, 2, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestResetSession(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)

	assert.ErrorIs(t, r.ResetSession(), errors.ErrSessionNotActive)

	beginWithInit(t, r)
	require.NoError(t, r.ResetSession())
	assert.Empty(t, r.SessionID())

	_, err := r.AddFragment(fragment.Media, 2, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrSessionNotActive)

	// already queued fragments still go out
	require.Eventually(t, func() bool { return sink.Attempts(0) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestAddTimedFragment_ReconcilesAgainstOrigin(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)

	_, err := r.BeginSession(context.Background())
	require.NoError(t, err)

	seq, held, err := r.AddTimedFragment(TimedFragment{Kind: fragment.Initialization, Payload: []byte("init")})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, uint64(0), seq)

	_, held, err = r.AddTimedFragment(TimedFragment{Kind: fragment.Media, Duration: 2, Payload: []byte("early"), Timestamp: time.Second})
	require.NoError(t, err)
	assert.True(t, held)

	_, held, err = r.AddTimedFragment(TimedFragment{Kind: fragment.Media, Duration: 2, Payload: []byte("later"), Timestamp: 3 * time.Second})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 2, r.Stats().Held)

	seq, held, err = r.AddTimedFragment(TimedFragment{Kind: fragment.Media, Duration: 2, Payload: []byte("origin"), Timestamp: 2 * time.Second, Origin: true})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, uint64(2), seq, "the later held fragment is released first")

	seq, held, err = r.AddTimedFragment(TimedFragment{Kind: fragment.Media, Duration: 2, Payload: []byte("next"), Timestamp: 4 * time.Second})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, 0, r.Stats().Held)

	require.Eventually(t, func() bool { return len(sink.Delivered()) == 4 }, 5*time.Second, 10*time.Millisecond)
	bySeq := map[uint64]string{}
	for _, u := range sink.Uploads() {
		bySeq[u.Sequence] = string(u.Payload)
	}
	assert.Equal(t, map[uint64]string{0: "init", 1: "later", 2: "origin", 3: "next"}, bySeq)
}

func TestAddTimedFragment_HoldOverflowReportsDrop(t *testing.T) {
	sink := testutil.NewSink(t)
	recorder := &eventRecorder{}
	cfg := testConfig(sink.URL())
	cfg.Reconciler.HoldCapacity = 1
	r := newRelay(t, cfg, &Dependencies{Sinks: []events.Sink{recorder}})

	_, err := r.BeginSession(context.Background())
	require.NoError(t, err)
	_, _, err = r.AddTimedFragment(TimedFragment{Kind: fragment.Initialization, Payload: []byte("init")})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		_, held, err := r.AddTimedFragment(TimedFragment{Kind: fragment.Media, Duration: 2, Payload: []byte("m"), Timestamp: time.Duration(i) * time.Second})
		require.NoError(t, err)
		assert.True(t, held)
	}

	dropped := recorder.dropped(events.ReasonHoldOverflow)
	require.Len(t, dropped, 1)
	assert.Equal(t, "media", dropped[0].Kind)
	assert.Equal(t, 1, r.Stats().Held)
}

func holdMedia(t *testing.T, r *Relay, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, held, err := r.AddTimedFragment(TimedFragment{
			Kind:      fragment.Media,
			Duration:  2,
			Payload:   []byte(fmt.Sprintf("held-%d", i)),
			Timestamp: time.Duration(i) * time.Second,
		})
		require.NoError(t, err)
		require.True(t, held)
	}
}

func TestGracefulShutdown_ReportsHeldFragments(t *testing.T) {
	sink := testutil.NewSink(t)
	recorder := &eventRecorder{}
	r := newRelay(t, testConfig(sink.URL()), &Dependencies{Sinks: []events.Sink{recorder}})

	id := beginWithInit(t, r)
	holdMedia(t, r, 3)
	assert.Equal(t, 3, r.Stats().Held)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.GracefulShutdown(ctx))

	dropped := recorder.dropped(events.ReasonHoldAbandoned)
	require.Len(t, dropped, 3)
	for _, e := range dropped {
		assert.Equal(t, id, e.Session)
		assert.Equal(t, "media", e.Kind)
		assert.Positive(t, e.Bytes)
	}
	assert.Equal(t, 0, r.Stats().Held)
	assert.Len(t, sink.Delivered(), 1)
}

func TestAddTimedFragment_FinalizationAbandonsHeld(t *testing.T) {
	sink := testutil.NewSink(t)
	recorder := &eventRecorder{}
	r := newRelay(t, testConfig(sink.URL()), &Dependencies{Sinks: []events.Sink{recorder}})

	beginWithInit(t, r)
	holdMedia(t, r, 2)

	seq, held, err := r.AddTimedFragment(TimedFragment{Kind: fragment.Finalization, Payload: []byte("end")})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, uint64(1), seq)

	assert.Len(t, recorder.dropped(events.ReasonHoldAbandoned), 2)
	assert.Equal(t, 0, r.Stats().Held)
	require.Eventually(t, func() bool { return len(sink.Delivered()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestResetSession_ReportsHeldFragments(t *testing.T) {
	sink := testutil.NewSink(t)
	recorder := &eventRecorder{}
	r := newRelay(t, testConfig(sink.URL()), &Dependencies{Sinks: []events.Sink{recorder}})

	id := beginWithInit(t, r)
	holdMedia(t, r, 2)
	require.NoError(t, r.ResetSession())

	dropped := recorder.dropped(events.ReasonSessionReset)
	require.Len(t, dropped, 2)
	assert.Equal(t, id, dropped[0].Session)
	assert.Equal(t, 0, r.Stats().Held)
}

func TestAddFragment_DropNewestRejectsWithoutConsumingSequence(t *testing.T) {
	recorder := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	cfg := testConfig("")
	cfg.Dispatch.Ordering = string(dispatch.Strict)
	cfg.Queue.Capacity = 2
	cfg.Queue.OverflowPolicy = "drop_newest"
	r := newRelay(t, cfg, &Dependencies{Clock: clock, Sinks: []events.Sink{recorder}})

	beginWithInit(t, r)
	require.Eventually(t, func() bool { return r.Stats().Dispatch.RetriesPending == 1 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := r.AddFragment(fragment.Media, 2, []byte("m"))
		require.NoError(t, err)
	}
	_, err := r.AddFragment(fragment.Media, 2, []byte("rejected"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, uint64(3), r.Stats().Issued)
	assert.Empty(t, recorder.dropped(events.ReasonQueueOverflow))

	// a rejected initialization leaves the new session uninitialized
	_, err = r.BeginSession(context.Background())
	require.NoError(t, err)
	_, err = r.AddFragment(fragment.Initialization, 0, []byte("init"))
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, uint64(0), r.Stats().Issued)
	_, err = r.AddFragment(fragment.Media, 2, []byte("m"))
	assert.ErrorIs(t, err, errors.ErrInitializationRequired)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.GracefulShutdown(ctx), errors.ErrShutdownTimeout)
}

func TestGracefulShutdown_TimeoutReportsDrops(t *testing.T) {
	sink := testutil.NewSink(t, testutil.WithBehavior(testutil.AlwaysStatus(500)))
	recorder := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	r := newRelay(t, testConfig(sink.URL()), &Dependencies{
		Clock: clock,
		Sinks: []events.Sink{recorder},
	})

	beginWithInit(t, r)
	for i := 0; i < 2; i++ {
		_, err := r.AddFragment(fragment.Media, 2, []byte("m"))
		require.NoError(t, err)
	}

	// every fragment fails once and then waits on a clock that never moves
	require.Eventually(t, func() bool { return r.Stats().Dispatch.RetriesPending == 3 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := r.GracefulShutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShutdownTimeout)

	dropped := recorder.dropped(events.ReasonShutdown)
	require.Len(t, dropped, 3)
	seqs := []uint64{dropped[0].Sequence, dropped[1].Sequence, dropped[2].Sequence}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	assert.Equal(t, []uint64{0, 1, 2}, seqs)

	_, err = r.AddFragment(fragment.Media, 2, []byte("late"))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	_, err = r.BeginSession(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)

	assert.ErrorIs(t, r.GracefulShutdown(context.Background()), errors.ErrShutdownTimeout)
}

func TestRelay_EndpointStallResolvedBySetEndpoint(t *testing.T) {
	sink := testutil.NewSink(t)
	recorder := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	r := newRelay(t, testConfig(""), &Dependencies{Clock: clock, Sinks: []events.Sink{recorder}})

	beginWithInit(t, r)
	require.Eventually(t, func() bool { return r.Stats().Dispatch.EndpointInvalid }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, r.Health().IsDegraded())

	err := r.SetEndpoint(upload.Endpoint{ServerURL: "not a url"})
	assert.ErrorIs(t, err, errors.ErrInvalidEndpoint)

	require.NoError(t, r.SetEndpoint(upload.Endpoint{ServerURL: sink.URL(), Username: "u", Password: "p"}))
	assert.Equal(t, "***", r.Endpoint().Password)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return len(sink.Delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.Stats().Dispatch.Delivered == 1 }, time.Second, 10*time.Millisecond)
	delivered := recorder.ofType(events.Delivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, 1, delivered[0].Attempt, "endpoint stalls do not consume attempts")
}

func TestRelay_QueueOverflowReportsDrop(t *testing.T) {
	recorder := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	cfg := testConfig("")
	cfg.Dispatch.Ordering = string(dispatch.Strict)
	cfg.Queue.Capacity = 2
	r := newRelay(t, cfg, &Dependencies{Clock: clock, Sinks: []events.Sink{recorder}})

	beginWithInit(t, r)
	// strict ordering dequeues nothing while the init fragment waits for a retry
	require.Eventually(t, func() bool { return r.Stats().Dispatch.RetriesPending == 1 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := r.AddFragment(fragment.Media, 2, []byte("m"))
		require.NoError(t, err)
	}

	dropped := recorder.dropped(events.ReasonQueueOverflow)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Sequence)
	assert.Equal(t, 2, r.Stats().Dispatch.Queued)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.GracefulShutdown(ctx), errors.ErrShutdownTimeout)
	assert.Len(t, recorder.dropped(events.ReasonShutdown), 3)
}

func TestRelay_Throughput(t *testing.T) {
	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)

	beginWithInit(t, r)
	_, err := r.AddFragment(fragment.Media, 2, bytes.Repeat([]byte{1}, 64<<10))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.Delivered()) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, r.CurrentThroughputMbps(), 0)
	assert.Equal(t, 0, r.CurrentThroughputMbps(), "the window resets after each calculation")
}

func TestRelay_Health(t *testing.T) {
	sink := testutil.NewSink(t)
	cfg := testConfig(sink.URL())
	cfg.Persist.Enabled = true
	cfg.Persist.Directory = t.TempDir()
	r := newRelay(t, cfg, nil)

	status := r.Health()
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "relay", status.Component)

	var names []string
	for _, s := range status.SubStatuses {
		names = append(names, s.Component)
	}
	assert.Equal(t, []string{"dispatcher", "persister", "session"}, names)
}

func TestUpload_TrustsConfiguredCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, caPEM, 0o644))

	cfg := testConfig(srv.URL)
	cfg.Server.TLS.CAFiles = []string{caFile}
	r := newRelay(t, cfg, nil)

	beginWithInit(t, r)

	assert.Eventually(t, func() bool {
		return r.Stats().Dispatch.Delivered == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNew_RejectsUnreadableCA(t *testing.T) {
	cfg := testConfig("https://ingest.example.com")
	cfg.Server.TLS.CAFiles = []string{filepath.Join(t.TempDir(), "missing.pem")}

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestAddFragment_ConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 25
	)

	sink := testutil.NewSink(t)
	r := newRelay(t, testConfig(sink.URL()), nil)
	beginWithInit(t, r)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if _, err := r.AddFragment(fragment.Media, 2, []byte("m")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.GracefulShutdown(ctx))

	delivered := sink.Delivered()
	require.Len(t, delivered, producers*perWorker+1)

	seqs := make([]int, 0, len(delivered))
	for _, seq := range delivered {
		seqs = append(seqs, int(seq))
	}
	sort.Ints(seqs)
	for i, s := range seqs {
		require.Equal(t, i, s, "gap or duplicate at index %d", i)
	}
}
