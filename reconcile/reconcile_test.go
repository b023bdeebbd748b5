package reconcile

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

type harness struct {
	forwarded []string
	discarded map[string]string
}

func newHarness(t *testing.T, opts ...Option[string]) (*Reconciler[string], *harness) {
	t.Helper()
	h := &harness{discarded: make(map[string]string)}
	opts = append(opts, WithDiscard[string](func(e Entry[string], reason string) {
		h.discarded[e.Value] = reason
	}))
	r, err := New[string](func(e Entry[string]) {
		h.forwarded = append(h.forwarded, e.Value)
	}, opts...)
	require.NoError(t, err)
	return r, h
}

func at(v string, seconds float64) Entry[string] {
	return Entry[string]{Value: v, Timestamp: time.Duration(seconds * float64(time.Second))}
}

func origin(v string, seconds float64) Entry[string] {
	e := at(v, seconds)
	e.Origin = true
	return e
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_origin", AwaitingOrigin.String())
	assert.Equal(t, "origin_established", OriginEstablished.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNew_RequiresForward(t *testing.T) {
	_, err := New[string](nil)
	assert.Error(t, err)
}

func TestOffer_WithholdsUntilOrigin(t *testing.T) {
	r, h := newHarness(t)

	assert.True(t, r.Offer(at("a", 10)))
	assert.True(t, r.Offer(at("b", 11)))
	assert.Empty(t, h.forwarded)
	assert.Equal(t, 2, r.Held())
	assert.Equal(t, AwaitingOrigin, r.State())

	_, ok := r.Origin()
	assert.False(t, ok)
}

func TestOffer_OriginReleasesInArrivalOrder(t *testing.T) {
	r, h := newHarness(t)

	r.Offer(at("late-1", 12))
	r.Offer(at("late-2", 11))
	assert.False(t, r.Offer(origin("origin", 10)))

	assert.Equal(t, []string{"late-1", "late-2", "origin"}, h.forwarded)
	assert.Equal(t, 0, r.Held())
	assert.Equal(t, OriginEstablished, r.State())

	ts, ok := r.Origin()
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, ts)
}

func TestOffer_DiscardsEntriesBeforeOrigin(t *testing.T) {
	r, h := newHarness(t)

	r.Offer(at("early", 9.5))
	r.Offer(at("same", 10))
	r.Offer(at("after", 10.5))
	r.Offer(origin("origin", 10))

	assert.Equal(t, []string{"same", "after", "origin"}, h.forwarded)
	assert.Equal(t, map[string]string{"early": ReasonPreOrigin}, h.discarded)
}

func TestOffer_ForwardsImmediatelyAfterOrigin(t *testing.T) {
	r, h := newHarness(t)

	r.Offer(origin("origin", 1))
	assert.False(t, r.Offer(at("x", 0.5)), "no filtering once established")
	assert.False(t, r.Offer(origin("second-origin", 5)))

	assert.Equal(t, []string{"origin", "x", "second-origin"}, h.forwarded)
	ts, _ := r.Origin()
	assert.Equal(t, time.Second, ts)
}

func TestReset(t *testing.T) {
	r, h := newHarness(t)

	r.Offer(origin("o1", 1))
	r.Reset()
	assert.Equal(t, AwaitingOrigin, r.State())

	r.Offer(at("held", 2))
	r.Reset()
	assert.Equal(t, ReasonReset, h.discarded["held"])
	assert.Equal(t, 0, r.Held())

	r.Offer(at("held-again", 3))
	r.Offer(origin("o2", 3))
	assert.Equal(t, []string{"o1", "held-again", "o2"}, h.forwarded)
}

func TestAbandon(t *testing.T) {
	m := metric.NewMetrics()
	r, h := newHarness(t, WithMetrics[string](m))

	assert.Equal(t, 0, r.Abandon())

	r.Offer(at("a", 1))
	r.Offer(at("b", 2))
	assert.Equal(t, 2, r.Abandon())

	assert.Equal(t, ReasonAbandoned, h.discarded["a"])
	assert.Equal(t, ReasonAbandoned, h.discarded["b"])
	assert.Equal(t, 0, r.Held())
	assert.Equal(t, AwaitingOrigin, r.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReconcilerHeld))
	assert.Empty(t, h.forwarded)
}

func TestOffer_HoldOverflowDropsOldest(t *testing.T) {
	m := metric.NewMetrics()
	r, h := newHarness(t, WithHoldCapacity[string](2), WithMetrics[string](m))

	r.Offer(at("a", 1))
	r.Offer(at("b", 2))
	r.Offer(at("c", 3))

	assert.Equal(t, 2, r.Held())
	assert.Equal(t, ReasonHoldOverflow, h.discarded["a"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcilerHeld))

	r.Offer(origin("o", 0))
	assert.Equal(t, []string{"b", "c", "o"}, h.forwarded)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReconcilerHeld))
}

func TestOffer_MetricsRegistry(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	_, err := New[int](func(Entry[int]) {}, WithMetricsRegistry[int](reg))
	require.NoError(t, err)
}
