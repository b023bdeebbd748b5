// Package reconcile aligns producer output with the moment a session
// actually starts.
//
// Producers may emit timestamped entries before the session origin is
// known. The Reconciler holds those entries until an origin entry arrives,
// discards held entries older than the origin, forwards the rest in arrival
// order and then forwards the origin entry itself. From then on every entry
// is forwarded immediately, until Reset.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/buffer"
)

// DefaultHoldCapacity bounds the hold-list.
const DefaultHoldCapacity = 256

// Discard reasons
const (
	ReasonPreOrigin    = "pre_origin"
	ReasonReset        = "reset"
	ReasonHoldOverflow = "hold_overflow"
	ReasonAbandoned    = "hold_abandoned"
)

// State of the reconciler
type State int

const (
	AwaitingOrigin State = iota
	OriginEstablished
)

func (s State) String() string {
	switch s {
	case AwaitingOrigin:
		return "awaiting_origin"
	case OriginEstablished:
		return "origin_established"
	default:
		return "unknown"
	}
}

// Entry is one timestamped value. Timestamp is relative to any fixed epoch
// shared by all entries of a session.
type Entry[T any] struct {
	Value     T
	Timestamp time.Duration
	Origin    bool
}

// ForwardFunc receives entries in release order.
type ForwardFunc[T any] func(e Entry[T])

// DiscardFunc receives entries that will never be forwarded.
type DiscardFunc[T any] func(e Entry[T], reason string)

// Reconciler is safe for concurrent use. Callbacks run while its lock is
// held and must not call back into it.
type Reconciler[T any] struct {
	mu       sync.Mutex
	state    State
	origin   time.Duration
	held     buffer.Buffer[Entry[T]]
	forward  ForwardFunc[T]
	discard  DiscardFunc[T]
	capacity int
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger

	overflowWarn rate.Sometimes
}

// Option configures a Reconciler.
type Option[T any] func(*Reconciler[T])

// WithHoldCapacity bounds the hold-list. Values <= 0 select DefaultHoldCapacity.
func WithHoldCapacity[T any](n int) Option[T] {
	return func(r *Reconciler[T]) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithDiscard registers the callback for discarded entries.
func WithDiscard[T any](fn DiscardFunc[T]) Option[T] {
	return func(r *Reconciler[T]) { r.discard = fn }
}

// WithLogger sets the logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(r *Reconciler[T]) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics publishes the number of held entries.
func WithMetrics[T any](m *metric.Metrics) Option[T] {
	return func(r *Reconciler[T]) { r.metrics = m }
}

// WithMetricsRegistry exports hold-list buffer metrics.
func WithMetricsRegistry[T any](reg *metric.MetricsRegistry) Option[T] {
	return func(r *Reconciler[T]) { r.registry = reg }
}

// New creates a reconciler awaiting its origin.
func New[T any](forward ForwardFunc[T], opts ...Option[T]) (*Reconciler[T], error) {
	if forward == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reconciler", "New", "check forward callback")
	}

	r := &Reconciler[T]{
		forward:      forward,
		capacity:     DefaultHoldCapacity,
		logger:       slog.Default(),
		overflowWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")

	held, err := buffer.New[Entry[T]](r.capacity,
		buffer.WithOverflowPolicy[Entry[T]](buffer.DropOldest),
		buffer.WithMetrics[Entry[T]](r.registry, "reconciler_hold"),
		buffer.WithDropCallback[Entry[T]](r.overflowed))
	if err != nil {
		return nil, errors.Wrap(err, "Reconciler", "New", "create hold-list")
	}
	r.held = held

	return r, nil
}

// Offer hands an entry to the reconciler and reports whether it was held.
func (r *Reconciler[T]) Offer(e Entry[T]) (held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == OriginEstablished {
		r.forward(e)
		return false
	}

	if !e.Origin {
		_ = r.held.Write(e)
		r.observe()
		return true
	}

	r.state = OriginEstablished
	r.origin = e.Timestamp

	pending := r.held.Drain()
	released, discarded := 0, 0
	for _, h := range pending {
		if h.Timestamp < e.Timestamp {
			discarded++
			r.drop(h, ReasonPreOrigin)
			continue
		}
		released++
		r.forward(h)
	}
	r.forward(e)
	r.observe()

	r.logger.Debug("Session origin established",
		"origin", e.Timestamp,
		"released", released,
		"discarded", discarded)
	return false
}

// Reset discards held entries and waits for a new origin.
func (r *Reconciler[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.held.Drain() {
		r.drop(h, ReasonReset)
	}
	r.state = AwaitingOrigin
	r.origin = 0
	r.observe()
}

// Abandon discards every held entry without leaving AwaitingOrigin and
// returns how many there were. Used when no origin can arrive any more.
func (r *Reconciler[T]) Abandon() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.held.Drain()
	for _, h := range pending {
		r.drop(h, ReasonAbandoned)
	}
	r.observe()
	return len(pending)
}

// State returns the current state.
func (r *Reconciler[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Origin returns the established origin timestamp.
func (r *Reconciler[T]) Origin() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin, r.state == OriginEstablished
}

// Held returns the number of entries waiting for the origin.
func (r *Reconciler[T]) Held() int {
	return r.held.Size()
}

// overflowed is the hold-list drop callback; it runs inside Offer.
func (r *Reconciler[T]) overflowed(e Entry[T]) {
	r.overflowWarn.Do(func() {
		r.logger.Warn("Hold-list full, discarding oldest entry",
			"capacity", r.capacity,
			"timestamp", e.Timestamp)
	})
	r.drop(e, ReasonHoldOverflow)
}

func (r *Reconciler[T]) drop(e Entry[T], reason string) {
	if r.discard != nil {
		r.discard(e, reason)
	}
}

func (r *Reconciler[T]) observe() {
	if r.metrics != nil {
		r.metrics.SetReconcilerHeld(r.held.Size())
	}
}
