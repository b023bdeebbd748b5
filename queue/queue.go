// Package queue holds fragments between production and upload.
//
// FragmentQueue is a bounded deque of pending uploads: producers append at
// the tail, upload workers dequeue from the head, and failed uploads come
// back at the head for their retry so they are not overtaken by newer
// fragments. Every fragment evicted by the overflow policy is reported to
// the drop handler. Under drop_oldest an initialization fragment is never
// the one evicted while any media fragment is queued.
package queue

import (
	"context"
	"sync/atomic"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/buffer"
)

// DefaultCapacity is roughly half an hour of 2-second fragments.
const DefaultCapacity = 1024

// DropHandler receives fragments evicted by the overflow policy.
type DropHandler func(p *fragment.Pending)

// FragmentQueue is safe for concurrent use.
type FragmentQueue struct {
	buf    buffer.Buffer[*fragment.Pending]
	closed atomic.Bool
}

// Option configures a FragmentQueue.
type Option func(*options)

type options struct {
	capacity int
	policy   buffer.OverflowPolicy
	onDrop   DropHandler
	registry *metric.MetricsRegistry
}

// WithCapacity bounds the queue. Values <= 0 select DefaultCapacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithOverflowPolicy selects what Append does when the queue is full.
func WithOverflowPolicy(p buffer.OverflowPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithDropHandler registers the callback for evicted fragments.
func WithDropHandler(h DropHandler) Option {
	return func(o *options) {
		o.onDrop = h
	}
}

// WithMetrics exports queue depth and drops under the "fragment_queue" label.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// New creates an empty queue.
func New(opts ...Option) (*FragmentQueue, error) {
	o := &options{
		capacity: DefaultCapacity,
		policy:   buffer.DropOldest,
	}
	for _, opt := range opts {
		opt(o)
	}

	bufOpts := []buffer.Option[*fragment.Pending]{
		buffer.WithOverflowPolicy[*fragment.Pending](o.policy),
		buffer.WithMetrics[*fragment.Pending](o.registry, "fragment_queue"),
		buffer.WithRetain[*fragment.Pending](isInitialization),
	}
	if o.onDrop != nil {
		bufOpts = append(bufOpts, buffer.WithDropCallback[*fragment.Pending](buffer.DropCallback[*fragment.Pending](o.onDrop)))
	}

	buf, err := buffer.New[*fragment.Pending](o.capacity, bufOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "FragmentQueue", "New", "create buffer")
	}

	return &FragmentQueue{buf: buf}, nil
}

// isInitialization protects a session's initialization fragment from
// drop_oldest eviction; without it no later fragment can be decoded.
func isInitialization(p *fragment.Pending) bool {
	return p != nil && p.Fragment != nil && p.Fragment.IsInit()
}

// Append adds a freshly produced fragment at the tail for its first attempt.
// Under the drop_newest policy a full queue rejects f with ErrQueueFull and
// f is not reported to the drop handler.
func (q *FragmentQueue) Append(f *fragment.Fragment) error {
	return q.AppendWithContext(context.Background(), f)
}

// AppendWithContext is Append; under the block policy the wait for space
// ends when ctx is done.
func (q *FragmentQueue) AppendWithContext(ctx context.Context, f *fragment.Fragment) error {
	if f == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "FragmentQueue", "Append", "nil fragment")
	}
	if q.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "FragmentQueue", "Append", "queue closed")
	}
	if err := q.buf.WriteWithContext(ctx, fragment.NewPending(f)); err != nil {
		return errors.Wrap(err, "FragmentQueue", "Append", "write fragment")
	}
	return nil
}

// RequeueFront puts p back at the head so it is the next fragment dequeued.
// It is accepted after Close so in-flight retries are not lost.
func (q *FragmentQueue) RequeueFront(p *fragment.Pending) error {
	if p == nil || p.Fragment == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "FragmentQueue", "RequeueFront", "nil pending upload")
	}
	return q.buf.WriteFront(p)
}

// Dequeue removes and returns the head, or false if the queue is empty.
func (q *FragmentQueue) Dequeue() (*fragment.Pending, bool) {
	return q.buf.Read()
}

// Peek returns the head without removing it.
func (q *FragmentQueue) Peek() (*fragment.Pending, bool) {
	return q.buf.Peek()
}

// IsEmpty reports whether nothing is queued.
func (q *FragmentQueue) IsEmpty() bool {
	return q.buf.IsEmpty()
}

// Len returns the number of queued fragments.
func (q *FragmentQueue) Len() int {
	return q.buf.Size()
}

// Capacity returns the queue bound.
func (q *FragmentQueue) Capacity() int {
	return q.buf.Capacity()
}

// Drain removes and returns every queued fragment, head first.
func (q *FragmentQueue) Drain() []*fragment.Pending {
	return q.buf.Drain()
}

// Close makes further Append calls fail with ErrShuttingDown.
func (q *FragmentQueue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		_ = q.buf.Close()
	}
}

// Closed reports whether Close was called.
func (q *FragmentQueue) Closed() bool {
	return q.closed.Load()
}

// Stats returns a snapshot of queue activity.
func (q *FragmentQueue) Stats() buffer.StatsSummary {
	return q.buf.Stats().Summary()
}
