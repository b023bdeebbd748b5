package buffer

import (
	"context"
	"sync"

	"github.com/Roenbaeck/tubeist-sub000/errors"
)

// deque is a ring buffer addressed from both ends.
type deque[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // index of the front item
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notFull *sync.Cond
	closed  bool
}

func newDeque[T any](capacity int, opts *bufferOptions[T]) (*deque[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "New", "metrics registration")
		}
	}

	d := &deque[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	d.notFull = sync.NewCond(&d.mu)

	return d, nil
}

// Write appends an item at the back according to the overflow policy.
func (d *deque[T]) Write(item T) error {
	return d.WriteWithContext(context.Background(), item)
}

// WriteWithContext appends an item at the back. Only the Block policy waits,
// and it stops waiting when ctx is done.
func (d *deque[T]) WriteWithContext(ctx context.Context, item T) error {
	var dropped []T
	defer func() { d.notifyDropped(dropped) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	if d.size == d.capacity {
		switch d.opts.overflowPolicy {
		case DropOldest:
			dropped = append(dropped, d.evictOldest())
			d.recordDrop()

		case DropNewest:
			d.recordDrop()
			return errors.WrapTransient(errors.ErrQueueFull, "Buffer", "Write", "reject newest item")

		case Block:
			if err := d.waitForSpace(ctx); err != nil {
				return err
			}
		}
	}

	d.items[(d.head+d.size)%d.capacity] = item
	d.size++
	d.recordWrite()

	return nil
}

// waitForSpace blocks on notFull until there is room, the buffer closes or
// ctx is done. Called with d.mu held.
func (d *deque[T]) waitForSpace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.notFull.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	for d.size == d.capacity && !d.closed {
		d.notFull.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if d.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write",
			"buffer closed during blocking wait")
	}
	return nil
}

// WriteFront inserts an item at the front, evicting the back item when full.
func (d *deque[T]) WriteFront(item T) error {
	var dropped []T
	defer func() { d.notifyDropped(dropped) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == d.capacity {
		var zero T
		tail := (d.head + d.size - 1) % d.capacity
		dropped = append(dropped, d.items[tail])
		d.items[tail] = zero
		d.size--
		d.recordDrop()
	}

	d.head = (d.head - 1 + d.capacity) % d.capacity
	d.items[d.head] = item
	d.size++
	d.stats.Requeue()
	d.recordWrite()

	return nil
}

// Read removes and returns the front item.
func (d *deque[T]) Read() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == 0 {
		var zero T
		return zero, false
	}

	item := d.popFront()
	d.stats.Read()
	d.stats.UpdateSize(int64(d.size))
	if d.metrics != nil {
		d.metrics.recordRead(d.size, d.capacity)
	}

	return item, true
}

// Peek returns the front item without removing it.
func (d *deque[T]) Peek() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == 0 {
		var zero T
		return zero, false
	}
	return d.items[d.head], true
}

// Drain removes every item and returns them front first.
func (d *deque[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]T, 0, d.size)
	for d.size > 0 {
		out = append(out, d.popFront())
		d.stats.Read()
	}
	d.stats.UpdateSize(0)
	if d.metrics != nil {
		d.metrics.updateSize(0, d.capacity)
	}

	return out
}

// Size returns the current number of items.
func (d *deque[T]) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Capacity returns the maximum number of items.
func (d *deque[T]) Capacity() int {
	return d.capacity
}

// IsFull reports whether the buffer is at capacity.
func (d *deque[T]) IsFull() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size == d.capacity
}

// IsEmpty reports whether the buffer holds no items.
func (d *deque[T]) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size == 0
}

// Stats returns buffer statistics.
func (d *deque[T]) Stats() *Statistics {
	return d.stats
}

// Close rejects further writes and wakes blocked writers.
func (d *deque[T]) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.notFull.Broadcast()

	return nil
}

// evictOldest removes the oldest item the retain predicate does not protect.
// When every item is protected the front item goes. Protected items ahead of
// the victim shift back one slot, so the common case of a single protected
// head stays O(1). Called with d.mu held and size > 0.
func (d *deque[T]) evictOldest() T {
	skip := 0
	if d.opts.retain != nil {
		for skip < d.size && d.opts.retain(d.items[(d.head+skip)%d.capacity]) {
			skip++
		}
		if skip == d.size {
			skip = 0
		}
	}
	if skip == 0 {
		return d.popFront()
	}

	item := d.items[(d.head+skip)%d.capacity]
	for i := skip; i > 0; i-- {
		d.items[(d.head+i)%d.capacity] = d.items[(d.head+i-1)%d.capacity]
	}
	// the front slot now holds a duplicate of the first protected item
	d.popFront()
	return item
}

// popFront removes the front item. Called with d.mu held and size > 0.
func (d *deque[T]) popFront() T {
	var zero T
	item := d.items[d.head]
	d.items[d.head] = zero
	d.head = (d.head + 1) % d.capacity
	d.size--
	d.notFull.Signal()
	return item
}

func (d *deque[T]) recordWrite() {
	d.stats.Write()
	d.stats.UpdateSize(int64(d.size))
	if d.metrics != nil {
		d.metrics.recordWrite(d.size, d.capacity)
	}
}

func (d *deque[T]) recordDrop() {
	d.stats.Overflow()
	d.stats.Drop()
	if d.metrics != nil {
		d.metrics.recordOverflow()
		d.metrics.recordDrop()
	}
}

// notifyDropped runs the drop callback outside the lock.
func (d *deque[T]) notifyDropped(items []T) {
	if d.opts.dropCallback == nil {
		return
	}
	for _, item := range items {
		d.opts.dropCallback(item)
	}
}
