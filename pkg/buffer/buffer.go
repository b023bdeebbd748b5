package buffer

import (
	"context"
)

// Buffer is a bounded, thread-safe double-ended queue of items of type T.
// Items normally enter at the back and leave at the front; WriteFront puts
// an item back at the front so it is the next one read.
type Buffer[T any] interface {
	// Write appends an item at the back. Behavior when full depends on
	// the overflow policy.
	Write(item T) error

	// WriteWithContext is Write, except that under the Block policy the
	// wait for free space ends when ctx is done.
	WriteWithContext(ctx context.Context, item T) error

	// WriteFront inserts an item at the front. It never blocks: when the
	// buffer is full the newest item at the back is evicted and reported
	// through the drop callback.
	WriteFront(item T) error

	// Read removes and returns the front item, or false if empty.
	Read() (T, bool)

	// Peek returns the front item without removing it.
	Peek() (T, bool)

	// Drain removes and returns every item, front first. Drained items are
	// not reported to the drop callback.
	Drain() []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// IsFull reports whether Size equals Capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes and wakes blocked writers. Items already
	// buffered can still be read.
	Close() error
}

// OverflowPolicy defines how Write behaves when the buffer is at capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the front item to make room.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects the item being written with ErrQueueFull.
	DropNewest

	// Block waits until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts a configuration string into a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, true
	case "drop_newest":
		return DropNewest, true
	case "block":
		return Block, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called for every item evicted by the overflow policy.
// Items rejected by DropNewest are not reported; the writer gets the error. It runs after the buffer lock is released, so it may
// call back into the buffer.
type DropCallback[T any] func(item T)

// New creates a buffer with the given capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func New[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newDeque(capacity, opts)
}
