package buffer

import (
	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
	retain         func(T) bool

	// optional; when set, statistics are also exported to Prometheus
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior for Write.
// Defaults to DropOldest if not specified.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithMetrics enables Prometheus metrics export. The prefix becomes the
// "component" label. A nil registry or empty prefix is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets the function called for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

// WithRetain protects items for which keep returns true from DropOldest
// eviction; the oldest unprotected item is evicted instead.
func WithRetain[T any](keep func(T) bool) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.retain = keep
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{
		overflowPolicy: DropOldest,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
