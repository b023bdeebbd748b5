// Package worker provides a generic pull-based worker pool
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// Pool lifecycle errors
var (
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrNilSource          = errors.New("work source cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Source hands out work. Next must be safe for concurrent use and must not
// block; it returns false when nothing is available right now.
type Source[T any] interface {
	Next() (T, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func() (T, bool)

// Next calls f.
func (f SourceFunc[T]) Next() (T, bool) { return f() }

// Pool runs a fixed number of workers that pull items from a Source.
// Idle workers sleep until Notify is called, the poll interval elapses or
// the pool stops.
type Pool[T any] struct {
	workers      int
	source       Source[T]
	processor    func(context.Context, T) error
	pollInterval time.Duration

	wake    chan struct{}
	done    chan struct{}
	metrics *Metrics
	wg      sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	busy      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	busy           prometheus.Gauge
	processed      prometheus.Counter
	failed         prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under the given prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithPollInterval makes idle workers check the source periodically even
// without a Notify. Zero disables polling.
func WithPollInterval[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) {
		p.pollInterval = d
	}
}

// NewPool creates a worker pool. Workers <= 0 selects a single worker.
func NewPool[T any](workers int, source Source[T], processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		workers = 1
	}
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if source == nil {
		return nil, ErrNilSource
	}

	pool := &Pool[T]{
		workers:   workers,
		source:    source,
		processor: processor,
		wake:      make(chan struct{}, workers),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		if err := pool.initializeMetrics(); err != nil {
			return nil, errors.Wrap(err, "Pool", "NewPool", "register metrics")
		}
	}

	return pool, nil
}

func (p *Pool[T]) initializeMetrics() error {
	prefix := p.metricsPrefix
	labels := prometheus.Labels{"pool": prefix}

	m := &Metrics{
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tubeist",
			Subsystem:   "worker",
			Name:        "busy",
			ConstLabels: labels,
			Help:        "Workers currently processing an item",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tubeist",
			Subsystem:   "worker",
			Name:        "processed_total",
			ConstLabels: labels,
			Help:        "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tubeist",
			Subsystem:   "worker",
			Name:        "failed_total",
			ConstLabels: labels,
			Help:        "Total work items whose processor returned an error",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "tubeist",
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			ConstLabels: labels,
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status"}),
	}

	serviceName := "worker_pool"
	if err := p.metricsRegistry.RegisterGauge(serviceName, prefix+"_busy", m.busy); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", m.processed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", m.failed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", m.processingTime); err != nil {
		return err
	}

	p.metrics = m
	return nil
}

// Notify wakes one idle worker. It never blocks.
func (p *Pool[T]) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
		// every worker already has a pending wake-up
	}
}

// Start starts the workers. They stop when ctx is done or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop signals the workers to exit after their current item and waits up
// to timeout for them. Items still in the source are left there.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.done)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-finished:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Busy returns the number of workers currently running the processor.
func (p *Pool[T]) Busy() int {
	return int(p.busy.Load())
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Busy:      p.Busy(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers   int   `json:"workers"`
	Busy      int   `json:"busy"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	var poll <-chan time.Time
	if p.pollInterval > 0 {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		if item, ok := p.source.Next(); ok {
			p.process(ctx, item)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.wake:
		case <-poll:
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, item T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Inc()
	}

	start := time.Now()
	err := p.processor(ctx, item)
	duration := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.busy.Dec()
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}
