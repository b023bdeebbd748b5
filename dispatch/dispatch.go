// Package dispatch delivers queued fragments to the ingestion endpoint.
//
// A fixed pool of workers takes fragments from the FragmentQueue and uploads
// them one attempt at a time. A failed attempt is scheduled for another try
// after a fixed delay; when the delay elapses the fragment goes back to the
// head of the queue. After the last allowed attempt fails the fragment is
// dropped and a Dropped event is emitted. An unusable endpoint stalls the
// fragment at the head of the queue without consuming attempts until the
// endpoint is fixed.
//
// Taking a fragment from the queue and counting it as in flight happen under
// one lock, so Idle never reports an empty pipeline while an upload is
// still running.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/events"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/health"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
	"github.com/Roenbaeck/tubeist-sub000/pkg/worker"
	"github.com/Roenbaeck/tubeist-sub000/queue"
)

// Uploader performs a single upload attempt. upload.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, f *fragment.Fragment) error
}

// Stats is a snapshot of dispatcher state.
type Stats struct {
	Workers         int      `json:"workers"`
	Ordering        Ordering `json:"ordering"`
	Queued          int      `json:"queued"`
	InFlight        int      `json:"in_flight"`
	RetriesPending  int      `json:"retries_pending"`
	Delivered       int64    `json:"delivered"`
	Dropped         int64    `json:"dropped"`
	Retries         int64    `json:"retries"`
	EndpointInvalid bool     `json:"endpoint_invalid"`
}

// Dispatcher owns the upload workers and the retry schedule.
type Dispatcher struct {
	cfg      Config
	policy   retry.Config
	queue    *queue.FragmentQueue
	uploader Uploader
	sink     events.Sink
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	registry *metric.MetricsRegistry
	pool     *worker.Pool[*fragment.Pending]
	retries  *retry.Scheduler[string, *fragment.Pending]

	// mu guards the accounting that decides idleness
	mu       sync.Mutex
	inFlight int
	retrying int
	changed  chan struct{}

	endpointInvalid atomic.Bool
	abandoned       atomic.Bool
	delivered       atomic.Int64
	dropped         atomic.Int64
	retried         atomic.Int64

	endpointWarn rate.Sometimes
	failureWarn  rate.Sometimes

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used for retry delays.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records deliveries, drops, retries and in-flight counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMetricsRegistry exports worker pool metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

// WithEventSink receives delivered, retrying and dropped events.
func WithEventSink(s events.Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sink = s
		}
	}
}

// New creates a dispatcher for q. Workers are started by Start.
func New(q *queue.FragmentQueue, uploader Uploader, cfg Config, opts ...Option) (*Dispatcher, error) {
	if q == nil || uploader == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "check dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Dispatcher", "New", "validate config")
	}

	d := &Dispatcher{
		cfg:          cfg,
		policy:       cfg.RetryPolicy(),
		queue:        q,
		uploader:     uploader,
		sink:         events.Discard,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		changed:      make(chan struct{}),
		endpointWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		failureWarn:  rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	d.retries = retry.NewScheduler[string, *fragment.Pending](d.clock, d.retryDue)

	var poolOpts []worker.Option[*fragment.Pending]
	poolOpts = append(poolOpts, worker.WithPollInterval[*fragment.Pending](250*time.Millisecond))
	if d.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*fragment.Pending](d.registry, "upload_workers"))
	}
	pool, err := worker.NewPool[*fragment.Pending](cfg.EffectiveWorkers(), worker.SourceFunc[*fragment.Pending](d.next), d.process, poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Dispatcher", "New", "create worker pool")
	}
	d.pool = pool

	return d, nil
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Dispatcher", "Start", "check state")
	}
	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := d.pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Dispatcher", "Start", "start workers")
	}
	d.cancel = cancel
	d.started = true

	d.logger.Info("Dispatcher started",
		"workers", d.cfg.EffectiveWorkers(),
		"ordering", d.cfg.Ordering,
		"max_attempts", d.cfg.MaxAttempts,
		"retry_delay", d.cfg.RetryDelay)

	// Fragments may have been queued before the workers existed
	d.Notify()
	return nil
}

// Started reports whether Start succeeded and Stop has not been called.
func (d *Dispatcher) Started() bool {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.started && !d.stopped
}

// Notify wakes a worker after new fragments were queued.
func (d *Dispatcher) Notify() {
	d.pool.Notify()
}

// next is the worker source: dequeue and in-flight accounting are one step.
func (d *Dispatcher) next() (*fragment.Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Ordering == Strict && d.retrying > 0 {
		return nil, false
	}
	p, ok := d.queue.Dequeue()
	if !ok {
		return nil, false
	}
	d.inFlight++
	d.observeLocked()
	return p, true
}

func (d *Dispatcher) process(ctx context.Context, p *fragment.Pending) error {
	err := d.uploader.Upload(ctx, p.Fragment)

	switch {
	case err == nil:
		d.endpointInvalid.Store(false)
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDelivered()
		}
		d.emit(events.New(events.Delivered, p, "", nil))
		d.finish()
		return nil

	case d.abandoned.Load():
		d.drop(p, events.ReasonShutdown, err)
		d.finish()

	case errors.Is(err, errors.ErrInvalidEndpoint):
		// Operator has to fix the endpoint; the attempt is not counted
		d.endpointInvalid.Store(true)
		d.endpointWarn.Do(func() {
			d.logger.Warn("Upload endpoint unusable, holding fragments until it is fixed",
				"sequence", p.Fragment.Sequence,
				"error", err)
		})
		d.reschedule(p)

	case d.policy.Exhausted(p.Attempt):
		d.endpointInvalid.Store(false)
		d.drop(p, events.ReasonRetriesExhausted,
			fmt.Errorf("%w after %d attempts: %v", errors.ErrMaxRetriesExceeded, p.Attempt, err))
		d.finish()

	default:
		d.endpointInvalid.Store(false)
		d.failureWarn.Do(func() {
			d.logger.Warn("Upload attempt failed",
				"sequence", p.Fragment.Sequence,
				"attempt", p.Attempt,
				"error", err)
		})
		d.emit(events.New(events.Retrying, p, "", err))
		p.Attempt++
		d.reschedule(p)
	}
	return err
}

// reschedule moves p from in flight to the retry schedule.
func (d *Dispatcher) reschedule(p *fragment.Pending) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inFlight--
	if err := d.retries.Schedule(p.Fragment.Key(), p, d.cfg.RetryDelay); err != nil {
		// Stopped: keep it at the head so Abandon can account for it
		_ = d.queue.RequeueFront(p)
	} else {
		d.retrying++
		d.retried.Add(1)
		if d.metrics != nil {
			d.metrics.RecordRetry()
		}
	}
	d.observeLocked()
	d.signalLocked()
}

// retryDue runs when a retry delay has elapsed.
func (d *Dispatcher) retryDue(_ string, p *fragment.Pending) {
	d.mu.Lock()
	_ = d.queue.RequeueFront(p)
	d.retrying--
	d.observeLocked()
	d.signalLocked()
	d.mu.Unlock()

	d.Notify()
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.inFlight--
	d.observeLocked()
	d.signalLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) drop(p *fragment.Pending, reason string, err error) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDropped(reason)
	}
	d.emit(events.New(events.Dropped, p, reason, err))
}

// ReportDropped emits a Dropped event for a fragment removed outside the
// dispatcher, such as a queue overflow eviction. It does not take the
// dispatcher lock, so it is safe to call from queue callbacks.
func (d *Dispatcher) ReportDropped(p *fragment.Pending, reason string) {
	d.drop(p, reason, nil)
}

func (d *Dispatcher) emit(e events.Event) {
	d.sink.Emit(context.Background(), e)
}

func (d *Dispatcher) observeLocked() {
	if d.metrics != nil {
		d.metrics.SetInFlight(d.inFlight)
		d.metrics.SetRetriesScheduled(d.retrying)
	}
}

func (d *Dispatcher) signalLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) idleLocked() bool {
	return d.inFlight == 0 && d.retrying == 0 && d.queue.IsEmpty()
}

// Idle reports whether nothing is queued, in flight or waiting for a retry.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleLocked()
}

// Drain waits until the dispatcher is idle or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.idleLocked() {
			d.mu.Unlock()
			return nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Dispatcher", "Drain", "wait for idle")
		case <-changed:
		}
	}
}

// Abandon gives up on everything not currently in flight: scheduled retries
// and queued fragments are removed and reported as Dropped with reason.
// Uploads still in flight are dropped with the same reason if they fail.
// It returns the number of fragments removed.
func (d *Dispatcher) Abandon(reason string) int {
	d.abandoned.Store(true)

	d.mu.Lock()
	retrying := d.retries.Flush()
	d.retrying -= len(retrying)
	queued := d.queue.Drain()
	d.observeLocked()
	d.signalLocked()
	d.mu.Unlock()

	for _, p := range append(retrying, queued...) {
		d.drop(p, reason, nil)
	}

	n := len(retrying) + len(queued)
	if n > 0 {
		d.logger.Error("Abandoned undelivered fragments", "count", n, "reason", reason)
	}
	return n
}

// Stop stops the workers, waiting up to timeout for in-flight uploads.
// Scheduled retries are moved back to the queue.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.stopped {
		return nil
	}
	d.stopped = true

	var stopErr error
	if d.started {
		if err := d.pool.Stop(timeout); err != nil {
			stopErr = errors.WrapTransient(err, "Dispatcher", "Stop", "stop workers")
		}
		d.cancel()
	}

	d.mu.Lock()
	pending := d.retries.Close()
	for i := len(pending) - 1; i >= 0; i-- {
		_ = d.queue.RequeueFront(pending[i])
	}
	d.retrying -= len(pending)
	d.observeLocked()
	d.signalLocked()
	d.mu.Unlock()

	d.logger.Info("Dispatcher stopped", "requeued", len(pending))
	return stopErr
}

// Stats returns a snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	inFlight, retrying := d.inFlight, d.retrying
	d.mu.Unlock()

	return Stats{
		Workers:         d.cfg.EffectiveWorkers(),
		Ordering:        d.cfg.Ordering,
		Queued:          d.queue.Len(),
		InFlight:        inFlight,
		RetriesPending:  retrying,
		Delivered:       d.delivered.Load(),
		Dropped:         d.dropped.Load(),
		Retries:         d.retried.Load(),
		EndpointInvalid: d.endpointInvalid.Load(),
	}
}

// Health implements health.Checker.
func (d *Dispatcher) Health() health.Status {
	s := d.Stats()

	var status health.Status
	d.lifecycleMu.Lock()
	stopped := d.stopped
	d.lifecycleMu.Unlock()

	switch {
	case stopped:
		status = health.NewUnhealthy("dispatcher", "Dispatcher stopped")
	case s.EndpointInvalid:
		status = health.NewDegraded("dispatcher", "Upload endpoint is not usable")
	case s.RetriesPending > 0:
		status = health.NewDegraded("dispatcher", "Uploads are being retried")
	default:
		status = health.NewHealthy("dispatcher", "Uploading")
	}

	return status.
		WithDetail("queued", s.Queued).
		WithDetail("in_flight", s.InFlight).
		WithDetail("retries_pending", s.RetriesPending)
}
