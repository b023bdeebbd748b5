package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Roenbaeck/tubeist-sub000/config"
	"github.com/Roenbaeck/tubeist-sub000/dispatch"
	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/events"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/health"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/netmetrics"
	"github.com/Roenbaeck/tubeist-sub000/persist"
	"github.com/Roenbaeck/tubeist-sub000/pkg/buffer"
	"github.com/Roenbaeck/tubeist-sub000/pkg/tlsutil"
	"github.com/Roenbaeck/tubeist-sub000/queue"
	"github.com/Roenbaeck/tubeist-sub000/reconcile"
	"github.com/Roenbaeck/tubeist-sub000/sequence"
	"github.com/Roenbaeck/tubeist-sub000/upload"
)

// stopGrace bounds the wait for in-flight uploads once the queue was
// abandoned on shutdown.
const stopGrace = 2 * time.Second

// persistDegradedWindow is how long a write failure keeps the persister degraded.
const persistDegradedWindow = time.Minute

// TimedFragment is a fragment whose media timestamp is aligned with the
// session origin before it is sequenced.
type TimedFragment struct {
	Kind      fragment.Kind
	Duration  float64
	Payload   []byte
	Timestamp time.Duration
	Origin    bool
}

// Stats is a snapshot of the whole pipeline.
type Stats struct {
	SessionID string              `json:"session_id,omitempty"`
	Active    bool                `json:"active"`
	Finalized bool                `json:"finalized"`
	Issued    uint64              `json:"issued"`
	Held      int                 `json:"held"`
	Queue     buffer.StatsSummary `json:"queue"`
	Dispatch  dispatch.Stats      `json:"dispatch"`
	Persist   *persist.Stats      `json:"persist,omitempty"`
}

// Relay accepts fragments from a producer and delivers them.
type Relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	assigner   *sequence.Assigner
	reconciler *reconcile.Reconciler[*fragment.Fragment]
	queue      *queue.FragmentQueue
	client     *upload.Client
	dispatcher *dispatch.Dispatcher
	persister  *persist.Persister
	throughput *netmetrics.Collector
	monitor    *health.Monitor
	sink       events.Sink

	// mu serializes admission so queue order equals sequence order
	mu          sync.Mutex
	session     string
	active      bool
	initialized bool
	finalized   bool
	closing     bool
	offered     *fragment.Fragment
	released    []*fragment.Fragment
	forwardErr  error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a relay from cfg. Nothing runs until the first BeginSession.
func New(cfg *config.Config, deps *Dependencies) (*Relay, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "validate config")
	}
	dc, err := cfg.Dispatch.Build()
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "build dispatch config")
	}

	d := deps.withDefaults()
	r := &Relay{
		cfg:      cfg.Clone(),
		logger:   d.Logger.With("component", "relay"),
		metrics:  d.MetricsRegistry.CoreMetrics(),
		assigner: sequence.New(),
		monitor:  d.Health,
	}

	r.queue, err = queue.New(
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithOverflowPolicy(cfg.Queue.Policy()),
		queue.WithDropHandler(r.queueDropped),
		queue.WithMetrics(d.MetricsRegistry),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "create queue")
	}

	r.throughput = netmetrics.New(netmetrics.WithMetrics(r.metrics))

	clientOpts := []upload.Option{
		upload.WithRecorder(r.throughput),
		upload.WithMetrics(r.metrics),
		upload.WithLogger(d.Logger),
	}
	switch {
	case d.HTTPClient != nil:
		clientOpts = append(clientOpts, upload.WithHTTPClient(d.HTTPClient))
	case !cfg.Server.TLS.IsZero():
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.Server.TLS)
		if err != nil {
			return nil, errors.Wrap(err, "Relay", "New", "load upload TLS config")
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		clientOpts = append(clientOpts, upload.WithHTTPClient(&http.Client{
			Transport: transport,
			Timeout:   cfg.Server.Timeout.Std(),
		}))
	default:
		clientOpts = append(clientOpts, upload.WithTimeout(cfg.Server.Timeout.Std()))
	}
	r.client = upload.NewClient(upload.Endpoint{
		ServerURL: cfg.Server.URL,
		Username:  cfg.Server.Username,
		Password:  cfg.Server.Password,
	}, clientOpts...)

	sinks := []events.Sink{events.NewLogSink(d.Logger)}
	if d.Publisher != nil {
		sinks = append(sinks, events.NewNATSSink(d.Publisher,
			events.WithSubject(cfg.Events.NATS.Subject),
			events.WithMetrics(r.metrics),
			events.WithLogger(d.Logger)))
	}
	sinks = append(sinks, d.Sinks...)
	r.sink = events.Multi(sinks...)

	r.dispatcher, err = dispatch.New(r.queue, r.client, dc,
		dispatch.WithClock(d.Clock),
		dispatch.WithLogger(d.Logger),
		dispatch.WithMetrics(r.metrics),
		dispatch.WithMetricsRegistry(d.MetricsRegistry),
		dispatch.WithEventSink(r.sink),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "create dispatcher")
	}

	r.reconciler, err = reconcile.New[*fragment.Fragment](r.forward,
		reconcile.WithHoldCapacity[*fragment.Fragment](cfg.Reconciler.HoldCapacity),
		reconcile.WithDiscard[*fragment.Fragment](r.discarded),
		reconcile.WithLogger[*fragment.Fragment](d.Logger),
		reconcile.WithMetrics[*fragment.Fragment](r.metrics),
		reconcile.WithMetricsRegistry[*fragment.Fragment](d.MetricsRegistry),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Relay", "New", "create reconciler")
	}

	if cfg.Persist.Enabled {
		r.persister, err = persist.New(cfg.Persist.Directory, d.Logger, persist.WithMetrics(r.metrics))
		if err != nil {
			return nil, errors.Wrap(err, "Relay", "New", "create persister")
		}
		r.monitor.Register("persister", health.CheckerFunc(r.persisterHealth))
	}
	r.monitor.Register("dispatcher", r.dispatcher)
	r.monitor.Register("session", health.CheckerFunc(r.sessionHealth))

	return r, nil
}

// BeginSession starts a new session and returns its id. The upload workers
// are started on the first call. An active session is ended first.
func (r *Relay) BeginSession(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Relay", "BeginSession", "check state")
	}
	if !r.dispatcher.Started() {
		if err := r.dispatcher.Start(ctx); err != nil {
			return "", errors.Wrap(err, "Relay", "BeginSession", "start dispatcher")
		}
	}
	if r.active {
		r.logger.Info("Ending session superseded by a new one", "session", r.session)
		r.endSessionLocked()
	}

	r.session = uuid.NewString()
	r.active = true
	r.initialized = false
	r.finalized = false
	r.assigner.Reset()
	r.reconciler.Reset()

	r.logger.Info("Session started", "session", r.session)
	return r.session, nil
}

// ResetSession ends the active session. Fragments already queued keep
// uploading.
func (r *Relay) ResetSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return errors.WrapInvalid(errors.ErrSessionNotActive, "Relay", "ResetSession", "check session")
	}
	r.logger.Info("Session reset", "session", r.session, "issued", r.assigner.Issued())
	r.endSessionLocked()
	return nil
}

func (r *Relay) endSessionLocked() {
	if n := r.reconciler.Held(); n > 0 {
		r.logger.Error("Discarding held fragments at session end",
			"session", r.session,
			"count", n)
	}
	r.assigner.Reset()
	r.reconciler.Reset()
	r.active = false
	r.initialized = false
	r.finalized = false
	r.session = ""
}

// SessionID returns the active session id, or "" when there is none.
func (r *Relay) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// AddFragment sequences a produced fragment and queues it for upload. It
// returns the assigned sequence number.
func (r *Relay) AddFragment(kind fragment.Kind, duration float64, payload []byte) (uint64, error) {
	r.mu.Lock()
	f, err := r.admitLocked(kind, duration, payload)
	if err == nil {
		err = r.enqueueLocked(f)
	}
	if err == nil && f.Kind == fragment.Finalization {
		r.abandonHeldLocked()
	}
	r.mu.Unlock()

	if err != nil {
		return 0, errors.Wrap(err, "Relay", "AddFragment", "accept fragment")
	}
	r.accepted(f)
	return f.Sequence, nil
}

// AddTimedFragment is AddFragment for producers that timestamp their
// output. Media fragments pass through the reconciler and are held until
// the session origin is known; held reports that nothing was queued yet.
// Initialization and finalization fragments are sequenced immediately.
func (r *Relay) AddTimedFragment(tf TimedFragment) (seq uint64, held bool, err error) {
	r.mu.Lock()
	f, err := r.admitLocked(tf.Kind, tf.Duration, tf.Payload)
	if err != nil {
		r.mu.Unlock()
		return 0, false, errors.Wrap(err, "Relay", "AddTimedFragment", "accept fragment")
	}

	if tf.Kind != fragment.Media {
		err = r.enqueueLocked(f)
		if err == nil && f.Kind == fragment.Finalization {
			r.abandonHeldLocked()
		}
		r.mu.Unlock()
		if err != nil {
			return 0, false, errors.Wrap(err, "Relay", "AddTimedFragment", "accept fragment")
		}
		r.accepted(f)
		return f.Sequence, false, nil
	}

	r.offered = f
	held = r.reconciler.Offer(reconcile.Entry[*fragment.Fragment]{
		Value:     f,
		Timestamp: tf.Timestamp,
		Origin:    tf.Origin,
	})
	released, forwardErr := r.released, r.forwardErr
	r.offered, r.released, r.forwardErr = nil, nil, nil
	r.mu.Unlock()

	for _, rf := range released {
		r.accepted(rf)
	}
	if forwardErr != nil {
		return 0, false, errors.Wrap(forwardErr, "Relay", "AddTimedFragment", "release fragment")
	}
	if held {
		return 0, true, nil
	}
	return f.Sequence, false, nil
}

// admitLocked applies the session rules and builds the fragment. The
// sequence is assigned later by enqueueLocked.
func (r *Relay) admitLocked(kind fragment.Kind, duration float64, payload []byte) (*fragment.Fragment, error) {
	switch {
	case r.closing:
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Relay", "admit", "check state")
	case !r.active:
		return nil, errors.WrapInvalid(errors.ErrSessionNotActive, "Relay", "admit", "check session")
	case r.finalized:
		return nil, errors.WrapInvalid(errors.ErrSessionFinalized, "Relay", "admit", "check session")
	case kind == fragment.Initialization && r.initialized:
		return nil, errors.WrapInvalid(errors.ErrDuplicateInitialization, "Relay", "admit", "check session")
	case kind != fragment.Initialization && !r.initialized:
		return nil, errors.WrapInvalid(errors.ErrInitializationRequired, "Relay", "admit", "check session")
	}

	return fragment.New(0, kind, duration, payload, fragment.WithSession(r.session))
}

// enqueueLocked assigns the next sequence number and appends f. A fragment
// the queue rejects gives its number back, so queued numbers stay
// contiguous and a rejected initialization can be retried as 0.
func (r *Relay) enqueueLocked(f *fragment.Fragment) error {
	f.Sequence = r.assigner.Next()
	if err := r.queue.Append(f); err != nil {
		r.assigner.Release(f.Sequence)
		if errors.Is(err, errors.ErrQueueFull) {
			r.metrics.RecordDropped(events.ReasonQueueOverflow)
		}
		r.logger.Error("Failed to queue fragment",
			"session", f.Session,
			"kind", f.Kind.String(),
			"sequence", f.Sequence,
			"error", err)
		f.Sequence = 0
		return err
	}

	switch f.Kind {
	case fragment.Initialization:
		r.initialized = true
	case fragment.Finalization:
		r.finalized = true
		r.logger.Info("Session finalized", "session", f.Session, "fragments", f.Sequence+1)
	}
	return nil
}

// forward receives released entries from the reconciler. It runs inside
// Offer, which AddTimedFragment calls with r.mu held. A rejection of the
// offered fragment goes back to its caller; earlier fragments were already
// acknowledged as held, so their rejection is reported as a drop.
func (r *Relay) forward(e reconcile.Entry[*fragment.Fragment]) {
	if err := r.enqueueLocked(e.Value); err != nil {
		if e.Value == r.offered {
			r.forwardErr = err
			return
		}
		r.reportUnsequenced(e.Value, events.ReasonQueueOverflow, err)
		return
	}
	r.released = append(r.released, e.Value)
}

// accepted runs the steps that must not hold the admission lock.
func (r *Relay) accepted(f *fragment.Fragment) {
	r.metrics.RecordAccepted(f.Kind.String())
	if r.persister != nil {
		// failures are logged and counted by the persister
		_ = r.persister.Persist(f)
	}
	r.dispatcher.Notify()
}

// queueDropped handles queue overflow evictions. It may run while the
// dispatcher lock is held, so it only uses lock-free reporting.
func (r *Relay) queueDropped(p *fragment.Pending) {
	if r.dispatcher == nil {
		return
	}
	r.dispatcher.ReportDropped(p, events.ReasonQueueOverflow)
}

// discarded receives held entries the reconciler gives up on. Entries older
// than the origin are the intended trimming of the session start; every
// other reason loses a fragment the producer was told is held.
func (r *Relay) discarded(e reconcile.Entry[*fragment.Fragment], reason string) {
	r.metrics.RecordDropped(reason)
	if reason == reconcile.ReasonPreOrigin {
		r.logger.Debug("Discarded held fragment",
			"session", e.Value.Session,
			"timestamp", e.Timestamp,
			"bytes", e.Value.Size(),
			"reason", reason)
		return
	}
	r.reportUnsequenced(e.Value, dropReason(reason), nil)
}

// reportUnsequenced emits a drop for a fragment that never got a sequence
// number, so the event carries none.
func (r *Relay) reportUnsequenced(f *fragment.Fragment, reason string, err error) {
	ev := events.New(events.Dropped, nil, reason, err)
	ev.Session = f.Session
	ev.Kind = f.Kind.String()
	ev.Bytes = f.Size()
	r.sink.Emit(context.Background(), ev)
}

func dropReason(reason string) string {
	switch reason {
	case reconcile.ReasonHoldOverflow:
		return events.ReasonHoldOverflow
	case reconcile.ReasonAbandoned:
		return events.ReasonHoldAbandoned
	case reconcile.ReasonReset:
		return events.ReasonSessionReset
	default:
		return reason
	}
}

// abandonHeldLocked drops held fragments that can no longer be released,
// after finalization or at shutdown.
func (r *Relay) abandonHeldLocked() {
	if n := r.reconciler.Abandon(); n > 0 {
		r.logger.Error("Abandoned held fragments without a session origin",
			"session", r.session,
			"count", n)
	}
}

// GracefulShutdown stops intake and waits for the queue to drain until ctx
// is done. Fragments still held for a session origin can never be released
// and are reported as dropped with reason hold_abandoned. On timeout every
// undelivered fragment is reported as dropped and ErrShutdownTimeout is
// returned. Later calls return the first result.
func (r *Relay) GracefulShutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Relay) shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.abandonHeldLocked()
	r.mu.Unlock()
	r.queue.Close()

	stats := r.dispatcher.Stats()
	r.logger.Info("Draining relay",
		"queued", stats.Queued,
		"in_flight", stats.InFlight,
		"retries_pending", stats.RetriesPending)

	if err := r.dispatcher.Drain(ctx); err != nil {
		abandoned := r.dispatcher.Abandon(events.ReasonShutdown)
		if stopErr := r.dispatcher.Stop(stopGrace); stopErr != nil {
			r.logger.Warn("Upload workers did not stop in time", "error", stopErr)
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %d fragments undelivered", errors.ErrShutdownTimeout, abandoned),
			"Relay", "GracefulShutdown", "drain queue")
	}

	if err := r.dispatcher.Stop(stopGrace); err != nil {
		return errors.Wrap(err, "Relay", "GracefulShutdown", "stop dispatcher")
	}
	r.logger.Info("Relay drained", "delivered", r.dispatcher.Stats().Delivered)
	return nil
}

// CurrentThroughputMbps returns the upload throughput since the previous
// call in whole megabits per second.
func (r *Relay) CurrentThroughputMbps() int {
	return r.throughput.CalculateAndReset()
}

// SetEndpoint replaces the ingestion endpoint. Fragments stalled on an
// unusable endpoint go out on their next scheduled attempt.
func (r *Relay) SetEndpoint(ep upload.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return errors.Wrap(err, "Relay", "SetEndpoint", "validate endpoint")
	}
	r.client.SetEndpoint(ep)
	r.logger.Info("Upload endpoint updated", "url", ep.ServerURL, "username", ep.Username)
	return nil
}

// Endpoint returns the current endpoint with the password masked.
func (r *Relay) Endpoint() upload.Endpoint {
	return r.client.Endpoint().Redacted()
}

// Health aggregates the status of every stage.
func (r *Relay) Health() health.Status {
	return r.monitor.Check("relay")
}

// Stats returns a snapshot of the pipeline.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	s := Stats{
		SessionID: r.session,
		Active:    r.active,
		Finalized: r.finalized,
		Issued:    r.assigner.Issued(),
	}
	r.mu.Unlock()

	s.Held = r.reconciler.Held()
	s.Queue = r.queue.Stats()
	s.Dispatch = r.dispatcher.Stats()
	if r.persister != nil {
		ps := r.persister.Stats()
		s.Persist = &ps
	}
	return s
}

func (r *Relay) persisterHealth() health.Status {
	s := r.persister.Stats()
	err, at := r.persister.LastError()

	var status health.Status
	if err != nil && time.Since(at) < persistDegradedWindow {
		status = health.NewDegraded("persister", "Recent segment write failed").
			WithDetail("last_error", health.SanitizeError(err))
	} else {
		status = health.NewHealthy("persister", "Writing segments")
	}
	return status.
		WithDetail("written", s.Written).
		WithDetail("failed", s.Failed)
}

func (r *Relay) sessionHealth() health.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var status health.Status
	switch {
	case r.closing:
		status = health.NewDegraded("session", "Shutting down")
	case r.active:
		status = health.NewHealthy("session", "Session active").
			WithDetail("session_id", r.session).
			WithDetail("issued", r.assigner.Issued())
	default:
		status = health.NewHealthy("session", "Idle")
	}
	return status.WithDetail("held", r.reconciler.Held())
}
