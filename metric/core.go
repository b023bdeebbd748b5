package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tubeist"

// Metrics contains the relay pipeline metrics shared by all components.
type Metrics struct {
	// Pipeline
	FragmentsAccepted  *prometheus.CounterVec
	FragmentsDelivered prometheus.Counter
	FragmentsDropped   *prometheus.CounterVec
	ReconcilerHeld     prometheus.Gauge

	// Upload
	UploadAttempts   *prometheus.CounterVec
	UploadDuration   prometheus.Histogram
	UploadBytes      prometheus.Counter
	Retries          prometheus.Counter
	InFlight         prometheus.Gauge
	RetriesScheduled prometheus.Gauge
	ThroughputMbps   prometheus.Gauge

	// Local persistence
	FilesPersisted *prometheus.CounterVec

	// Health
	HealthStatus *prometheus.GaugeVec

	// NATS event transport
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
	EventsPublished    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		FragmentsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "accepted_total",
				Help:      "Fragments accepted from the producer",
			},
			[]string{"kind"},
		),

		FragmentsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "delivered_total",
				Help:      "Fragments acknowledged with a 2xx by the ingestion endpoint",
			},
		),

		FragmentsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fragments",
				Name:      "dropped_total",
				Help:      "Fragments that will never be delivered",
			},
			[]string{"reason"},
		),

		ReconcilerHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "held",
				Help:      "Entries held while waiting for the session origin",
			},
		),

		UploadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "attempts_total",
				Help:      "Upload attempts by outcome (success, rejected, transport, endpoint)",
			},
			[]string{"outcome"},
		),

		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "duration_seconds",
				Help:      "Wall time of a single upload attempt",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 10},
			},
		),

		UploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "bytes_total",
				Help:      "Payload bytes sent, counting every attempt",
			},
		),

		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "retries_total",
				Help:      "Retries scheduled after a failed attempt",
			},
		),

		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "in_flight",
				Help:      "Uploads currently in progress",
			},
		),

		RetriesScheduled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "retries_pending",
				Help:      "Fragments waiting for their retry delay to elapse",
			},
		),

		ThroughputMbps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "network",
				Name:      "throughput_mbps",
				Help:      "Upload throughput from the last calculation window",
			},
		),

		FilesPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "files_total",
				Help:      "Local segment writes by status",
			},
			[]string{"status"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Fragment events handed to sinks",
			},
			[]string{"type"},
		),
	}
}

// RecordAccepted counts a fragment accepted from the producer
func (c *Metrics) RecordAccepted(kind string) {
	c.FragmentsAccepted.WithLabelValues(kind).Inc()
}

// RecordDelivered counts a fragment acknowledged by the endpoint
func (c *Metrics) RecordDelivered() {
	c.FragmentsDelivered.Inc()
}

// RecordDropped counts a fragment given up on
func (c *Metrics) RecordDropped(reason string) {
	c.FragmentsDropped.WithLabelValues(reason).Inc()
}

// RecordAttempt records one upload attempt
func (c *Metrics) RecordAttempt(outcome string, duration time.Duration, bytes int) {
	c.UploadAttempts.WithLabelValues(outcome).Inc()
	c.UploadDuration.Observe(duration.Seconds())
	c.UploadBytes.Add(float64(bytes))
}

// RecordRetry counts a scheduled retry
func (c *Metrics) RecordRetry() {
	c.Retries.Inc()
}

// SetInFlight updates the in-flight gauge
func (c *Metrics) SetInFlight(n int) {
	c.InFlight.Set(float64(n))
}

// SetRetriesScheduled updates the pending retry gauge
func (c *Metrics) SetRetriesScheduled(n int) {
	c.RetriesScheduled.Set(float64(n))
}

// SetThroughput updates the throughput gauge
func (c *Metrics) SetThroughput(mbps int) {
	c.ThroughputMbps.Set(float64(mbps))
}

// RecordPersisted counts a local segment write
func (c *Metrics) RecordPersisted(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.FilesPersisted.WithLabelValues(status).Inc()
}

// SetReconcilerHeld updates the held-entries gauge
func (c *Metrics) SetReconcilerHeld(n int) {
	c.ReconcilerHeld.Set(float64(n))
}

// RecordHealthStatus updates the health gauge of a component
func (c *Metrics) RecordHealthStatus(component string, level int) {
	c.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}

// RecordEventPublished counts an event handed to a sink
func (c *Metrics) RecordEventPublished(eventType string) {
	c.EventsPublished.WithLabelValues(eventType).Inc()
}
