// Package netmetrics measures upload throughput.
//
// Every upload attempt is recorded with its wall time and payload size.
// CalculateAndReset folds the recorded attempts into one megabits-per-second
// figure and starts a new window. The collector has its own lock and is
// only written to after an attempt completes, so it never slows delivery.
package netmetrics

import (
	"sync"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// Sample is one recorded upload attempt.
type Sample struct {
	Duration time.Duration
	Bytes    int64
}

// Collector aggregates samples until the next calculation.
type Collector struct {
	mu      sync.Mutex
	samples map[string]Sample
	metrics *metric.Metrics
}

// Option configures a Collector.
type Option func(*Collector)

// WithMetrics publishes every calculated value to the throughput gauge.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// New creates an empty collector.
func New(opts ...Option) *Collector {
	c := &Collector{samples: make(map[string]Sample)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record stores the measurement of one attempt under its request id.
// Recording the same id twice keeps the latest measurement.
func (c *Collector) Record(requestID string, duration time.Duration, bytes int64) {
	if duration < 0 || bytes < 0 {
		return
	}
	c.mu.Lock()
	c.samples[requestID] = Sample{Duration: duration, Bytes: bytes}
	c.mu.Unlock()
}

// Pending returns the number of samples waiting for the next calculation.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// CalculateAndReset returns the throughput of the recorded samples in
// megabits per second, truncated to an integer, and clears them. It is 0
// when nothing was recorded or the recorded time is zero.
func (c *Collector) CalculateAndReset() int {
	c.mu.Lock()
	samples := c.samples
	c.samples = make(map[string]Sample)
	c.mu.Unlock()

	mbps := Throughput(samples)
	if c.metrics != nil {
		c.metrics.SetThroughput(mbps)
	}
	return mbps
}

// Throughput computes total bits over total seconds, in whole megabits per second.
func Throughput(samples map[string]Sample) int {
	var (
		bytes int64
		total time.Duration
	)
	for _, s := range samples {
		bytes += s.Bytes
		total += s.Duration
	}
	if total <= 0 {
		return 0
	}
	return int(float64(bytes*8) / total.Seconds() / 1e6)
}
