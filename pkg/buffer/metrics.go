package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tubeist",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tubeist",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Items written to the buffer"),
		reads:       counter("reads_total", "Items read from the buffer"),
		overflows:   counter("overflows_total", "Writes that found the buffer full"),
		drops:       counter("drops_total", "Items dropped by the overflow policy"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization (0.0 to 1.0)"),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_overflows", m.overflows); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() {
	m.overflows.Inc()
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
