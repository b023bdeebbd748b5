package health

import (
	"sort"
	"sync"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// Checker reports the current health of a component.
type Checker interface {
	Health() Status
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() Status

// Health calls f.
func (f CheckerFunc) Health() Status { return f() }

// Monitor tracks the health of named components. Statuses are either pushed
// with Update or pulled from registered checkers on every Check.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checkers map[string]Checker
	metrics  *metric.Metrics
}

// NewMonitor creates a new health monitor. m may be nil.
func NewMonitor(m *metric.Metrics) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checkers: make(map[string]Checker),
		metrics:  m,
	}
}

// Register adds a checker polled by Check.
func (m *Monitor) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Update records the status for a named component
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.Level())
	}
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the last recorded status for a component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checkers, name)
}

// ListComponents returns the sorted names of all tracked components
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(m.statuses)+len(m.checkers))
	for name := range m.statuses {
		seen[name] = struct{}{}
	}
	for name := range m.checkers {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check polls every registered checker, records the results and returns the
// aggregate for systemName.
func (m *Monitor) Check(systemName string) Status {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	for name, c := range checkers {
		m.Update(name, c.Health())
	}

	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subStatuses)
}
