package health

import (
	"sort"
	"time"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses: unhealthy if any is unhealthy, degraded
// if any is degraded, healthy otherwise. Sub-statuses are sorted by component.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.Slice(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})
	return status
}
