// Package health provides health reporting for relay components
package health

import (
	"regexp"
	"strings"
	"time"
)

// Status values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Levels exported as the health gauge value
const (
	LevelUnhealthy = 0
	LevelDegraded  = 1
	LevelHealthy   = 2
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s"]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string         `json:"component"`
	Healthy     bool           `json:"healthy"`
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// Level maps the status to the gauge value
func (s Status) Level() int {
	switch s.Status {
	case StateHealthy:
		return LevelHealthy
	case StateDegraded:
		return LevelDegraded
	default:
		return LevelUnhealthy
	}
}

// WithDetail returns a copy of the status with key set in Details
func (s Status) WithDetail(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// SanitizeError strips URLs, paths, addresses and credentials from an error
// message before it is exposed on the health endpoint.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err.Error(), "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}
