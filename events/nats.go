package events

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "tubeist.fragments"

// Publisher sends raw bytes on a subject. natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes every event as JSON on "<subject>.<type>".
// Publish failures are logged and otherwise ignored.
type NATSSink struct {
	publisher Publisher
	subject   string
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NATSOption configures a NATSSink.
type NATSOption func(*NATSSink)

// WithSubject sets the subject prefix.
func WithSubject(subject string) NATSOption {
	return func(s *NATSSink) {
		if subject = strings.TrimSuffix(strings.TrimSpace(subject), "."); subject != "" {
			s.subject = subject
		}
	}
}

// WithMetrics counts published events.
func WithMetrics(m *metric.Metrics) NATSOption {
	return func(s *NATSSink) { s.metrics = m }
}

// WithLogger sets the logger for publish failures.
func WithLogger(l *slog.Logger) NATSOption {
	return func(s *NATSSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewNATSSink creates a sink publishing through p.
func NewNATSSink(p Publisher, opts ...NATSOption) *NATSSink {
	s := &NATSSink{
		publisher: p,
		subject:   DefaultSubject,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "events_nats")
	return s
}

// Subject returns the subject an event of type t is published on.
func (s *NATSSink) Subject(t Type) string {
	return s.subject + "." + string(t)
}

// Emit implements Sink.
func (s *NATSSink) Emit(ctx context.Context, e Event) {
	data, err := e.Marshal()
	if err != nil {
		s.logger.Warn("Failed to encode event", "type", e.Type, "sequence", e.Sequence, "error", err)
		return
	}

	subject := s.Subject(e.Type)
	if err := s.publisher.Publish(ctx, subject, data); err != nil {
		s.logger.Warn("Failed to publish event",
			"subject", subject,
			"sequence", e.Sequence,
			"error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEventPublished(string(e.Type))
	}
}
