package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/fragment"
)

// Type is the kind of event.
type Type string

// Event types.
const (
	Delivered Type = "delivered"
	Retrying  Type = "retrying"
	Dropped   Type = "dropped"
)

// Drop reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonQueueOverflow    = "queue_overflow"
	ReasonShutdown         = "shutdown"
	ReasonHoldOverflow     = "hold_overflow"
	ReasonHoldAbandoned    = "hold_abandoned"
	ReasonSessionReset     = "reset"
)

// Event describes one observation about a fragment.
type Event struct {
	Type      Type      `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Session   string    `json:"session,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt,omitempty"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event for p. err may be nil.
func New(t Type, p *fragment.Pending, reason string, err error) Event {
	e := Event{
		Type:      t,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if p != nil && p.Fragment != nil {
		e.Session = p.Fragment.Session
		e.Sequence = p.Fragment.Sequence
		e.Kind = p.Fragment.Kind.String()
		e.Bytes = p.Fragment.Size()
		e.Attempt = p.Attempt
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Terminal reports whether no further events follow for this fragment.
func (e Event) Terminal() bool {
	return e.Type == Delivered || e.Type == Dropped
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink consumes events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) {
	f(ctx, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return Discard
	case 1:
		return kept[0]
	}
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range kept {
			s.Emit(ctx, e)
		}
	})
}

// LogSink logs events. Dropped is logged at error level, Retrying at warn and
// Delivered at debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{
		"session", e.Session,
		"sequence", e.Sequence,
		"kind", e.Kind,
		"attempt", e.Attempt,
		"bytes", e.Bytes,
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}

	switch e.Type {
	case Dropped:
		s.logger.ErrorContext(ctx, "Fragment dropped", attrs...)
	case Retrying:
		s.logger.WarnContext(ctx, "Fragment upload failed, retry scheduled", attrs...)
	default:
		s.logger.DebugContext(ctx, "Fragment delivered", attrs...)
	}
}
