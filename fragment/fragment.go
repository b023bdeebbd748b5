package fragment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/errors"
)

// Kind identifies the role a fragment plays in its session.
type Kind int

const (
	// Initialization carries the codec configuration and is always sequence 0.
	Initialization Kind = iota
	// Media carries a slice of encoded audio/video.
	Media
	// Finalization marks the end of a session. Nothing follows it.
	Finalization
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Initialization:
		return "initialization"
	case Media:
		return "media"
	case Finalization:
		return "finalization"
	default:
		return "unknown"
	}
}

// ParseKind converts a kind name back into a Kind. It accepts the short
// aliases "init", "segment" and "final" used by capture tooling.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initialization", "init":
		return Initialization, nil
	case "media", "segment":
		return Media, nil
	case "finalization", "final":
		return Finalization, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: unknown fragment kind %q", errors.ErrInvalidData, s),
			"fragment", "ParseKind", "parse kind")
	}
}

// Fragment is one sequenced piece of a live stream.
type Fragment struct {
	Session   string
	Sequence  uint64
	Payload   []byte
	Duration  float64
	Kind      Kind
	CreatedAt time.Time
}

// Option configures a Fragment built by New.
type Option func(*Fragment)

// WithSession tags the fragment with the session it belongs to.
func WithSession(id string) Option {
	return func(f *Fragment) {
		f.Session = id
	}
}

// WithTime sets the creation time instead of time.Now().
func WithTime(t time.Time) Option {
	return func(f *Fragment) {
		f.CreatedAt = t
	}
}

// New builds a fragment. The payload is copied so later writes to the
// caller's buffer cannot change what gets uploaded.
func New(seq uint64, kind Kind, duration float64, payload []byte, opts ...Option) (*Fragment, error) {
	data := make([]byte, len(payload))
	copy(data, payload)

	f := &Fragment{
		Sequence:  seq,
		Payload:   data,
		Duration:  duration,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the structural rules that do not depend on session state.
func (f *Fragment) Validate() error {
	if f == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Fragment", "Validate", "nil fragment")
	}
	if f.Duration < 0 || math.IsNaN(f.Duration) || math.IsInf(f.Duration, 0) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: duration %v", errors.ErrInvalidData, f.Duration),
			"Fragment", "Validate", "check duration")
	}
	if f.Kind < Initialization || f.Kind > Finalization {
		return errors.WrapInvalid(
			fmt.Errorf("%w: kind %d", errors.ErrInvalidData, int(f.Kind)),
			"Fragment", "Validate", "check kind")
	}
	if f.Kind == Initialization && f.Sequence != 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: initialization fragment with sequence %d", errors.ErrInvalidData, f.Sequence),
			"Fragment", "Validate", "check sequence")
	}
	return nil
}

// IsInit reports whether this is the session's initialization fragment.
func (f *Fragment) IsInit() bool {
	return f.Kind == Initialization
}

// Size returns the payload length in bytes.
func (f *Fragment) Size() int {
	return len(f.Payload)
}

// Key identifies the fragment across sessions.
func (f *Fragment) Key() string {
	return fmt.Sprintf("%s/%d", f.Session, f.Sequence)
}

// Pending is a fragment waiting in the queue together with the number of
// the upload attempt that will be performed next. Attempt starts at 1.
type Pending struct {
	Fragment *Fragment
	Attempt  int
}

// NewPending wraps a freshly produced fragment for its first attempt.
func NewPending(f *Fragment) *Pending {
	return &Pending{Fragment: f, Attempt: 1}
}
