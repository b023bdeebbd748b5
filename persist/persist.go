// Package persist mirrors every accepted fragment to the local filesystem.
//
// Initialization fragments are written as segment_<sequence>.mp4 and every
// other fragment as segment_<sequence>.m4s. A write is a single synchronous
// attempt; failures are logged and counted but never retried and never
// affect upload delivery.
package persist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// DefaultFileMode is the permission of written segment files.
const DefaultFileMode os.FileMode = 0o644

// Stats summarizes persister activity.
type Stats struct {
	Written     int64     `json:"written"`
	Failed      int64     `json:"failed"`
	Bytes       int64     `json:"bytes"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	LastWritten string    `json:"last_written,omitempty"`
	Directory   string    `json:"directory"`
}

// Persister writes fragment payloads into a directory.
type Persister struct {
	dir     string
	mode    os.FileMode
	logger  *slog.Logger
	metrics *metric.Metrics

	written atomic.Int64
	failed  atomic.Int64
	bytes   atomic.Int64

	mu          sync.Mutex
	lastErr     error
	lastErrAt   time.Time
	lastWritten string
}

// Option configures a Persister.
type Option func(*Persister)

// WithMetrics counts writes by status.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// WithFileMode sets the permission of written files.
func WithFileMode(mode os.FileMode) Option {
	return func(p *Persister) {
		if mode != 0 {
			p.mode = mode
		}
	}
}

// New creates the output directory (and parents) and returns a Persister
// writing into it.
func New(dir string, logger *slog.Logger, opts ...Option) (*Persister, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Persister", "New", "validate directory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Persister{
		dir:    filepath.Clean(dir),
		mode:   DefaultFileMode,
		logger: logger.With("component", "persist"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"Persister", "New", "create output directory")
	}
	return p, nil
}

// FileName returns the base name used for f.
func FileName(f *fragment.Fragment) string {
	ext := "m4s"
	if f.IsInit() {
		ext = "mp4"
	}
	return fmt.Sprintf("segment_%d.%s", f.Sequence, ext)
}

// Directory returns the output directory.
func (p *Persister) Directory() string {
	return p.dir
}

// Path returns the full path f is written to.
func (p *Persister) Path(f *fragment.Fragment) string {
	return filepath.Join(p.dir, FileName(f))
}

// Persist writes f's payload, replacing any existing file of the same name.
func (p *Persister) Persist(f *fragment.Fragment) error {
	if f == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Persister", "Persist", "validate fragment")
	}

	path := p.Path(f)
	if err := os.WriteFile(path, f.Payload, p.mode); err != nil {
		p.fail(f, path, err)
		return writeError(err)
	}

	p.written.Add(1)
	p.bytes.Add(int64(len(f.Payload)))
	p.mu.Lock()
	p.lastWritten = path
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordPersisted(true)
	}
	return nil
}

// writeError classifies a failed write: a full disk is fatal for the local
// copy, anything else may clear up by the next fragment.
func writeError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrStorageFull, err),
			"Persister", "Persist", "write segment")
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
		"Persister", "Persist", "write segment")
}

func (p *Persister) fail(f *fragment.Fragment, path string, err error) {
	p.failed.Add(1)
	p.mu.Lock()
	p.lastErr = err
	p.lastErrAt = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordPersisted(false)
	}
	p.logger.Error("Failed to persist fragment",
		"sequence", f.Sequence,
		"path", path,
		"error", err)
}

// LastError returns the most recent write error and when it happened.
func (p *Persister) LastError() (error, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr, p.lastErrAt
}

// Stats returns a snapshot of persister activity.
func (p *Persister) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Written:     p.written.Load(),
		Failed:      p.failed.Load(),
		Bytes:       p.bytes.Load(),
		LastWritten: p.lastWritten,
		Directory:   p.dir,
		LastErrorAt: p.lastErrAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
