package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. Counters are atomic; size tracking
// shares a small mutex.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	requeues  atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Write records an item entering the buffer.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records an item leaving the buffer.
func (s *Statistics) Read() { s.reads.Add(1) }

// Requeue records a front insertion.
func (s *Statistics) Requeue() { s.requeues.Add(1) }

// Overflow records a write that found the buffer full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item discarded or rejected by the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize updates the current buffer size.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Writes returns the total number of writes, front insertions included.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of reads.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Requeues returns the number of front insertions.
func (s *Statistics) Requeues() int64 { return s.requeues.Load() }

// Overflows returns the number of overflow events.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// DropRate returns drops divided by writes (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(writes)
}

// Uptime returns how long the buffer has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Requeues    int64         `json:"requeues"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	DropRate    float64       `json:"drop_rate"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Requeues:    s.Requeues(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
		Uptime:      s.Uptime(),
	}
}
