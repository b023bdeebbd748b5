package retry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrSchedulerClosed is returned by Schedule after Close.
var ErrSchedulerClosed = errors.New("retry: scheduler closed")

// FireFunc receives an item whose delay has elapsed.
type FireFunc[K comparable, T any] func(key K, item T)

// Scheduler is a keyed delay queue: each item is handed to the fire
// function once its delay has elapsed on the scheduler's clock. Waiting
// costs a timer, not a goroutine. Scheduling an existing key replaces the
// previous entry.
type Scheduler[K comparable, T any] struct {
	clock clockwork.Clock
	fire  FireFunc[K, T]

	mu      sync.Mutex
	pending map[K]*entry[T]
	closed  bool
}

type entry[T any] struct {
	item  T
	due   time.Time
	timer clockwork.Timer
}

// NewScheduler creates a scheduler. A nil clock selects the real clock.
func NewScheduler[K comparable, T any](clock clockwork.Clock, fire FireFunc[K, T]) *Scheduler[K, T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler[K, T]{
		clock:   clock,
		fire:    fire,
		pending: make(map[K]*entry[T]),
	}
}

// Schedule arranges for item to be fired after delay.
func (s *Scheduler[K, T]) Schedule(key K, item T, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
	}

	e := &entry[T]{item: item, due: s.clock.Now().Add(delay)}
	// The callback takes s.mu, so it cannot observe the map before e is stored.
	e.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.pending[key]
		if !ok || current != e {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()

		s.fire(key, e.item)
	})
	s.pending[key] = e

	return nil
}

// Pending returns the number of items waiting to fire.
func (s *Scheduler[K, T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Contains reports whether key is scheduled.
func (s *Scheduler[K, T]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Flush cancels every scheduled item and returns them in due order.
func (s *Scheduler[K, T]) Flush() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close stops the scheduler. Pending items are cancelled and returned in
// due order; later calls to Schedule fail.
func (s *Scheduler[K, T]) Close() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.flushLocked()
}

func (s *Scheduler[K, T]) flushLocked() []T {
	entries := make([]*entry[T], 0, len(s.pending))
	for key, e := range s.pending {
		e.timer.Stop()
		entries = append(entries, e)
		delete(s.pending, key)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].due.Before(entries[j].due) })

	items := make([]T, len(entries))
	for i, e := range entries {
		items[i] = e.item
	}
	return items
}
