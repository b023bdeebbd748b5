// Package sequence hands out the per-session fragment sequence numbers.
package sequence

import "sync"

// Assigner issues 0, 1, 2, ... and can be rewound to 0 when a session ends.
// It is safe for concurrent use; concurrent callers never observe a gap or
// a duplicate.
type Assigner struct {
	mu   sync.Mutex
	next uint64
}

// New returns an assigner whose first number is 0.
func New() *Assigner {
	return &Assigner{}
}

// Next returns the next sequence number.
func (a *Assigner) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	a.next++
	return n
}

// Peek returns the number the next call to Next will return.
func (a *Assigner) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Issued returns how many numbers were handed out since the last reset.
func (a *Assigner) Issued() uint64 {
	return a.Peek()
}

// Release returns n when it is the most recently issued number, so a
// fragment that was never queued leaves no gap. It reports whether n was
// taken back.
func (a *Assigner) Release(n uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next == 0 || a.next-1 != n {
		return false
	}
	a.next--
	return true
}

// Reset rewinds the assigner so the next call to Next returns 0.
func (a *Assigner) Reset() {
	a.mu.Lock()
	a.next = 0
	a.mu.Unlock()
}
