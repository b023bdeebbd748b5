package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks waits up to five seconds for the goroutine count
// to drop back to baseline+margin.
func AssertNoGoroutineLeaks(t testing.TB, baseline int, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline+margin {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d", baseline, runtime.NumGoroutine(), margin)
}
