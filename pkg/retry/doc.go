// Package retry provides retry policies and a keyed delay queue.
//
// # Policies
//
// Config describes how many attempts an operation gets and how long to wait
// between them. Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s exponential delay
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Fixed(n, d): n attempts, constant delay d
//   - Upload(): Fixed(30, time.Second), the fragment upload budget
//
// Do runs a function inline and sleeps between attempts:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Return retry.NonRetryable(err) from the function to stop immediately.
//
// # Scheduler
//
// Workers that must not sleep while waiting for a retry hand the work to a
// Scheduler instead. Each item is keyed, waits on a timer of the injected
// clockwork.Clock and is passed to the fire function when due:
//
//	s := retry.NewScheduler[string, *fragment.Pending](clock, func(_ string, p *fragment.Pending) {
//	    _ = q.RequeueFront(p)
//	})
//	_ = s.Schedule(p.Fragment.Key(), p, cfg.Delay(p.Attempt))
//
// Tests pass clockwork.NewFakeClock() and call Advance instead of sleeping.
package retry
