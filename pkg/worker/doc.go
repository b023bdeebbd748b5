// Package worker provides a generic, pull-based worker pool.
//
// A Pool runs a fixed number of goroutines. Each worker asks its Source for
// the next item, runs the processor on it, and goes back for more. When the
// source is empty the worker sleeps until Notify is called (or, with
// WithPollInterval, until the next tick). The source owns the queue, so the
// pool never holds work of its own and Stop leaves unprocessed items where
// they are.
//
//	pool, err := worker.NewPool[*fragment.Pending](3, source, upload,
//	    worker.WithMetricsRegistry[*fragment.Pending](registry, "uploads"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	queue.Append(f)
//	pool.Notify()
//
// Notify never blocks: the wake-up channel is buffered to the worker count,
// and a full channel already guarantees every worker will look again.
package worker
