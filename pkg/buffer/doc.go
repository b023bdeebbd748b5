// Package buffer provides a generic, bounded, thread-safe deque with
// configurable overflow policies.
//
// The fragment queue and the session reconciler's hold-list are both built
// on it. Writers append at the back; WriteFront re-inserts at the front for
// items that must be processed next (a failed upload coming back for its
// retry). When full, Write follows the OverflowPolicy (DropOldest,
// DropNewest or Block) while WriteFront always evicts the newest item.
// Every eviction is reported to the optional DropCallback, so nothing leaves
// the buffer silently.
//
// Statistics are always collected; Prometheus metrics are opt-in through
// WithMetrics.
package buffer
