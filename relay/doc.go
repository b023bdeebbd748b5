// Package relay is the downstream interface of the fragment pipeline.
//
// A Relay owns one instance of every pipeline stage and wires them together:
//
//	producer -> AddFragment / AddTimedFragment
//	         -> reconcile (timed media only)
//	         -> sequence -> queue -> dispatch workers -> upload
//	                     \-> persist (every accepted fragment)
//
// Sessions bracket the stream. BeginSession resets the sequence counter and
// the reconciler; the first fragment of a session must be the
// initialization fragment, nothing may follow the finalization fragment.
// AddFragment never waits for the network: it returns once the fragment is
// queued and written to disk.
//
// GracefulShutdown stops intake and drains what is queued until its context
// ends. Anything still undelivered at that point is reported as dropped with
// reason "shutdown".
package relay
