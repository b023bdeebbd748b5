// Package fragment defines the unit of delivery handled by the relay.
//
// A Fragment is a self-contained piece of a fragmented MP4 stream: one
// initialization fragment (sequence 0) opens a session, media fragments
// follow with strictly increasing sequence numbers, and an optional
// finalization fragment closes it. Fragments are immutable after New returns.
//
// Pending couples a Fragment with the number of the upload attempt that
// will be made next. It is the element type stored in the fragment queue.
package fragment
