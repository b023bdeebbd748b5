// Package testutil provides test helpers shared by the relay packages.
//
// Sink is an httptest-backed ingestion endpoint that speaks the upload
// wire protocol. It decodes every request, records attempts per sequence
// number, and answers with whatever status its Behavior returns, so tests
// can script failures ("500 for the first 29 attempts") and latency.
//
// MockPublisher is an in-memory stand-in for the NATS client.
//
// AssertNoGoroutineLeaks checks that background workers exited.
package testutil
