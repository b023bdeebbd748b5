// Package events reports what happened to each fragment after it was accepted.
//
// Every fragment ends in exactly one terminal event: Delivered when the
// ingestion endpoint answered 2xx, or Dropped when the relay gave up on it.
// Retrying is emitted for each failed attempt that will be tried again.
//
// Sinks receive events synchronously from dispatcher workers and must not
// block for long. LogSink writes them to slog, NATSSink publishes them as
// JSON on "<subject>.<type>", and Multi fans out to several sinks.
package events
