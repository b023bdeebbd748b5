// Package tubeist is the fragment relay of a live streaming pipeline: it
// sequences encoded fMP4 fragments, buffers them and delivers each one to
// an ingest server over HTTP, retrying until the server accepts it.
//
// # Architecture
//
// A capture process produces fragments and hands them to the relay, either
// in-process through relay.Relay or over the local HTTP API in gateway:
//
//	┌──────────────┐   AddFragment / AddTimedFragment
//	│   capture    │────────────────────────────────┐
//	└──────────────┘                                ↓
//	                                     ┌─────────────────────┐
//	                                     │ reconcile.Reconciler│  aligns timed fragments
//	                                     │ (session origin)    │  with the session start
//	                                     └──────────┬──────────┘
//	                                                ↓
//	                                     ┌─────────────────────┐
//	                                     │  sequence.Assigner  │  0 = initialization
//	                                     └──────────┬──────────┘
//	                                                ↓
//	          persist.Persister ◄────────┬─────────────────────┐
//	          (local copy)               │ queue.FragmentQueue │  bounded FIFO
//	                                     └──────────┬──────────┘
//	                                                ↓
//	                                     ┌─────────────────────┐
//	                                     │ dispatch.Dispatcher │  worker pool,
//	                                     │   + upload.Client   │  fixed-delay retries
//	                                     └──────────┬──────────┘
//	                                                ↓ multipart POST
//	                                         ingest server
//	                                         /upload_fragment
//
// Every accepted fragment ends in exactly one terminal event (delivered or
// dropped), published through events to the log and optionally to NATS.
// netmetrics measures upload throughput and metric exports Prometheus series.
//
// # Packages
//
// Pipeline:
//   - fragment: Fragment, Kind and the retry envelope
//   - sequence: per-session sequence numbers
//   - reconcile: session time reconciliation of timed fragments
//   - queue: the bounded fragment queue
//   - dispatch: upload workers, retry scheduling and ordering modes
//   - upload: the HTTP multipart client of the ingest protocol
//   - persist: local copies of accepted fragments
//   - netmetrics: upload throughput
//   - relay: the facade wiring all of the above
//
// Infrastructure:
//   - config: JSON/YAML configuration with TUBEIST_* overrides
//   - errors: transient, invalid and fatal error classes
//   - events: fragment outcome events and sinks
//   - gateway: the local HTTP API
//   - health: component health aggregation
//   - metric: Prometheus registry and endpoint
//   - natsclient: NATS connection with a circuit breaker
//   - pkg/buffer, pkg/retry, pkg/worker, pkg/security, pkg/tlsutil
//
// # Binary
//
//	go build ./cmd/fragrelay
//	./fragrelay --config relay.yaml
//
// With no config file the defaults apply and every setting can be
// overridden from the environment, for example TUBEIST_SERVER_URL.
package tubeist
