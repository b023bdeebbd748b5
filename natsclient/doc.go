// Package natsclient wraps a NATS connection with a circuit breaker so that
// event publication degrades gracefully when the broker is unreachable.
//
// The relay only publishes, so the client exposes Connect, Publish and Close.
// Publish fails fast with ErrCircuitOpen after a run of consecutive failures
// (default 5) and the circuit is tested again after an exponentially growing
// backoff capped at one minute.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("tubeist-relay"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.ConnectWithRetry(ctx, retry.Quick()); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Publish(ctx, "tubeist.fragments.dropped", payload)
//
// # Connection Lifecycle
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected
//	                                ↓
//	                           CircuitOpen → Disconnected (after backoff)
//
// Reconnection after a connection has been established is handled by the
// NATS library itself; the client mirrors its state through the disconnect,
// reconnect and closed handlers.
package natsclient
