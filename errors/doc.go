// Package errors implements the three-class error model used by every relay component.
//
// # Classification
//
//   - Transient: network failures, non-2xx responses, timeouts (retry)
//   - Invalid: bad input, protocol violations by the producer, malformed endpoint (do not retry)
//   - Fatal: unrecoverable configuration or resource problems (stop)
//
// # Wrapping
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := q.Append(f); err != nil {
//	    return errors.WrapTransient(err, "Relay", "AddFragment", "enqueue fragment")
//	}
//
// Classified errors keep the cause in their chain, so errors.Is works against the
// sentinel values declared here:
//
//	if errors.Is(err, errors.ErrSessionFinalized) {
//	    // producer sent data after the finalization fragment
//	}
package errors
