// Package health reports whether the relay can currently deliver fragments.
//
// A Status is one of healthy, degraded or unhealthy. Components either push
// their status into a Monitor or implement Checker and get polled on every
// Check. Aggregate folds sub-statuses into one: any unhealthy part makes the
// whole unhealthy, otherwise any degraded part makes it degraded.
//
// The dispatcher is degraded while retries are pending or the upload endpoint
// is unusable; the persister is degraded after a failed write. Each recorded
// status is also exported as the tubeist_health_status gauge
// (0=unhealthy, 1=degraded, 2=healthy).
//
//	mon := health.NewMonitor(metrics)
//	mon.Register("dispatcher", dispatcher)
//	status := mon.Check("relay")
//
// Messages built from errors should go through SanitizeError so URLs,
// file paths and credentials never reach the health endpoint.
package health
