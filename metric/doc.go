// Package metric provides the Prometheus registry and HTTP endpoint for the relay.
//
// MetricsRegistry wraps a private prometheus.Registry. It registers the relay
// pipeline metrics (Metrics) and the Go runtime collectors on construction,
// and lets components add their own collectors through the MetricsRegistrar
// methods. Registration errors are classified: a duplicate name is invalid,
// any other Prometheus failure is fatal.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordAccepted("media")
//
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//
// Every metric lives under the "tubeist" namespace.
package metric
