// Package config loads relay configuration.
//
// Configuration comes from three layers applied in order: built-in defaults,
// an optional JSON or YAML file, and TUBEIST_* environment variables.
//
//	cfg, err := config.Load("relay.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations accept Go duration strings ("1s", "250ms") or integer nanoseconds.
//
// SafeConfig wraps a Config for concurrent readers. Get returns a deep copy
// and Update validates before swapping.
package config
