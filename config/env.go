package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TUBEIST"

// ApplyEnv overrides fields from TUBEIST_* environment variables
func (c *Config) ApplyEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if val, ok := lookupEnv(name, &errs); ok {
			*dst = val
		}
	}
	num := func(name string, dst *int) {
		if val, ok := lookupEnv(name, &errs); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s_%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if val, ok := lookupEnv(name, &errs); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s_%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *Duration) {
		if val, ok := lookupEnv(name, &errs); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s_%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("SERVER_URL", &c.Server.URL)
	str("SERVER_USERNAME", &c.Server.Username)
	str("SERVER_PASSWORD", &c.Server.Password)
	dur("SERVER_TIMEOUT", &c.Server.Timeout)
	if val, ok := lookupEnv("SERVER_TLS_CA_FILES", &errs); ok {
		c.Server.TLS.CAFiles = splitList(val)
	}
	flag("SERVER_TLS_INSECURE_SKIP_VERIFY", &c.Server.TLS.InsecureSkipVerify)

	num("DISPATCH_WORKERS", &c.Dispatch.Workers)
	num("DISPATCH_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts)
	dur("DISPATCH_RETRY_DELAY", &c.Dispatch.RetryDelay)
	str("DISPATCH_ORDERING", &c.Dispatch.Ordering)

	num("QUEUE_CAPACITY", &c.Queue.Capacity)
	str("QUEUE_OVERFLOW_POLICY", &c.Queue.OverflowPolicy)
	num("RECONCILER_HOLD_CAPACITY", &c.Reconciler.HoldCapacity)

	flag("PERSIST_ENABLED", &c.Persist.Enabled)
	str("PERSIST_DIRECTORY", &c.Persist.Directory)

	flag("NATS_ENABLED", &c.Events.NATS.Enabled)
	str("NATS_URL", &c.Events.NATS.URL)
	str("NATS_SUBJECT", &c.Events.NATS.Subject)
	str("NATS_USERNAME", &c.Events.NATS.Username)
	str("NATS_PASSWORD", &c.Events.NATS.Password)

	flag("METRICS_ENABLED", &c.Metrics.Enabled)
	num("METRICS_PORT", &c.Metrics.Port)

	flag("API_ENABLED", &c.API.Enabled)
	str("API_LISTEN_ADDR", &c.API.ListenAddr)
	flag("API_TLS_ENABLED", &c.API.TLS.Enabled)
	str("API_TLS_CERT_FILE", &c.API.TLS.CertFile)
	str("API_TLS_KEY_FILE", &c.API.TLS.KeyFile)
	if val, ok := lookupEnv("API_ALLOWED_ORIGINS", &errs); ok {
		c.API.AllowedOrigins = splitList(val)
	}

	dur("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	if len(errs) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(errs, "; ")),
			"Config", "ApplyEnv", "parse environment")
	}
	return nil
}

func lookupEnv(name string, errs *[]string) (string, bool) {
	key := EnvPrefix + "_" + name
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		*errs = append(*errs, err.Error())
		return "", false
	}
	return val, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
