package natsclient

import (
	"log/slog"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for buffered messages to flush
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithCircuitThreshold sets how many consecutive failures open the circuit
func WithCircuitThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n > 0 {
			c.circuitThreshold = n
		}
		return nil
	}
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the logger. Nil keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection and circuit breaker state
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithHealthChangeCallback is called with true on connect/reconnect and false on disconnect
func WithHealthChangeCallback(fn func(bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}
