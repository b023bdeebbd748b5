package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = fmt.Errorf("nats: %w", errors.ErrCircuitOpen)
	ErrClosed       = stderrors.New("nats client closed")
)

// Status holds runtime status information
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username   string
	password   string
	clientName string

	metrics        *metric.Metrics
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client. No connection is made until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "validate url")
	}

	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(status == StatusConnected)
		circuit := 0
		if status == StatusCircuitOpen {
			circuit = 1
		}
		m.metrics.RecordCircuitBreakerState(circuit)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current backoff duration
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure records a failure and opens the circuit after the threshold
func (m *Client) recordFailure() {
	m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)
	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.Backoff()
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)

	currentStatus := m.Status()
	if currentStatus == StatusCircuitOpen {
		m.logger.Warn("Circuit breaker still open", "backoff", newBackoff)
		return
	}
	if m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
		m.setStatus(StatusCircuitOpen)
		m.logger.Warn("Circuit breaker opened",
			"failures", circuitFailures,
			"backoff", currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
	}
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit so the next attempt goes through
func (m *Client) testCircuit() {
	if m.Status() != StatusCircuitOpen {
		return
	}
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		m.setStatus(StatusConnected)
		return
	}
	m.setStatus(StatusDisconnected)
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect makes a single connection attempt
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.buildConnectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS", "url", m.url)

	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// ConnectWithRetry calls Connect until it succeeds, the policy is exhausted
// or the circuit opens.
func (m *Client) ConnectWithRetry(ctx context.Context, cfg retry.Config) error {
	return retry.Do(ctx, cfg, func() error {
		err := m.Connect(ctx)
		if stderrors.Is(err, ErrCircuitOpen) || stderrors.Is(err, ErrClosed) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.Publish(subject, data); err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish message")
	}
	if m.circuitFailures.Load() > 0 {
		m.resetCircuit()
	}
	return nil
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Close drains and closes the connection. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.username = ""
	m.password = ""
	m.mu.Unlock()

	var drainErr error
	if conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
		}
		conn.Close()
	}

	m.setStatus(StatusDisconnected)
	if drainErr != nil {
		m.logger.Warn("NATS drain did not complete", "error", drainErr)
	}
	return drainErr
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("NATS reconnected", "url", m.url)
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}
