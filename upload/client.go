// Package upload implements the fragment ingestion wire protocol.
//
// Each upload is one multipart/form-data POST to {server}/upload_fragment
// with HTTP Basic authentication. The parts are, in order:
//
//	is_init   "true" or "false"
//	duration  seconds as a decimal, e.g. "2.0"
//	sequence  the fragment's sequence number
//	fragment  the payload, filename fragment_<sequence>.mp4, type application/mp4
//
// Any 2xx response is success. The client performs exactly one attempt per
// call; retry policy belongs to the dispatcher.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/metric"
)

// DefaultTimeout bounds a single upload attempt.
const DefaultTimeout = 10 * time.Second

// Attempt outcomes used for metrics and logs.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport"
	OutcomeEndpoint  = "endpoint"
)

// Recorder receives the measurement of every attempt that reached the network.
type Recorder interface {
	Record(requestID string, duration time.Duration, bytes int64)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Unwrap lets errors.Is match ErrServerRejected.
func (e *StatusError) Unwrap() error {
	return errors.ErrServerRejected
}

// Client uploads fragments. It is safe for concurrent use; the endpoint can
// be replaced at any time and the next attempt uses the new value.
type Client struct {
	httpClient *http.Client
	endpoint   atomic.Pointer[Endpoint]
	recorder   Recorder
	metrics    *metric.Metrics
	logger     *slog.Logger
	newID      func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRecorder sends every attempt's duration and size to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithMetrics records attempt outcomes and latency.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for ep. An invalid endpoint is accepted here
// and reported by each Upload until SetEndpoint fixes it.
func NewClient(ep Endpoint, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "upload")
	c.SetEndpoint(ep)
	return c
}

// SetEndpoint replaces the server URL and credentials.
func (c *Client) SetEndpoint(ep Endpoint) {
	c.endpoint.Store(&ep)
}

// Endpoint returns the current endpoint.
func (c *Client) Endpoint() Endpoint {
	return *c.endpoint.Load()
}

// BuildRequest encodes f as an upload request for the current endpoint.
func (c *Client) BuildRequest(ctx context.Context, f *fragment.Fragment) (*http.Request, error) {
	ep := c.Endpoint()
	target, err := ep.UploadURL()
	if err != nil {
		return nil, err
	}

	body, contentType, err := EncodeForm(f)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "BuildRequest", "encode multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidEndpoint, err),
			"Client", "BuildRequest", "create request")
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(ep.Username, ep.Password)

	return req, nil
}

// Upload performs one attempt. Errors wrap ErrInvalidEndpoint when the
// endpoint is unusable (nothing was sent), a *StatusError for non-2xx
// responses, or the transport error.
func (c *Client) Upload(ctx context.Context, f *fragment.Fragment) error {
	req, err := c.BuildRequest(ctx, f)
	if err != nil {
		c.observe(OutcomeEndpoint, 0, 0)
		return err
	}

	requestID := c.newID()
	size := req.ContentLength
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		c.record(requestID, elapsed, size)
		c.observe(OutcomeTransport, elapsed, f.Size())
		return errors.WrapTransient(err, "Client", "Upload", "send fragment")
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	c.record(requestID, elapsed, size)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(OutcomeRejected, elapsed, f.Size())
		return errors.WrapTransient(
			&StatusError{StatusCode: resp.StatusCode, Status: resp.Status},
			"Client", "Upload", "server response")
	}

	c.observe(OutcomeSuccess, elapsed, f.Size())
	c.logger.Debug("Fragment uploaded",
		"sequence", f.Sequence,
		"request_id", requestID,
		"status", resp.StatusCode,
		"bytes", size,
		"duration", elapsed)
	return nil
}

func (c *Client) record(id string, d time.Duration, size int64) {
	if c.recorder != nil {
		c.recorder.Record(id, d, size)
	}
}

func (c *Client) observe(outcome string, d time.Duration, payload int) {
	if c.metrics != nil {
		c.metrics.RecordAttempt(outcome, d, payload)
	}
}

// EncodeForm renders the multipart body for f and returns it with its
// Content-Type header value.
func EncodeForm(f *fragment.Fragment) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := []struct{ name, value string }{
		{"is_init", strconv.FormatBool(f.IsInit())},
		{"duration", FormatDuration(f.Duration)},
		{"sequence", strconv.FormatUint(f.Sequence, 10)},
	}
	for _, field := range fields {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="fragment"; filename="%s"`, FileName(f.Sequence)))
	h.Set("Content-Type", "application/mp4")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f.Payload); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// FileName is the multipart filename for a sequence number.
func FileName(seq uint64) string {
	return fmt.Sprintf("fragment_%d.mp4", seq)
}

// FormatDuration renders seconds as a decimal that always has a fractional
// part: 2 becomes "2.0", 1.92 stays "1.92".
func FormatDuration(seconds float64) string {
	s := strconv.FormatFloat(seconds, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
