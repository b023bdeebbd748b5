package testutil

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Upload is one request received by the Sink.
type Upload struct {
	IsInit      string
	Duration    string
	Sequence    uint64
	Payload     []byte
	FileName    string
	ContentType string
	Username    string
	Password    string
	PartOrder   []string
	Attempt     int
	Status      int
	ReceivedAt  time.Time
}

// Behavior decides the response status for an upload. Attempt counts
// requests for the same sequence number, starting at 1.
type Behavior func(u Upload) int

// AlwaysStatus answers every upload with code.
func AlwaysStatus(code int) Behavior {
	return func(Upload) int { return code }
}

// FailFirst answers 500 to the first n attempts of each sequence and 200 after.
func FailFirst(n int) Behavior {
	return func(u Upload) int {
		if u.Attempt <= n {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}
}

// Sink is a fake ingestion server.
type Sink struct {
	server *httptest.Server

	mu        sync.Mutex
	uploads   []Upload
	attempts  map[uint64]int
	delivered []uint64
	behavior  Behavior
	latency   func(seq uint64) time.Duration
	username  string
	password  string
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithBehavior sets the initial behavior. The default accepts everything.
func WithBehavior(b Behavior) SinkOption {
	return func(s *Sink) { s.behavior = b }
}

// WithLatency delays each response by the returned duration.
func WithLatency(fn func(seq uint64) time.Duration) SinkOption {
	return func(s *Sink) { s.latency = fn }
}

// WithCredentials makes the sink answer 401 unless Basic auth matches.
func WithCredentials(username, password string) SinkOption {
	return func(s *Sink) {
		s.username = username
		s.password = password
	}
}

// NewSink starts a sink that is closed when the test ends.
func NewSink(t testing.TB, opts ...SinkOption) *Sink {
	t.Helper()

	s := &Sink{
		attempts: make(map[uint64]int),
		behavior: AlwaysStatus(http.StatusOK),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload_fragment", s.handle)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	return s
}

// URL is the server URL to configure as the upload endpoint.
func (s *Sink) URL() string {
	return s.server.URL
}

// SetBehavior replaces the behavior for subsequent requests.
func (s *Sink) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// Attempts returns how many requests arrived for seq.
func (s *Sink) Attempts(seq uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[seq]
}

// TotalRequests returns the number of requests received.
func (s *Sink) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Delivered returns the sequences answered with 2xx, in answer order.
func (s *Sink) Delivered() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.delivered...)
}

// Uploads returns a copy of every request received.
func (s *Sink) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Sink) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	u, err := decode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.ReceivedAt = time.Now()

	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency != nil {
		if d := latency(u.Sequence); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
	}

	s.mu.Lock()
	s.attempts[u.Sequence]++
	u.Attempt = s.attempts[u.Sequence]

	status := s.behavior(u)
	if s.username != "" && (u.Username != s.username || u.Password != s.password) {
		status = http.StatusUnauthorized
	}
	u.Status = status
	s.uploads = append(s.uploads, u)
	if status >= 200 && status < 300 {
		s.delivered = append(s.delivered, u.Sequence)
	}
	s.mu.Unlock()

	w.WriteHeader(status)
}

func decode(r *http.Request) (Upload, error) {
	var u Upload
	u.Username, u.Password, _ = r.BasicAuth()

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return u, err
	}
	if mediaType != "multipart/form-data" {
		return u, http.ErrNotMultipart
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return u, err
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return u, err
		}

		name := part.FormName()
		u.PartOrder = append(u.PartOrder, name)
		switch name {
		case "is_init":
			u.IsInit = string(data)
		case "duration":
			u.Duration = string(data)
		case "sequence":
			seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
			if err != nil {
				return u, err
			}
			u.Sequence = seq
		case "fragment":
			u.Payload = data
			u.FileName = part.FileName()
			u.ContentType = part.Header.Get("Content-Type")
		}
	}

	return u, nil
}
