package gateway

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/fragment"
	"github.com/Roenbaeck/tubeist-sub000/health"
	"github.com/Roenbaeck/tubeist-sub000/relay"
	"github.com/Roenbaeck/tubeist-sub000/upload"
)

// DefaultMaxFragmentSize bounds a fragment request body.
const DefaultMaxFragmentSize = 64 << 20

// Relay is the part of relay.Relay the API drives.
type Relay interface {
	BeginSession(ctx context.Context) (string, error)
	ResetSession() error
	AddFragment(kind fragment.Kind, duration float64, payload []byte) (uint64, error)
	AddTimedFragment(tf relay.TimedFragment) (uint64, bool, error)
	CurrentThroughputMbps() int
	SetEndpoint(ep upload.Endpoint) error
	Endpoint() upload.Endpoint
	Health() health.Status
	Stats() relay.Stats
}

// Server is the local HTTP API.
type Server struct {
	relay           Relay
	logger          *slog.Logger
	allowedOrigins  []string
	maxFragmentSize int64
	tlsConfig       *tls.Config

	mu     sync.Mutex
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMaxFragmentSize bounds the fragment request body.
func WithMaxFragmentSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFragmentSize = n
		}
	}
}

// WithTLSConfig serves the API over TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// New creates the API for r.
func New(r Relay, opts ...Option) *Server {
	s := &Server{
		relay:           r,
		logger:          slog.Default(),
		maxFragmentSize: DefaultMaxFragmentSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Content-Type", "Authorization",
				headerKind, headerDuration, headerTimestamp, headerOrigin,
			},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleBeginSession)
			r.Delete("/current", s.handleResetSession)
		})
		r.Post("/fragments", s.handleAddFragment)
		r.Get("/throughput", s.handleThroughput)
		r.Get("/endpoint", s.handleGetEndpoint)
		r.Put("/endpoint", s.handleSetEndpoint)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// logRequests logs each request with chi's request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			ww.Header().Set("X-Request-ID", reqID)
		}

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes_in", r.ContentLength,
			"duration", time.Since(start))
	})
}

// Start serves on addr and blocks until the server stops. A server closed
// by Shutdown returns nil.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", addr))
	}
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Serve", "check state")
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		TLSConfig:         s.tlsConfig,
	}
	s.server = srv
	s.mu.Unlock()

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.logger.Info("API listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Serve", "serve HTTP")
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "shutdown HTTP server")
	}
	return nil
}
