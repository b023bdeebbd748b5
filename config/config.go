package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Roenbaeck/tubeist-sub000/dispatch"
	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/pkg/buffer"
	"github.com/Roenbaeck/tubeist-sub000/pkg/security"
	"github.com/Roenbaeck/tubeist-sub000/pkg/tlsutil"
)

// Config is the complete relay configuration
type Config struct {
	Server          ServerConfig     `json:"server" yaml:"server"`
	Dispatch        DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Queue           QueueConfig      `json:"queue" yaml:"queue"`
	Reconciler      ReconcilerConfig `json:"reconciler" yaml:"reconciler"`
	Persist         PersistConfig    `json:"persist" yaml:"persist"`
	Events          EventsConfig     `json:"events" yaml:"events"`
	Metrics         MetricsConfig    `json:"metrics" yaml:"metrics"`
	API             APIConfig        `json:"api" yaml:"api"`
	ShutdownTimeout Duration         `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ServerConfig is the ingestion endpoint. An empty URL is allowed; uploads
// stall until it is set at runtime.
type ServerConfig struct {
	URL      string   `json:"url" yaml:"url"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`

	TLS security.ClientTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// DispatchConfig controls upload workers and retries
type DispatchConfig struct {
	Workers     int      `json:"workers" yaml:"workers"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	RetryDelay  Duration `json:"retry_delay" yaml:"retry_delay"`
	Ordering    string   `json:"ordering" yaml:"ordering"`
}

// Build converts the section into a validated dispatch.Config
func (d DispatchConfig) Build() (dispatch.Config, error) {
	ordering, err := dispatch.ParseOrdering(d.Ordering)
	if err != nil {
		return dispatch.Config{}, err
	}
	dc := dispatch.Config{
		Workers:     d.Workers,
		MaxAttempts: d.MaxAttempts,
		RetryDelay:  d.RetryDelay.Std(),
		Ordering:    ordering,
	}
	return dc, dc.Validate()
}

// QueueConfig bounds the fragment queue
type QueueConfig struct {
	Capacity       int    `json:"capacity" yaml:"capacity"`
	OverflowPolicy string `json:"overflow_policy" yaml:"overflow_policy"`
}

// Policy returns the parsed overflow policy, DropOldest when unrecognised
func (q QueueConfig) Policy() buffer.OverflowPolicy {
	p, _ := buffer.ParseOverflowPolicy(strings.ToLower(q.OverflowPolicy))
	return p
}

// ReconcilerConfig bounds the hold-list
type ReconcilerConfig struct {
	HoldCapacity int `json:"hold_capacity" yaml:"hold_capacity"`
}

// PersistConfig controls local segment files
type PersistConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Directory string `json:"directory" yaml:"directory"`
}

// EventsConfig selects event transports
type EventsConfig struct {
	NATS NATSConfig `json:"nats" yaml:"nats"`
}

// NATSConfig publishes fragment events to NATS
type NATSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url"`
	Subject  string `json:"subject" yaml:"subject"`
	Name     string `json:"name" yaml:"name"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// APIConfig controls the local HTTP API
type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	ListenAddr     string   `json:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`

	TLS security.ServerTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	dc := dispatch.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Timeout: Duration(10 * time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:     dc.Workers,
			MaxAttempts: dc.MaxAttempts,
			RetryDelay:  Duration(dc.RetryDelay),
			Ordering:    string(dc.Ordering),
		},
		Queue: QueueConfig{
			Capacity:       1024,
			OverflowPolicy: buffer.DropOldest.String(),
		},
		Reconciler: ReconcilerConfig{
			HoldCapacity: 256,
		},
		Persist: PersistConfig{
			Enabled:   false,
			Directory: "segments",
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Subject: "tubeist.fragments",
				Name:    "tubeist-relay",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8090",
		},
		ShutdownTimeout: Duration(30 * time.Second),
	}
}

// Load reads a .json, .yaml or .yml file over the defaults, applies
// TUBEIST_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "check JSON structure")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Config", "Load", "parse JSON")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Config", "Load", "parse YAML")
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check configuration")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("server.url must be an http(s) URL")
		}
	}
	if c.Server.Timeout < 0 {
		return invalid("server.timeout cannot be negative")
	}
	if !tlsutil.ValidVersion(c.Server.TLS.MinVersion) {
		return invalid("server.tls.min_version %q is not 1.2 or 1.3", c.Server.TLS.MinVersion)
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return invalid("server.tls.cert_file and server.tls.key_file must be set together")
	}

	if _, err := c.Dispatch.Build(); err != nil {
		return err
	}

	if c.Queue.Capacity < 1 {
		return invalid("queue.capacity must be at least 1")
	}
	if _, ok := buffer.ParseOverflowPolicy(strings.ToLower(c.Queue.OverflowPolicy)); !ok {
		return invalid("queue.overflow_policy %q is not one of drop_oldest, drop_newest, block", c.Queue.OverflowPolicy)
	}
	if c.Reconciler.HoldCapacity < 1 {
		return invalid("reconciler.hold_capacity must be at least 1")
	}
	if c.Persist.Enabled && c.Persist.Directory == "" {
		return invalid("persist.directory is required when persistence is enabled")
	}

	if c.Events.NATS.Enabled {
		if c.Events.NATS.URL == "" {
			return invalid("events.nats.url is required when NATS events are enabled")
		}
		if !validSubject(c.Events.NATS.Subject) {
			return invalid("events.nats.subject %q is not a valid subject", c.Events.NATS.Subject)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return invalid("api.listen_addr is required when the API is enabled")
	}
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "" {
			return invalid("api.tls.cert_file and api.tls.key_file are required when API TLS is enabled")
		}
		if !tlsutil.ValidVersion(c.API.TLS.MinVersion) {
			return invalid("api.tls.min_version %q is not 1.2 or 1.3", c.API.TLS.MinVersion)
		}
	}
	if c.ShutdownTimeout < 0 {
		return invalid("shutdown_timeout cannot be negative")
	}
	return nil
}

// validSubject accepts dot-separated tokens without wildcards or spaces
func validSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || strings.ContainsAny(part, "*> \t") {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	if c.API.AllowedOrigins != nil {
		clone.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	}
	clone.Server.TLS = c.Server.TLS.Clone()
	clone.API.TLS = c.API.TLS.Clone()
	return &clone
}

// Redacted returns a copy with passwords masked
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.Server.Password != "" {
		clone.Server.Password = "***"
	}
	if clone.Events.NATS.Password != "" {
		clone.Events.NATS.Password = "***"
	}
	return clone
}

// String returns a JSON representation with passwords masked
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "SafeConfig", "Update", "validate config")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
