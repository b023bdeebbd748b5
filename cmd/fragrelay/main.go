// Package main runs the fragment relay: the local HTTP API accepting encoded
// fragments, the upload dispatcher delivering them to the ingest server and
// the Prometheus endpoint.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Roenbaeck/tubeist-sub000/config"
	"github.com/Roenbaeck/tubeist-sub000/gateway"
	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/natsclient"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
	"github.com/Roenbaeck/tubeist-sub000/pkg/tlsutil"
	"github.com/Roenbaeck/tubeist-sub000/relay"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fragrelay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	natsClient := connectEvents(ctx, cfg.Events.NATS, logger, registry)

	deps := &relay.Dependencies{
		Logger:          logger,
		MetricsRegistry: registry,
	}
	if natsClient != nil {
		deps.Publisher = natsClient
	}

	r, err := relay.New(cfg, deps)
	if err != nil {
		closeEvents(natsClient)
		return fmt.Errorf("create relay: %w", err)
	}

	timeout := cfg.ShutdownTimeout.Std()
	if cliCfg.ShutdownTimeout > 0 {
		timeout = cliCfg.ShutdownTimeout
	}

	return runWithSignalHandling(ctx, cfg, logger, r, registry, natsClient, timeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(flag.CommandLine)
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting fragment relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the file when one is given, otherwise the
// defaults with environment overrides.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.ConfigPath != "" {
		cfg, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connectEvents returns a connected client, or nil when NATS events are
// disabled or unreachable. Fragment delivery never depends on NATS.
func connectEvents(
	ctx context.Context,
	cfg config.NATSConfig,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) *natsclient.Client {
	if !cfg.Enabled {
		return nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Name),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.CoreMetrics()),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		slog.Warn("NATS events disabled", "error", err)
		return nil
	}

	slog.Info("Connecting to NATS", "url", cfg.URL, "subject", cfg.Subject)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.ConnectWithRetry(connCtx, retry.Quick()); err != nil {
		slog.Warn("NATS unreachable, events disabled", "url", cfg.URL, "error", err)
		closeEvents(client)
		return nil
	}
	return client
}

func closeEvents(client *natsclient.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		slog.Warn("Failed to close NATS client", "error", err)
	}
}

// runWithSignalHandling serves the API and metrics until a signal arrives or
// a server fails, then shuts everything down within timeout.
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	r *relay.Relay,
	registry *metric.MetricsRegistry,
	natsClient *natsclient.Client,
	timeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)

	var api *gateway.Server
	if cfg.API.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.API.TLS)
		if err != nil {
			return fmt.Errorf("load API TLS config: %w", err)
		}
		api = gateway.New(r,
			gateway.WithLogger(logger),
			gateway.WithAllowedOrigins(cfg.API.AllowedOrigins),
			gateway.WithTLSConfig(tlsConfig))
		g.Go(func() error {
			return api.Start(cfg.API.ListenAddr)
		})
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(func() error {
			slog.Info("Metrics listening", "address", metricsServer.Address())
			return metricsServer.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal", "timeout", timeout)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		return shutdown(shutdownCtx, r, api, metricsServer, natsClient)
	})

	slog.Info("Fragment relay started",
		"server", r.Endpoint().ServerURL,
		"api", cfg.API.Enabled,
		"metrics", cfg.Metrics.Enabled)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}

	slog.Info("Fragment relay shutdown complete")
	return nil
}

// shutdown stops intake first, then drains the relay, then the outer servers.
func shutdown(
	ctx context.Context,
	r *relay.Relay,
	api *gateway.Server,
	metricsServer *metric.Server,
	natsClient *natsclient.Client,
) error {
	var errs []error

	if api != nil {
		if err := api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
	}

	if err := r.GracefulShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	if natsClient != nil {
		if err := natsClient.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}

	return stderrors.Join(errs...)
}
