package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	return parseFlagSet(flag.CommandLine, os.Args[1:])
}

func parseFlagSet(fs *flag.FlagSet, args []string) *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("TUBEIST_CONFIG", ""),
		"Path to a JSON or YAML configuration file; defaults apply when empty (env: TUBEIST_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("TUBEIST_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: TUBEIST_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TUBEIST_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TUBEIST_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TUBEIST_LOG_FORMAT", "json"),
		"Log format: json, text (env: TUBEIST_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("TUBEIST_DEBUG", false),
		"Enable debug mode (env: TUBEIST_DEBUG)")

	// Zero defers to shutdown_timeout from the configuration.
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TUBEIST_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides the config file (env: TUBEIST_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	// ExitOnError flag sets never return an error here
	_ = fs.Parse(args)

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - fragment sequencing and upload relay

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Examples:
  # Run with a config file
  %s --config=/etc/tubeist/relay.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run from the environment only
  export TUBEIST_SERVER_URL=https://ingest.example.com
  export TUBEIST_DISPATCH_WORKERS=4
  %s

  # Validate configuration only
  %s --config=relay.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
