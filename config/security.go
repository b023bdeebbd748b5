package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to untrusted configuration input
const (
	maxConfigSize = 1 << 20 // a relay config is a few KB
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

var configExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// validateConfigPath rejects relative paths that climb out of the working
// directory and files that are not JSON or YAML.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case !configExtensions[strings.ToLower(filepath.Ext(path))]:
		return fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}

	if filepath.IsAbs(path) {
		return nil
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
	}
	return nil
}

// safeReadFile reads a regular, size-bounded config file
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	return os.ReadFile(path)
}

// validateEnvVar bounds override values and rejects NUL bytes
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth scans data for nesting deeper than maxJSONDepth before
// it reaches encoding/json.
func validateJSONDepth(data []byte) error {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case '}', ']':
			if depth--; depth < 0 {
				return errors.New("malformed JSON: unbalanced brackets")
			}
		}
	}

	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
