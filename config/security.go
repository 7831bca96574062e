package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard limits for configuration input. Config files are small; anything
// past these bounds is malformed or hostile.
const (
	maxConfigSize = 1 << 20 // 1MB
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// validateConfigPath rejects obviously bad config paths. Absolute paths
// are allowed; the daemon commonly reads /etc/envgate/config.json.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case strings.ContainsRune(path, 0):
		return errors.New("null byte in config path")
	case filepath.Ext(path) != ".json":
		return fmt.Errorf("only .json config files allowed: %s", path)
	}
	return nil
}

// safeReadFile reads a config file after path, type and size checks.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("not a regular file: %s", path)
	case info.Size() > maxConfigSize:
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return data, nil
}

// safeWriteFile writes a config file with owner-only permissions.
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0600)
}

// validateEnvVar rejects oversized or null-byte environment values.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth bounds nesting depth before full parsing, so a
// pathological file cannot exhaust the stack. Brackets inside strings
// are skipped; backslash escapes keep quoted quotes from ending the
// string early.
func validateJSONDepth(data []byte) error {
	var depth, i int
	for i < len(data) {
		switch data[i] {
		case '"':
			// Skip the string body.
			for i++; i < len(data); i++ {
				if data[i] == '\\' {
					i++
					continue
				}
				if data[i] == '"' {
					break
				}
			}
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return errors.New("malformed JSON: unbalanced brackets")
			}
		}
		i++
	}

	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
