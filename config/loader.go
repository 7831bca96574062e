package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is prepended to all environment override variables.
const EnvPrefix = "ENVGATE"

// Loader builds a Config from layered JSON files, defaults and
// environment overrides. Layers are merged in order, later layers
// winning per key; environment variables win over every layer.
type Loader struct {
	layers    []string
	envPrefix string
	validate  bool
}

// NewLoader returns a Loader with validation enabled and the standard
// ENVGATE environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		validate:  true,
	}
}

// AddLayer appends a JSON config file to the merge chain.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles Config.Validate after loading.
func (l *Loader) EnableValidation(on bool) {
	l.validate = on
}

// Load merges defaults, all layers and environment overrides into a
// Config. With no layers it yields the defaults plus overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := defaultMap()
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("config layer %s: %w", path, err)
		}
		deepMergeMaps(merged, raw)
	}

	cfg, err := configFromMap(merged)
	if err != nil {
		return nil, err
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// LoadFile loads a single config file on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	single := &Loader{
		layers:    []string{path},
		envPrefix: l.envPrefix,
		validate:  l.validate,
	}
	return single.Load()
}

// defaultMap renders DefaultConfig as a generic map so file layers can
// merge over it key by key.
func defaultMap() (map[string]any, error) {
	data, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return m, nil
}

// loadRawJSON reads one config file into a generic map, guarding path,
// size and nesting depth first.
func loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return m, nil
}

// configFromMap converts a merged map back into a typed Config.
func configFromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse merged config: %w", err)
	}
	return &cfg, nil
}

// deepMergeMaps merges src into dst recursively. Nested maps merge key
// by key; any other value in src replaces the dst value outright, so
// arrays override rather than append.
func deepMergeMaps(dst, src map[string]any) {
	for key, srcVal := range src {
		if dstMap, ok := dst[key].(map[string]any); ok {
			if srcMap, ok := srcVal.(map[string]any); ok {
				deepMergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// envOverride binds one environment variable suffix to a Config field.
type envOverride struct {
	key   string
	apply func(*Config, string) error
}

// envOverrides is the full table of supported environment variables,
// each prefixed with ENVGATE_ at lookup time.
var envOverrides = []envOverride{
	{"GATEWAY_NAME", func(c *Config, v string) error { c.Gateway.Name = v; return nil }},
	{"GATEWAY_ENVIRONMENT", func(c *Config, v string) error { c.Gateway.Environment = v; return nil }},
	{"NATS_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.NATS.Enabled) }},
	{"NATS_URLS", func(c *Config, v string) error { c.NATS.URLs = splitList(v); return nil }},
	{"NATS_USERNAME", func(c *Config, v string) error { c.NATS.Username = v; return nil }},
	{"NATS_PASSWORD", func(c *Config, v string) error { c.NATS.Password = v; return nil }},
	{"NATS_TOKEN", func(c *Config, v string) error { c.NATS.Token = v; return nil }},
	{"BROADCAST_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Broadcast.Enabled) }},
	{"BROADCAST_LISTEN_ADDR", func(c *Config, v string) error { c.Broadcast.ListenAddr = v; return nil }},
	{"SOCKET_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Socket.Enabled) }},
	{"SOCKET_HOST", func(c *Config, v string) error { c.Socket.Host = v; return nil }},
	{"SOCKET_PORT", func(c *Config, v string) error { return parseInt(v, &c.Socket.Port) }},
	{"HISTORY_DEVICE_FILTER", func(c *Config, v string) error {
		var id int
		if err := parseInt(v, &id); err != nil {
			return err
		}
		c.History.DeviceFilter = &id
		return nil
	}},
	{"WEBHOOK_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Outputs.Webhook.Enabled) }},
	{"WEBHOOK_URL", func(c *Config, v string) error { c.Outputs.Webhook.URL = v; return nil }},
	{"RECORDER_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Outputs.Recorder.Enabled) }},
	{"RECORDER_PATH", func(c *Config, v string) error { c.Outputs.Recorder.Path = v; return nil }},
	{"API_LISTEN_ADDR", func(c *Config, v string) error { c.API.ListenAddr = v; return nil }},
	{"METRICS_PORT", func(c *Config, v string) error { return parseInt(v, &c.Metrics.Port) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// applyEnvOverrides walks the override table, applying any variables
// present in the environment. Empty values are ignored.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		name := l.envPrefix + "_" + o.key
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := validateEnvVar(name, value); err != nil {
			return err
		}
		if err := o.apply(cfg, value); err != nil {
			return fmt.Errorf("environment variable %s: %w", name, err)
		}
	}
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
