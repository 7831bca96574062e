// Package config loads and validates the envgate daemon configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config is the full daemon configuration. Zero values are not usable
// directly; obtain a populated instance from DefaultConfig or a Loader.
type Config struct {
	Version   string          `json:"version,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	NATS      NATSConfig      `json:"nats"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Socket    SocketConfig    `json:"socket"`
	Arbiter   ArbiterConfig   `json:"arbiter"`
	History   HistoryConfig   `json:"history"`
	Outputs   OutputsConfig   `json:"outputs"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// GatewayConfig identifies this gateway instance. The name becomes a
// NATS subject token (envgate.<name>.readings), so it must be subject-safe.
type GatewayConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

// NATSConfig holds connection settings for the NATS client.
type NATSConfig struct {
	Enabled        bool     `json:"enabled"`
	URLs           []string `json:"urls"`
	Name           string   `json:"name,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Token          string   `json:"token,omitempty"`
	MaxReconnects  int      `json:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait"`
	ConnectTimeout Duration `json:"connect_timeout"`
}

// BroadcastConfig configures the broadcast ingestion path. ListenAddr is
// the UDP bind address for the advertisement bridge.
type BroadcastConfig struct {
	Enabled         bool   `json:"enabled"`
	ListenAddr      string `json:"listen_addr"`
	ReadBufferBytes int    `json:"read_buffer_bytes"`
}

// SocketConfig configures the persistent TCP reading stream.
type SocketConfig struct {
	Enabled      bool            `json:"enabled"`
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	DialTimeout  Duration        `json:"dial_timeout"`
	MaxLineBytes int             `json:"max_line_bytes"`
	Reconnect    ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig controls socket auto-reconnect. The delay for attempt n
// is Base doubled per attempt, capped at Max. After MaxAttempts
// consecutive failures auto-reconnect stays off until the next explicit
// start.
type ReconnectConfig struct {
	Base        Duration `json:"base"`
	Max         Duration `json:"max"`
	MaxAttempts int      `json:"max_attempts"`
}

// ArbiterConfig sizes the buffers handed to arbiter subscribers.
type ArbiterConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// HistoryConfig configures the grouped reading history. DeviceFilter,
// when set, restricts history to a single device ID.
type HistoryConfig struct {
	Capacity        int      `json:"capacity"`
	GroupWindow     Duration `json:"group_window"`
	HighlightDecay  Duration `json:"highlight_decay"`
	BackgroundDecay Duration `json:"background_decay"`
	DeviceFilter    *int     `json:"device_filter,omitempty"`
}

// OutputsConfig groups the optional egress sinks.
type OutputsConfig struct {
	NATS     NATSPubConfig  `json:"nats"`
	Webhook  WebhookConfig  `json:"webhook"`
	Recorder RecorderConfig `json:"recorder"`
}

// NATSPubConfig configures the NATS egress publisher.
type NATSPubConfig struct {
	Enabled       bool   `json:"enabled"`
	SubjectPrefix string `json:"subject_prefix"`
	QueueSize     int    `json:"queue_size"`
}

// WebhookConfig configures the HTTP webhook forwarder.
type WebhookConfig struct {
	Enabled            bool              `json:"enabled"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	Timeout            Duration          `json:"timeout"`
	MaxRetries         int               `json:"max_retries"`
	QueueSize          int               `json:"queue_size"`
	BreakerMaxFailures int               `json:"breaker_max_failures"`
	BreakerCooldown    Duration          `json:"breaker_cooldown"`
}

// RecorderConfig configures SQLite persistence of arbitrated readings.
type RecorderConfig struct {
	Enabled    bool     `json:"enabled"`
	Path       string   `json:"path"`
	Retention  Duration `json:"retention"`
	PruneEvery Duration `json:"prune_every"`
	BatchSize  int      `json:"batch_size"`
	QueueSize  int      `json:"queue_size"`
}

// APIConfig configures the HTTP status/control server.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	ListenAddr   string `json:"listen_addr"`
	WSSendBuffer int    `json:"ws_send_buffer"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration wraps time.Duration so JSON config accepts either a Go
// duration string ("2s", "500ms") or a plain number of seconds.
type Duration time.Duration

// MarshalJSON emits the duration as a string ("2s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "2s" style strings or numeric seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a configuration suitable for local development:
// broadcast ingestion on, socket off, NATS on localhost, API and metrics
// servers enabled.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Gateway: GatewayConfig{
			Name:        "envgate",
			Environment: "development",
		},
		NATS: NATSConfig{
			Enabled:        true,
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Enabled:         true,
			ListenAddr:      "0.0.0.0:9400",
			ReadBufferBytes: 2048,
		},
		Socket: SocketConfig{
			Enabled:      false,
			Port:         8899,
			DialTimeout:  Duration(10 * time.Second),
			MaxLineBytes: 64 * 1024,
			Reconnect: ReconnectConfig{
				Base:        Duration(1 * time.Second),
				Max:         Duration(30 * time.Second),
				MaxAttempts: 5,
			},
		},
		Arbiter: ArbiterConfig{
			SubscriberBuffer: 64,
		},
		History: HistoryConfig{
			Capacity:        100,
			GroupWindow:     Duration(500 * time.Millisecond),
			HighlightDecay:  Duration(3 * time.Second),
			BackgroundDecay: Duration(5 * time.Second),
		},
		Outputs: OutputsConfig{
			NATS: NATSPubConfig{
				Enabled:       true,
				SubjectPrefix: "envgate",
				QueueSize:     256,
			},
			Webhook: WebhookConfig{
				Enabled:            false,
				Timeout:            Duration(5 * time.Second),
				MaxRetries:         3,
				QueueSize:          128,
				BreakerMaxFailures: 5,
				BreakerCooldown:    Duration(30 * time.Second),
			},
			Recorder: RecorderConfig{
				Enabled:    false,
				Path:       "envgate.db",
				Retention:  Duration(7 * 24 * time.Hour),
				PruneEvery: Duration(1 * time.Hour),
				BatchSize:  64,
				QueueSize:  256,
			},
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   ":8080",
			WSSendBuffer: 32,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the whole configuration. The first failing section
// stops validation; error messages carry the JSON field path.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Gateway.Validate,
		c.NATS.Validate,
		c.Broadcast.Validate,
		c.Socket.Validate,
		c.Arbiter.Validate,
		c.History.Validate,
		c.Outputs.Validate,
		c.API.Validate,
		c.Metrics.Validate,
		c.Log.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the gateway identity.
func (g *GatewayConfig) Validate() error {
	if g.Name == "" {
		return errors.New("gateway.name is required")
	}
	if !validSubjectToken(g.Name) {
		return fmt.Errorf("gateway.name %q is not a valid subject token (use letters, digits, _ or -)", g.Name)
	}
	switch g.Environment {
	case "development", "staging", "production":
		return nil
	default:
		return fmt.Errorf("gateway.environment %q must be development, staging or production", g.Environment)
	}
}

// Validate checks NATS connection settings when the client is enabled.
func (n *NATSConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	if len(n.URLs) == 0 {
		return errors.New("nats.urls is required when nats is enabled")
	}
	for _, u := range n.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return fmt.Errorf("nats.urls entry %q must start with nats:// or tls://", u)
		}
	}
	if n.MaxReconnects < -1 {
		return errors.New("nats.max_reconnects must be -1 (unlimited) or >= 0")
	}
	if n.ReconnectWait <= 0 {
		return errors.New("nats.reconnect_wait must be positive")
	}
	if n.ConnectTimeout <= 0 {
		return errors.New("nats.connect_timeout must be positive")
	}
	return nil
}

// Validate checks the broadcast bridge settings.
func (b *BroadcastConfig) Validate() error {
	if b.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(b.ListenAddr); err != nil {
			return fmt.Errorf("broadcast.listen_addr %q is not host:port: %w", b.ListenAddr, err)
		}
	} else if b.Enabled {
		return errors.New("broadcast.listen_addr is required when broadcast is enabled")
	}
	if b.ReadBufferBytes < 64 {
		return errors.New("broadcast.read_buffer_bytes must be at least 64")
	}
	return nil
}

// Validate checks socket transport settings. Host may stay empty while
// the socket transport is disabled.
func (s *SocketConfig) Validate() error {
	if s.Enabled && s.Host == "" {
		return errors.New("socket.host is required when socket is enabled")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("socket.port %d must be between 1 and 65535", s.Port)
	}
	if s.DialTimeout <= 0 {
		return errors.New("socket.dial_timeout must be positive")
	}
	if s.MaxLineBytes < 256 {
		return errors.New("socket.max_line_bytes must be at least 256")
	}
	return s.Reconnect.Validate()
}

// Validate checks the reconnect policy.
func (r *ReconnectConfig) Validate() error {
	if r.Base <= 0 {
		return errors.New("socket.reconnect.base must be positive")
	}
	if r.Max < r.Base {
		return errors.New("socket.reconnect.max must be >= socket.reconnect.base")
	}
	if r.MaxAttempts < 1 {
		return errors.New("socket.reconnect.max_attempts must be at least 1")
	}
	return nil
}

// Validate checks arbiter buffer sizing.
func (a *ArbiterConfig) Validate() error {
	if a.SubscriberBuffer < 1 {
		return errors.New("arbiter.subscriber_buffer must be at least 1")
	}
	return nil
}

// Validate checks history aggregation settings.
func (h *HistoryConfig) Validate() error {
	if h.Capacity < 1 {
		return errors.New("history.capacity must be at least 1")
	}
	if h.GroupWindow <= 0 {
		return errors.New("history.group_window must be positive")
	}
	if h.HighlightDecay <= 0 {
		return errors.New("history.highlight_decay must be positive")
	}
	if h.BackgroundDecay <= 0 {
		return errors.New("history.background_decay must be positive")
	}
	if h.DeviceFilter != nil && (*h.DeviceFilter < 0 || *h.DeviceFilter > 255) {
		return fmt.Errorf("history.device_filter %d must be between 0 and 255", *h.DeviceFilter)
	}
	return nil
}

// Validate checks all egress sink settings.
func (o *OutputsConfig) Validate() error {
	if err := o.NATS.Validate(); err != nil {
		return err
	}
	if err := o.Webhook.Validate(); err != nil {
		return err
	}
	return o.Recorder.Validate()
}

// Validate checks NATS egress settings.
func (n *NATSPubConfig) Validate() error {
	if !n.Enabled {
		return nil
	}
	if !validSubjectToken(n.SubjectPrefix) {
		return fmt.Errorf("outputs.nats.subject_prefix %q is not a valid subject token", n.SubjectPrefix)
	}
	if n.QueueSize < 1 {
		return errors.New("outputs.nats.queue_size must be at least 1")
	}
	return nil
}

// Validate checks webhook forwarder settings when enabled.
func (w *WebhookConfig) Validate() error {
	if !w.Enabled {
		return nil
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("outputs.webhook.url %q must be a valid http(s) URL", w.URL)
	}
	if w.Timeout <= 0 {
		return errors.New("outputs.webhook.timeout must be positive")
	}
	if w.MaxRetries < 0 {
		return errors.New("outputs.webhook.max_retries must be >= 0")
	}
	if w.QueueSize < 1 {
		return errors.New("outputs.webhook.queue_size must be at least 1")
	}
	if w.BreakerMaxFailures < 1 {
		return errors.New("outputs.webhook.breaker_max_failures must be at least 1")
	}
	if w.BreakerCooldown <= 0 {
		return errors.New("outputs.webhook.breaker_cooldown must be positive")
	}
	return nil
}

// Validate checks recorder settings when enabled.
func (r *RecorderConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Path == "" {
		return errors.New("outputs.recorder.path is required when recorder is enabled")
	}
	if r.Retention <= 0 {
		return errors.New("outputs.recorder.retention must be positive")
	}
	if r.PruneEvery <= 0 {
		return errors.New("outputs.recorder.prune_every must be positive")
	}
	if r.BatchSize < 1 {
		return errors.New("outputs.recorder.batch_size must be at least 1")
	}
	if r.QueueSize < 1 {
		return errors.New("outputs.recorder.queue_size must be at least 1")
	}
	return nil
}

// Validate checks API server settings.
func (a *APIConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil {
		return fmt.Errorf("api.listen_addr %q is not host:port: %w", a.ListenAddr, err)
	}
	if a.WSSendBuffer < 1 {
		return errors.New("api.ws_send_buffer must be at least 1")
	}
	return nil
}

// Validate checks the metrics endpoint settings.
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("metrics.port %d must be between 1 and 65535", m.Port)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", m.Path)
	}
	return nil
}

// Validate checks log settings.
func (l *LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", l.Format)
	}
	return nil
}

// Clone returns a deep copy via a JSON round trip.
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("unmarshal config clone: %w", err)
	}
	return &clone, nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return safeWriteFile(path, data)
}

// SocketAddr returns the socket transport's host:port dial target.
func (c *Config) SocketAddr() string {
	return net.JoinHostPort(c.Socket.Host, fmt.Sprintf("%d", c.Socket.Port))
}

// validSubjectToken reports whether s can be embedded as a single NATS
// subject token: non-empty, no dots, spaces or wildcards.
func validSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
