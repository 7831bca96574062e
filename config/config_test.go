package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test basic config structure
func TestConfig_Structure(t *testing.T) {
	cfg := &Config{
		Gateway: GatewayConfig{
			Name:        "dock-gateway",
			Environment: "production",
		},
		Socket: SocketConfig{
			Enabled: true,
			Host:    "192.168.4.20",
			Port:    8899,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
	}

	assert.Equal(t, "dock-gateway", cfg.Gateway.Name)
	assert.Equal(t, "production", cfg.Gateway.Environment)
	assert.Equal(t, "192.168.4.20:8899", cfg.SocketAddr())
}

// Test that defaults carry the documented policy constants
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate(), "defaults must validate")

	assert.Equal(t, "envgate", cfg.Gateway.Name)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)

	// Socket reconnect policy: 1s base doubling to 30s cap, five attempts.
	assert.Equal(t, Duration(1*time.Second), cfg.Socket.Reconnect.Base)
	assert.Equal(t, Duration(30*time.Second), cfg.Socket.Reconnect.Max)
	assert.Equal(t, 5, cfg.Socket.Reconnect.MaxAttempts)
	assert.False(t, cfg.Socket.Enabled, "socket transport is opt-in")

	// History grouping: 100 entries, 500ms window, 3s/5s highlight decay.
	assert.Equal(t, 100, cfg.History.Capacity)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.History.GroupWindow)
	assert.Equal(t, Duration(3*time.Second), cfg.History.HighlightDecay)
	assert.Equal(t, Duration(5*time.Second), cfg.History.BackgroundDecay)
	assert.Nil(t, cfg.History.DeviceFilter)

	assert.True(t, cfg.Broadcast.Enabled)
	assert.True(t, cfg.Outputs.NATS.Enabled)
	assert.False(t, cfg.Outputs.Webhook.Enabled)
	assert.False(t, cfg.Outputs.Recorder.Enabled)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "go duration string", input: `"2s"`, want: 2 * time.Second},
		{name: "millisecond string", input: `"500ms"`, want: 500 * time.Millisecond},
		{name: "compound string", input: `"1m30s"`, want: 90 * time.Second},
		{name: "numeric seconds", input: `2.5`, want: 2500 * time.Millisecond},
		{name: "integer seconds", input: `10`, want: 10 * time.Second},
		{name: "bad string", input: `"soon"`, wantErr: true},
		{name: "bad type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	// Round trip through the section struct.
	rc := ReconnectConfig{
		Base:        Duration(1 * time.Second),
		Max:         Duration(30 * time.Second),
		MaxAttempts: 5,
	}
	data, err = json.Marshal(rc)
	require.NoError(t, err)

	var back ReconnectConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rc, back)
}

// Test validation rejects the common misconfigurations with a
// field-path message.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError string
	}{
		{
			name:      "missing gateway name",
			mutate:    func(c *Config) { c.Gateway.Name = "" },
			wantError: "gateway.name is required",
		},
		{
			name:      "gateway name with dot",
			mutate:    func(c *Config) { c.Gateway.Name = "dock.gateway" },
			wantError: "not a valid subject token",
		},
		{
			name:      "bad environment",
			mutate:    func(c *Config) { c.Gateway.Environment = "qa" },
			wantError: "gateway.environment",
		},
		{
			name:      "nats enabled without urls",
			mutate:    func(c *Config) { c.NATS.URLs = nil },
			wantError: "nats.urls is required",
		},
		{
			name:      "nats bad scheme",
			mutate:    func(c *Config) { c.NATS.URLs = []string{"http://localhost:4222"} },
			wantError: "must start with nats://",
		},
		{
			name: "socket enabled without host",
			mutate: func(c *Config) {
				c.Socket.Enabled = true
				c.Socket.Host = ""
			},
			wantError: "socket.host is required",
		},
		{
			name:      "socket port out of range",
			mutate:    func(c *Config) { c.Socket.Port = 70000 },
			wantError: "socket.port",
		},
		{
			name: "reconnect max below base",
			mutate: func(c *Config) {
				c.Socket.Reconnect.Base = Duration(10 * time.Second)
				c.Socket.Reconnect.Max = Duration(1 * time.Second)
			},
			wantError: "socket.reconnect.max",
		},
		{
			name:      "zero reconnect attempts",
			mutate:    func(c *Config) { c.Socket.Reconnect.MaxAttempts = 0 },
			wantError: "socket.reconnect.max_attempts",
		},
		{
			name:      "history capacity zero",
			mutate:    func(c *Config) { c.History.Capacity = 0 },
			wantError: "history.capacity",
		},
		{
			name: "device filter out of range",
			mutate: func(c *Config) {
				id := 300
				c.History.DeviceFilter = &id
			},
			wantError: "history.device_filter",
		},
		{
			name: "webhook enabled without url",
			mutate: func(c *Config) {
				c.Outputs.Webhook.Enabled = true
				c.Outputs.Webhook.URL = ""
			},
			wantError: "outputs.webhook.url",
		},
		{
			name: "recorder enabled without path",
			mutate: func(c *Config) {
				c.Outputs.Recorder.Enabled = true
				c.Outputs.Recorder.Path = ""
			},
			wantError: "outputs.recorder.path",
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Log.Level = "verbose" },
			wantError: "log.level",
		},
		{
			name:      "bad log format",
			mutate:    func(c *Config) { c.Log.Format = "yaml" },
			wantError: "log.format",
		},
		{
			name:      "bad subject prefix",
			mutate:    func(c *Config) { c.Outputs.NATS.SubjectPrefix = "env gate" },
			wantError: "outputs.nats.subject_prefix",
		},
		{
			name:      "metrics path without slash",
			mutate:    func(c *Config) { c.Metrics.Path = "metrics" },
			wantError: "metrics.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

// Disabled sections skip their own checks entirely.
func TestConfig_Validate_DisabledSectionsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NATS.Enabled = false
	cfg.NATS.URLs = nil
	cfg.Outputs.NATS.Enabled = false
	cfg.Outputs.NATS.SubjectPrefix = ""
	cfg.API.Enabled = false
	cfg.API.ListenAddr = "garbage"
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0

	assert.NoError(t, cfg.Validate())
}

func TestConfig_Clone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Socket.Host = "sensor-hub.local"
	id := 42
	cfg.History.DeviceFilter = &id

	clone, err := cfg.Clone()
	require.NoError(t, err)

	clone.Socket.Host = "other-host"
	*clone.History.DeviceFilter = 7
	clone.NATS.URLs[0] = "nats://elsewhere:4222"

	assert.Equal(t, "sensor-hub.local", cfg.Socket.Host)
	assert.Equal(t, 42, *cfg.History.DeviceFilter)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URLs[0])
}

func TestValidSubjectToken(t *testing.T) {
	assert.True(t, validSubjectToken("dock-gateway"))
	assert.True(t, validSubjectToken("gw_01"))
	assert.False(t, validSubjectToken(""))
	assert.False(t, validSubjectToken("a.b"))
	assert.False(t, validSubjectToken("a b"))
	assert.False(t, validSubjectToken("a>"))
	assert.False(t, validSubjectToken("a*"))
}
