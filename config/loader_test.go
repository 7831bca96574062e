package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// Test loading config from a JSON file
func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {
			"name": "dock-gateway",
			"environment": "production"
		},
		"socket": {
			"enabled": true,
			"host": "192.168.4.20",
			"port": 8899,
			"dial_timeout": "3s",
			"reconnect": {
				"base": "2s",
				"max": 45,
				"max_attempts": 4
			}
		},
		"nats": {
			"urls": ["nats://a:4222", "nats://b:4222"],
			"max_reconnects": 10,
			"reconnect_wait": "5s"
		}
	}`)

	loader := NewLoader()
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "dock-gateway", cfg.Gateway.Name)
	assert.Equal(t, "production", cfg.Gateway.Environment)
	assert.True(t, cfg.Socket.Enabled)
	assert.Equal(t, "192.168.4.20", cfg.Socket.Host)
	assert.Equal(t, 8899, cfg.Socket.Port)
	assert.Equal(t, Duration(3*time.Second), cfg.Socket.DialTimeout)
	assert.Equal(t, Duration(2*time.Second), cfg.Socket.Reconnect.Base)
	// Numeric durations are seconds.
	assert.Equal(t, Duration(45*time.Second), cfg.Socket.Reconnect.Max)
	assert.Equal(t, 4, cfg.Socket.Reconnect.MaxAttempts)
	assert.Len(t, cfg.NATS.URLs, 2)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, Duration(5*time.Second), cfg.NATS.ReconnectWait)
}

// Fields absent from the file keep their defaults
func TestLoader_Defaults(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"name": "minimal-gw"}
	}`)

	loader := NewLoader()
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal-gw", cfg.Gateway.Name)
	assert.Equal(t, "development", cfg.Gateway.Environment)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, Duration(2*time.Second), cfg.NATS.ReconnectWait)
	assert.Equal(t, 5, cfg.Socket.Reconnect.MaxAttempts)
	assert.Equal(t, 100, cfg.History.Capacity)
	assert.True(t, cfg.Broadcast.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

// Later layers win key by key; untouched siblings survive
func TestLoader_Layering(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json")
	override := filepath.Join(dir, "production.json")

	require.NoError(t, os.WriteFile(base, []byte(`{
		"gateway": {"name": "layered-gw"},
		"socket": {"host": "base-host", "port": 7000}
	}`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`{
		"gateway": {"environment": "production"},
		"socket": {"host": "prod-host"}
	}`), 0644))

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "layered-gw", cfg.Gateway.Name)         // from base
	assert.Equal(t, "production", cfg.Gateway.Environment)  // from override
	assert.Equal(t, "prod-host", cfg.Socket.Host)           // overridden
	assert.Equal(t, 7000, cfg.Socket.Port)                  // base survives merge
}

// Test environment variable overrides
func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("ENVGATE_GATEWAY_NAME", "env-gw")
	t.Setenv("ENVGATE_SOCKET_ENABLED", "true")
	t.Setenv("ENVGATE_SOCKET_HOST", "10.0.0.9")
	t.Setenv("ENVGATE_SOCKET_PORT", "9100")
	t.Setenv("ENVGATE_NATS_PASSWORD", "hunter2")
	t.Setenv("ENVGATE_NATS_URLS", "nats://x:4222, nats://y:4222")
	t.Setenv("ENVGATE_HISTORY_DEVICE_FILTER", "17")
	t.Setenv("ENVGATE_LOG_LEVEL", "debug")

	path := writeConfig(t, `{
		"gateway": {"name": "file-gw"},
		"socket": {"host": "file-host"}
	}`)

	loader := NewLoader()
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	// Env wins over file
	assert.Equal(t, "env-gw", cfg.Gateway.Name)
	assert.True(t, cfg.Socket.Enabled)
	assert.Equal(t, "10.0.0.9", cfg.Socket.Host)
	assert.Equal(t, 9100, cfg.Socket.Port)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	require.NotNil(t, cfg.History.DeviceFilter)
	assert.Equal(t, 17, *cfg.History.DeviceFilter)
	assert.Equal(t, "debug", cfg.Log.Level)

	// File value stays when no env override exists
	assert.Equal(t, "development", cfg.Gateway.Environment)
}

func TestLoader_EnvOverrideBadValue(t *testing.T) {
	t.Setenv("ENVGATE_SOCKET_PORT", "not-a-port")

	loader := NewLoader()
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENVGATE_SOCKET_PORT")
	assert.Contains(t, err.Error(), "invalid integer")
}

// Validation runs after merging unless disabled
func TestLoader_Validation(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"name": ""}
	}`)

	loader := NewLoader()
	_, err := loader.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "gateway.name is required")

	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Gateway.Name)
}

func TestLoader_FileGuards(t *testing.T) {
	loader := NewLoader()

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.LoadFile(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("non json extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
		_, err := loader.LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only .json config files allowed")
	})

	t.Run("malformed json", func(t *testing.T) {
		path := writeConfig(t, `{"gateway": `)
		_, err := loader.LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("excessive nesting", func(t *testing.T) {
		nested := strings.Repeat(`{"a":`, 40) + `1` + strings.Repeat(`}`, 40)
		path := writeConfig(t, nested)
		_, err := loader.LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nesting too deep")
	})
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Name = "save-test"
	cfg.Socket.Host = "sensor-hub.local"
	cfg.Socket.Enabled = true
	cfg.Socket.Reconnect.Base = Duration(1500 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	loader := NewLoader()
	loaded, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.Gateway.Name, loaded.Gateway.Name)
	assert.Equal(t, cfg.Socket.Host, loaded.Socket.Host)
	assert.Equal(t, cfg.Socket.Reconnect.Base, loaded.Socket.Reconnect.Base)
	assert.Equal(t, cfg.History.GroupWindow, loaded.History.GroupWindow)
}

// The shipped example config must stay loadable
func TestLoader_ExampleConfig(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.LoadFile("example_config.json")
	require.NoError(t, err)

	assert.Equal(t, "dock-gateway", cfg.Gateway.Name)
	assert.True(t, cfg.Socket.Enabled)
	assert.Equal(t, "192.168.4.20", cfg.Socket.Host)
	assert.True(t, cfg.Outputs.Recorder.Enabled)
	assert.True(t, cfg.Outputs.Webhook.Enabled)
}

func TestDeepMergeMaps(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"x": 1.0, "y": 2.0},
		"b": "keep",
		"c": []any{"one"},
	}
	src := map[string]any{
		"a": map[string]any{"y": 3.0, "z": 4.0},
		"c": []any{"two", "three"},
		"d": true,
	}

	deepMergeMaps(dst, src)

	inner := dst["a"].(map[string]any)
	assert.Equal(t, 1.0, inner["x"])
	assert.Equal(t, 3.0, inner["y"])
	assert.Equal(t, 4.0, inner["z"])
	assert.Equal(t, "keep", dst["b"])
	// Arrays replace wholesale, never append.
	assert.Equal(t, []any{"two", "three"}, dst["c"])
	assert.Equal(t, true, dst["d"])
}
