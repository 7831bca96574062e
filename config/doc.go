// Package config provides configuration management for the envgate daemon.
//
// Configuration is plain JSON loaded over built-in defaults, with
// environment variable overrides applied last. There is no runtime
// reload: the daemon reads its configuration once at startup.
//
// # Core Components
//
// Config: typed configuration covering the gateway identity, NATS
// connection, the two ingestion transports (broadcast and socket), the
// arbiter, reading history, egress outputs, API server, metrics and
// logging. Every section validates itself via Validate().
//
// Loader: merges JSON layers (base + overrides) over DefaultConfig and
// applies ENVGATE_* environment variables.
//
// # Basic Usage
//
// Loading configuration from files with layer merging:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.json")
//	loader.AddLayer("config/production.json") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// A single file on top of the defaults:
//
//	cfg, err := config.NewLoader().LoadFile("/etc/envgate/config.json")
//
// # Environment Variable Overrides
//
// Selected values can be overridden at runtime, which keeps credentials
// and per-host addresses out of checked-in config files:
//
//	export ENVGATE_SOCKET_HOST="192.168.4.20"
//	export ENVGATE_SOCKET_ENABLED="true"
//	export ENVGATE_NATS_PASSWORD="..."
//	export ENVGATE_NATS_URLS="nats://server1:4222,nats://server2:4222"
//
// The full list of supported variables is the envOverrides table in
// loader.go; all keys carry the ENVGATE_ prefix.
//
// # Durations
//
// Duration fields accept Go duration strings or plain numeric seconds:
//
//	"reconnect_wait": "2s"
//	"reconnect_wait": 2
//
// # Layer Merging
//
// Layers merge with last-wins semantics per key; nested objects merge
// key by key, arrays replace wholesale:
//
//	base.json:
//	  {"socket": {"host": "dev-hub", "port": 8899}}
//
//	production.json:
//	  {"socket": {"host": "prod-hub"}}
//
//	Result:
//	  {"socket": {"host": "prod-hub", "port": 8899}}
//
// # Input Guards
//
// File input is bounded before parsing: 1MB size limit, 32-level JSON
// nesting limit, .json extension and regular-file checks. Environment
// values are bounded at 4096 bytes.
package config
