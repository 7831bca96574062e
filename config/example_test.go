package config_test

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/c360/envgate/config"
)

// ExampleLoader_Load demonstrates layered loading: a base file plus an
// environment-specific override, merged over the built-in defaults.
func ExampleLoader_Load() {
	loader := config.NewLoader()
	loader.AddLayer("testdata/base.json")
	loader.AddLayer("testdata/production.json")

	cfg, err := loader.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(cfg.Gateway.Name, cfg.Gateway.Environment)
	fmt.Println(cfg.Socket.Host, cfg.Socket.Enabled)
	// Output:
	// demo-gateway production
	// sensor-hub.local true
}

// ExampleDefaultConfig shows the built-in socket reconnect policy.
func ExampleDefaultConfig() {
	cfg := config.DefaultConfig()

	r := cfg.Socket.Reconnect
	fmt.Printf("%d attempts, %s base, %s cap\n", r.MaxAttempts, r.Base, r.Max)
	// Output: 5 attempts, 1s base, 30s cap
}

// ExampleDuration shows that durations parse from strings or seconds.
func ExampleDuration() {
	var section struct {
		Wait  config.Duration `json:"wait"`
		Pause config.Duration `json:"pause"`
	}
	raw := `{"wait": "1m30s", "pause": 2.5}`
	if err := json.Unmarshal([]byte(raw), &section); err != nil {
		log.Fatal(err)
	}

	fmt.Println(time.Duration(section.Wait), time.Duration(section.Pause))
	// Output: 1m30s 2.5s
}
