// Package main implements the entry point for the envgate gateway.
// Envgate ingests environmental telemetry from embedded sensors over a
// broadcast listener and a persistent socket stream, arbitrates between
// the two and fans arbitrated readings out to NATS, webhook, SQLite and
// WebSocket consumers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/envgate/api"
	"github.com/c360/envgate/arbiter"
	"github.com/c360/envgate/component"
	"github.com/c360/envgate/config"
	"github.com/c360/envgate/health"
	"github.com/c360/envgate/history"
	"github.com/c360/envgate/input/broadcast"
	"github.com/c360/envgate/input/socket"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/natsclient"
	"github.com/c360/envgate/output/natspub"
	"github.com/c360/envgate/output/recorder"
	"github.com/c360/envgate/output/webhook"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "envgate"
)

const (
	componentStopTimeout = 5 * time.Second
	healthInterval       = 10 * time.Second
	natsCloseTimeout     = 10 * time.Second
)

func main() {
	// Add panic recovery
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
	// A .env file feeds both the flag fallbacks and the ENVGATE_* config
	// overrides, so it loads before anything reads the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		_, _ = fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}

	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	// Bootstrap logger so config problems report consistently; the
	// configured logger replaces it once the file is loaded.
	bootLevel := "info"
	if cliCfg.Debug {
		bootLevel = "debug"
	}
	slog.SetDefault(setupLogger(bootLevel, "text"))

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	level := cfg.Log.Level
	if cliCfg.Debug {
		level = "debug"
	}
	logger := setupLogger(level, cfg.Log.Format)
	slog.SetDefault(logger)

	slog.Info("starting envgate",
		"version", Version,
		"build_time", BuildTime,
		"gateway", cfg.Gateway.Name,
		"environment", cfg.Gateway.Environment,
		"config_path", cliCfg.ConfigPath)

	return runGateway(context.Background(), cfg, logger)
}

// loadConfig builds the effective configuration. An empty path runs on
// defaults plus ENVGATE_* environment overrides.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}

// runGateway assembles the component graph and runs it until a shutdown
// signal arrives.
func runGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				slog.Warn("metrics server stop failed", "error", err)
			}
		}()
		slog.Info("metrics server listening", "address", metricsServer.Address())
	}

	var natsClient *natsclient.Client
	if cfg.NATS.Enabled {
		var err error
		natsClient, err = connectNATS(ctx, cfg, registry, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), natsCloseTimeout)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				slog.Warn("NATS close failed", "error", err)
			}
		}()
	}

	monitor := health.NewMonitor()

	deps := &component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: registry,
		Logger:          logger,
	}
	if natsClient != nil {
		if conn := natsClient.GetConnection(); conn != nil {
			deps.LogPublisher = conn
		}
	}

	manager, arb, err := buildComponents(cfg, deps, monitor)
	if err != nil {
		return err
	}

	if err := manager.InitializeAll(); err != nil {
		return err
	}
	// StartAll unwinds already started components on failure.
	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	applyTransportIntents(cfg, arb)

	collectorStop := make(chan struct{})
	collectorDone := make(chan struct{})
	go collectHealth(monitor, manager, collectorStop, collectorDone)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("envgate started", "components", len(manager.Names()))

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	close(collectorStop)
	<-collectorDone

	if err := manager.StopAll(componentStopTimeout); err != nil {
		slog.Error("component shutdown reported errors", "error", err)
	}
	slog.Info("envgate shutdown complete")
	return nil
}

// connectNATS dials the broker before any component starts. A broker that
// cannot be reached at boot is fatal; run with nats.enabled off to operate
// without one.
func connectNATS(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	name := cfg.NATS.Name
	if name == "" {
		name = appName + "-" + cfg.Gateway.Name
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(time.Duration(cfg.NATS.ReconnectWait)),
		natsclient.WithTimeout(time.Duration(cfg.NATS.ConnectTimeout)),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger.With("component", "nats"))),
		natsclient.WithCoreMetrics(registry.CoreMetrics()),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.NATS.ConnectTimeout))
	defer cancel()

	slog.Info("connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return client, nil
}

// buildComponents assembles the component graph in start order and
// registers it with a lifecycle manager. The arbiter comes first so its
// Initialize wires transport sinks before either transport starts. Both
// transports are always built: the API can switch them on at runtime
// regardless of boot intent.
func buildComponents(
	cfg *config.Config,
	deps *component.Dependencies,
	monitor *health.Monitor,
) (*component.Manager, *arbiter.Arbiter, error) {
	registry := deps.MetricsRegistry

	listenAddr := cfg.Broadcast.ListenAddr
	if listenAddr == "" {
		listenAddr = config.DefaultConfig().Broadcast.ListenAddr
	}
	scanner := broadcast.NewUDPScanner(
		listenAddr,
		cfg.Broadcast.ReadBufferBytes,
		deps.GetLoggerWithComponent("udp-scanner"))

	bcast := broadcast.NewAdapter(broadcast.AdapterDeps{
		Name:            "broadcast",
		Scanner:         scanner,
		MetricsRegistry: registry,
		Logger:          deps.GetLoggerWithComponent("broadcast"),
	})

	sock := socket.NewClient(socket.ClientDeps{
		Name: "socket",
		Config: socket.Config{
			Addr:                 cfg.SocketAddr(),
			DialTimeout:          time.Duration(cfg.Socket.DialTimeout),
			MaxLineBytes:         cfg.Socket.MaxLineBytes,
			ReconnectBase:        time.Duration(cfg.Socket.Reconnect.Base),
			ReconnectMax:         time.Duration(cfg.Socket.Reconnect.Max),
			ReconnectMaxAttempts: cfg.Socket.Reconnect.MaxAttempts,
		},
		MetricsRegistry: registry,
		Logger:          deps.GetLoggerWithComponent("socket"),
	})

	arb := arbiter.New(arbiter.Deps{
		Name:            "arbiter",
		Broadcast:       bcast,
		Socket:          sock,
		MetricsRegistry: registry,
		Logger:          deps.GetLoggerWithComponent("arbiter"),
	})

	hist := history.New(history.Deps{
		Name:            "history",
		Config:          historyConfig(cfg),
		Source:          arb,
		MetricsRegistry: registry,
		Logger:          deps.GetLoggerWithComponent("history"),
	})

	manager := component.NewManager(deps.GetLoggerWithComponent("manager"), deps.CoreMetrics())

	register := func(name string, comp component.LifecycleComponent) error {
		if err := manager.Register(name, comp); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		return nil
	}

	for _, c := range []struct {
		name string
		comp component.LifecycleComponent
	}{
		{"arbiter", arb},
		{"broadcast", bcast},
		{"socket", sock},
		{"history", hist},
	} {
		if err := register(c.name, c.comp); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Outputs.NATS.Enabled {
		if deps.NATSClient == nil {
			return nil, nil, fmt.Errorf("outputs.nats requires nats.enabled")
		}
		pub := natspub.NewPublisher(natspub.PublisherDeps{
			Name: "natspub",
			Config: natspub.Config{
				SubjectPrefix: cfg.Outputs.NATS.SubjectPrefix,
				QueueSize:     cfg.Outputs.NATS.QueueSize,
			},
			Source:          arb,
			Conn:            deps.NATSClient,
			MetricsRegistry: registry,
			Logger:          deps.GetLoggerWithComponent("natspub"),
		})
		if err := register("natspub", pub); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Outputs.Webhook.Enabled {
		fwd, err := webhook.NewForwarder(webhook.ForwarderDeps{
			Name: "webhook",
			Config: webhook.Config{
				URL:                cfg.Outputs.Webhook.URL,
				Headers:            cfg.Outputs.Webhook.Headers,
				Timeout:            time.Duration(cfg.Outputs.Webhook.Timeout),
				MaxRetries:         cfg.Outputs.Webhook.MaxRetries,
				QueueSize:          cfg.Outputs.Webhook.QueueSize,
				BreakerMaxFailures: cfg.Outputs.Webhook.BreakerMaxFailures,
				BreakerCooldown:    time.Duration(cfg.Outputs.Webhook.BreakerCooldown),
			},
			Source:          arb,
			MetricsRegistry: registry,
			Logger:          deps.GetLoggerWithComponent("webhook"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create webhook forwarder: %w", err)
		}
		if err := register("webhook", fwd); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Outputs.Recorder.Enabled {
		rec, err := recorder.NewRecorder(recorder.RecorderDeps{
			Name: "recorder",
			Config: recorder.Config{
				Path:       cfg.Outputs.Recorder.Path,
				Retention:  time.Duration(cfg.Outputs.Recorder.Retention),
				PruneEvery: time.Duration(cfg.Outputs.Recorder.PruneEvery),
				BatchSize:  cfg.Outputs.Recorder.BatchSize,
				QueueSize:  cfg.Outputs.Recorder.QueueSize,
			},
			Source:          arb,
			MetricsRegistry: registry,
			Logger:          deps.GetLoggerWithComponent("recorder"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create recorder: %w", err)
		}
		if err := register("recorder", rec); err != nil {
			return nil, nil, err
		}
	}

	if cfg.API.Enabled {
		srv, err := api.NewServer(api.ServerDeps{
			Name: "api",
			Config: api.Config{
				ListenAddr:   cfg.API.ListenAddr,
				WSSendBuffer: cfg.API.WSSendBuffer,
			},
			Controller:      arb,
			History:         hist,
			Health:          monitor,
			MetricsRegistry: registry,
			Logger:          deps.GetLoggerWithComponent("api"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create api server: %w", err)
		}
		if err := register("api", srv); err != nil {
			return nil, nil, err
		}
	}

	return manager, arb, nil
}

// historyConfig maps the history section onto aggregator settings. The
// arbiter subscriber buffer sizes the aggregator's raw-stream
// subscription.
func historyConfig(cfg *config.Config) history.Config {
	hc := history.Config{
		Capacity:         cfg.History.Capacity,
		GroupWindow:      time.Duration(cfg.History.GroupWindow),
		HighlightDecay:   time.Duration(cfg.History.HighlightDecay),
		BackgroundDecay:  time.Duration(cfg.History.BackgroundDecay),
		SubscriberBuffer: cfg.Arbiter.SubscriberBuffer,
	}
	if cfg.History.DeviceFilter != nil {
		id := uint8(*cfg.History.DeviceFilter)
		hc.DeviceFilter = &id
	}
	return hc
}

// applyTransportIntents switches on the transports the configuration asks
// for. Failures are logged rather than fatal; both transports stay
// controllable through the API afterwards.
func applyTransportIntents(cfg *config.Config, arb *arbiter.Arbiter) {
	if cfg.Broadcast.Enabled {
		if err := arb.StartBroadcast(); err != nil {
			slog.Warn("broadcast start failed", "error", err)
		}
	}
	if cfg.Socket.Enabled {
		if err := arb.StartSocket(); err != nil {
			slog.Warn("socket start failed", "error", err)
		}
	}
}

// collectHealth feeds component health into the monitor until stopped.
func collectHealth(
	monitor *health.Monitor,
	manager *component.Manager,
	stop <-chan struct{},
	done chan<- struct{},
) {
	defer close(done)

	update := func() {
		for name, hs := range manager.HealthSnapshot() {
			monitor.UpdateComponent(name, hs)
		}
	}
	update()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			update()
		}
	}
}
