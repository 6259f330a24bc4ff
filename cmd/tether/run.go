package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/api"
	"github.com/energizer-project/tether/internal/cli"
	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/db"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/health"
	"github.com/energizer-project/tether/internal/network"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/scheduler"
	"github.com/energizer-project/tether/internal/server"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/util"
)

const shutdownTimeout = 30 * time.Second

// run wires every component, launches the concurrent tasks and blocks until
// a signal, a console quit or a critical listener failure.
func run(opts options) error {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting tether")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appData := cfg.GetApplicationData()
	serverData := cfg.GetServerData()

	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxSizeMB:  appData.Logging.MaxSizeMB,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	for name, port := range map[string]int{"session": serverData.SessionPort, "api": serverData.APIPort} {
		if !config.IsPortAvailable(port) {
			log.Warn().Str("listener", name).Int("port", port).Msg("port is in use, binding will be retried")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components
	eventBus := events.NewEventBus()
	reg := registry.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)

	shutdownTracing, err := telemetry.SetupTracing(ctx, appData.Tracing, "tether")
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize tracing, spans disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	mgr := server.NewManager(cfg, reg, eventBus, metrics)

	tickInterval := time.Duration(serverData.TickIntervalMs) * time.Millisecond
	broadcaster := scheduler.NewBroadcaster(reg, tickInterval, eventBus, metrics)
	ticks := health.NewTickMonitor(eventBus)
	healthMgr := health.NewManager(cfg, eventBus, reg, broadcaster, ticks)

	var (
		sessionLog *db.SessionLog
		store      scheduler.SessionStore
	)
	if appData.SessionLog.Enabled {
		sessionLog, err = db.NewSessionLog(appData.SessionLog.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session log, auditing disabled")
		} else {
			sessionLog.Subscribe(eventBus)
			store = sessionLog
		}
	}
	sched := scheduler.NewScheduler(cfg, reg, store, broadcaster)

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	listener := network.NewSessionListener(cfg, mgr, reg)

	apiServer := api.NewServer(cfg, eventBus, mgr, version)
	apiServer.SetDependencies(ticks, sessionLog, promReg)

	// A console quit arrives as a shutdown event.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			select {
			case quitCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", serverData.SessionPort).Str("path", serverData.SessionPath).Msg("starting session listener")
		if err := startWithRetry(ctx, "session listener", listener.Start, 15); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("session listener failed after retries")
			errCh <- fmt.Errorf("session listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Dur("interval", tickInterval).Msg("starting broadcast loop")
		broadcaster.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", serverData.APIPort).Msg("starting admin API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if !opts.noConsole {
		console := cli.NewCLI(cfg, eventBus, reg, broadcaster, ticks, os.Stdin, os.Stdout)
		// Not tracked by wg: a console blocked on stdin must not hold up shutdown.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	deadline := time.Now().Add(shutdownTimeout)

	eventBus.EmitSync(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})
	cancel()

	if err := mgr.Shutdown(time.Until(deadline)); err != nil {
		log.Warn().Err(err).Msg("sessions did not close in time")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(time.Until(deadline)):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}

	// Stop the bus before closing its subscribers' resources so pending
	// session log writes land.
	eventBus.Stop()

	if sessionLog != nil {
		if err := sessionLog.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close session log")
		}
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn().Err(err).Msg("failed to flush traces")
	}

	log.Info().Msg("tether stopped")
	return runErr
}

// startWithRetry attempts to start a listener with retry on bind errors.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
