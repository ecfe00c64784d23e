package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/config"
	"github.com/mjasion/balena-home/ruuvi-bridge/health"
	"github.com/mjasion/balena-home/ruuvi-bridge/heartbeat"
	"github.com/mjasion/balena-home/ruuvi-bridge/link"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/buffer"
	pkgconfig "github.com/mjasion/balena-home/ruuvi-bridge/pkg/config"
	pkgmetrics "github.com/mjasion/balena-home/ruuvi-bridge/pkg/metrics"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/profiling"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/telemetry"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/types"
	"github.com/mjasion/balena-home/ruuvi-bridge/publisher"
	"github.com/mjasion/balena-home/ruuvi-bridge/radio"
	"github.com/mjasion/balena-home/ruuvi-bridge/scanner"
	"github.com/mjasion/balena-home/ruuvi-bridge/schedule"
	"github.com/mjasion/balena-home/ruuvi-bridge/server"
	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := pkgconfig.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("ruuvi bridge failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting ruuvi bridge")
	cfg.PrintConfig(logger)

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	instruments, err := telemetry.NewInstruments()
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	ctx, startSpan := otel.Tracer("main").Start(ctx, "main.startup")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	telemetryState := state.New()
	var sinks []scanner.Sink

	var pusher *pkgmetrics.Pusher
	if cfg.Prometheus.Enabled {
		ringBuffer := buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)
		pusher = pkgmetrics.New(pkgmetrics.Config{
			URL:               cfg.Prometheus.URL,
			Username:          cfg.Prometheus.Username,
			Password:          cfg.Prometheus.Password,
			PushInterval:      time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
			BatchSize:         cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: pkgmetrics.BuildRuuviTimeSeries,
		}, ringBuffer, logger)
		sinks = append(sinks, scanner.NewBufferSink(ringBuffer, cfg.BLE.SensorName))

		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
		logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))
	}

	if cfg.MQTT.Enabled {
		mqttPublisher := publisher.New(publisher.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			SensorName:  cfg.BLE.SensorName,
			QoS:         byte(cfg.MQTT.QoS),
			QueueSize:   cfg.MQTT.QueueSize,
		}, logger)
		sinks = append(sinks, mqttPublisher)

		wg.Add(1)
		go func() {
			defer wg.Done()
			mqttPublisher.Run(ctx)
		}()
	}

	bleRadio := radio.New(logger)
	controller := scanner.New(scanner.Config{
		MACAddress:   cfg.BLE.MACAddress,
		SensorName:   cfg.BLE.SensorName,
		ScanWindow:   cfg.BLE.ScanWindow(),
		ScanInterval: cfg.BLE.ScanInterval(),
		ScanDuration: cfg.BLE.ScanDuration(),
	}, bleRadio, telemetryState, logger, sinks...).WithInstruments(instruments)

	if err := controller.Start(); err != nil {
		startSpan.End()
		return err
	}
	defer func() {
		if err := bleRadio.SetActive(false); err != nil {
			logger.Warn("failed to stop BLE radio", zap.Error(err))
		}
	}()

	bindAddress, err := link.New(link.Config{
		BindAddress:   cfg.Network.BindAddress,
		Interface:     cfg.Network.Interface,
		RetryAttempts: uint(cfg.Network.RetryAttempts),
		RetryInterval: time.Duration(cfg.Network.RetryIntervalMillis) * time.Millisecond,
	}, logger).Establish(ctx)
	if err != nil {
		startSpan.End()
		return err
	}

	listener, err := server.Listen(bindAddress, cfg.Server.Port)
	if err != nil {
		startSpan.End()
		return err
	}

	if cfg.BLE.BackgroundScanSchedule != "" {
		backgroundScans, err := schedule.New(ctx, cfg.BLE.BackgroundScanSchedule, controller, logger)
		if err != nil {
			listener.Close()
			startSpan.End()
			return err
		}
		backgroundScans.Start()
		defer backgroundScans.Stop()
	}

	if cfg.Health.Port != 0 {
		var pushStatus health.PushStatus
		if pusher != nil {
			pushStatus = pusher
		}
		healthChecker := health.NewChecker(
			telemetryState,
			pushStatus,
			time.Duration(cfg.Health.SampleMaxAgeSeconds)*time.Second,
			3*time.Duration(cfg.Prometheus.PushIntervalSeconds)*time.Second,
			cfg.Health.Port,
			logger,
		)
		go func() {
			if err := healthChecker.Start(); err != nil {
				logger.Error("health check server error", zap.Error(err))
			}
		}()
		defer healthChecker.Stop()
	}

	clock := server.SystemClock{}
	srv := server.New(server.Config{
		AcceptTimeout: time.Duration(cfg.Server.AcceptTimeoutMillis) * time.Millisecond,
		SettleDelay:   time.Duration(cfg.Server.SettleDelayMillis) * time.Millisecond,
		IOTimeout:     time.Duration(cfg.Server.IOTimeoutMillis) * time.Millisecond,
		ScanOnRequest: cfg.Server.ScanOnRequest,
		ReturnEarly:   cfg.Server.ReturnEarly,
	}, listener, controller, telemetryState, heartbeat.New(newHeartbeatOutput(cfg, logger), clock.Now(), logger), clock, logger).
		WithInstruments(instruments)

	startSpan.End()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		runErr = <-serveErr
	case runErr = <-serveErr:
		logger.Info("server stopped")
		cancel()
	}

	if pusher != nil {
		logger.Info("performing final metrics push")
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pusher.Flush(finalCtx)
		finalCancel()
	}

	logger.Info("waiting for goroutines to finish")
	wg.Wait()

	logger.Info("ruuvi bridge stopped")
	return runErr
}

// newHeartbeatOutput prefers the configured LED and falls back to logging
func newHeartbeatOutput(cfg *config.Config, logger *zap.Logger) heartbeat.Output {
	if cfg.Heartbeat.LED == "" {
		return heartbeat.NewLogOutput(logger)
	}

	led, err := heartbeat.NewLEDOutput(cfg.Heartbeat.LED)
	if err != nil {
		logger.Warn("heartbeat LED unavailable, logging instead", zap.Error(err))
		return heartbeat.NewLogOutput(logger)
	}
	return led
}
