package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/telemetry"
	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

// Sink receives every decoded sample. Observe is called from the discovery
// callback and must not block.
type Sink interface {
	Observe(sample decoder.Sample)
}

// Config holds the target sensor and scan timing
type Config struct {
	MACAddress   string
	SensorName   string
	ScanWindow   time.Duration
	ScanInterval time.Duration
	ScanDuration time.Duration
}

// Controller filters advertisements by address, decodes the target's
// payloads and stores the result
type Controller struct {
	radio       Radio
	state       *state.Telemetry
	sinks       []Sink
	targetMAC   string
	sensorName  string
	window      time.Duration
	interval    time.Duration
	duration    time.Duration
	instruments *telemetry.Instruments
	logger      *zap.Logger

	discoveries atomic.Int64
	decoded     atomic.Int64
}

// New creates a scan controller for a single sensor
func New(cfg Config, radio Radio, st *state.Telemetry, logger *zap.Logger, sinks ...Sink) *Controller {
	return &Controller{
		radio:      radio,
		state:      st,
		sinks:      sinks,
		targetMAC:  strings.ToUpper(strings.TrimSpace(cfg.MACAddress)),
		sensorName: cfg.SensorName,
		window:     cfg.ScanWindow,
		interval:   cfg.ScanInterval,
		duration:   cfg.ScanDuration,
		logger:     logger,
	}
}

// WithInstruments attaches OpenTelemetry counters
func (c *Controller) WithInstruments(ins *telemetry.Instruments) *Controller {
	c.instruments = ins
	return c
}

// Start activates the radio and registers the controller as its handler
func (c *Controller) Start() error {
	c.logger.Info("initializing BLE radio", zap.String("target_mac", c.targetMAC))

	if err := c.radio.SetActive(true); err != nil {
		return fmt.Errorf("failed to enable BLE radio: %w", err)
	}
	c.radio.SetDiscoveryHandler(c)

	c.logger.Info("BLE radio initialized successfully")
	return nil
}

// StartScan begins a time-bounded scan and returns immediately
func (c *Controller) StartScan(ctx context.Context) error {
	ctx, span := otel.Tracer("scanner").Start(ctx, "scanner.StartScan")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("ble.scan_window_ms", c.window.Milliseconds()),
		attribute.Int64("ble.scan_interval_ms", c.interval.Milliseconds()),
		attribute.Int64("ble.scan_duration_ms", c.duration.Milliseconds()),
	)

	started, err := c.radio.Scan(c.window, c.interval, c.duration)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	span.SetAttributes(attribute.Bool("ble.scan_started", started))
	if !started {
		c.logger.Debug("BLE scan already running, joining it")
		return nil
	}

	if c.instruments != nil {
		c.instruments.Scans.Add(ctx, 1)
	}
	c.logger.Debug("BLE scan started", zap.Duration("duration", c.duration))
	return nil
}

// OnDiscovery handles a single advertisement
func (c *Controller) OnDiscovery(adv Advertisement) {
	c.discoveries.Add(1)

	mac := strings.ToUpper(adv.Address)
	if mac != c.targetMAC {
		return
	}

	sample, err := decoder.Decode(adv.Payload, decoder.FormatRAWv2)
	if err != nil {
		c.count(func(ins *telemetry.Instruments) metric.Int64Counter { return ins.DecodeFailures })
		if errors.Is(err, decoder.ErrNotFound) {
			c.logger.Debug("no ruuvi data in advertisement", zap.String("mac", mac))
		} else {
			c.logger.Warn("failed to decode ruuvi advertisement",
				zap.String("mac", mac),
				zap.Binary("payload", adv.Payload),
				zap.Error(err),
			)
		}
		return
	}

	sample.Timestamp = time.Now()
	sample.MAC = mac
	sample.RSSI = adv.RSSI

	c.state.Store(sample)
	c.decoded.Add(1)
	c.count(func(ins *telemetry.Instruments) metric.Int64Counter { return ins.Decodes })

	for _, sink := range c.sinks {
		sink.Observe(sample)
	}

	c.logger.Info("sensor_reading",
		zap.String("sensor_name", c.sensorName),
		zap.String("mac", mac),
		zap.Float64("temperature_celsius", sample.TemperatureCelsius),
		zap.Float64("humidity_percent", sample.HumidityPercent),
		zap.Float64("pressure_hpa", sample.PressureHPa),
		zap.Int16("rssi_dbm", sample.RSSI),
	)
}

// OnScanComplete logs the scan summary and resets the per-scan counts.
// An empty scan is not an error.
func (c *Controller) OnScanComplete() {
	c.logger.Debug("BLE scan complete",
		zap.Int64("discoveries", c.discoveries.Swap(0)),
		zap.Int64("decoded", c.decoded.Swap(0)),
	)
}

// TargetMAC returns the normalised address of the tracked sensor
func (c *Controller) TargetMAC() string {
	return c.targetMAC
}

func (c *Controller) count(counter func(*telemetry.Instruments) metric.Int64Counter) {
	if c.instruments == nil {
		return
	}
	counter(c.instruments).Add(context.Background(), 1)
}
