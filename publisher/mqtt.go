package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
)

// Config contains MQTT broker and topic settings
type Config struct {
	Broker         string // tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	SensorName     string
	QoS            byte
	QueueSize      int
	PublishTimeout time.Duration
}

// Telemetry is the JSON document published per decoded sample
type Telemetry struct {
	MAC         string    `json:"mac"`
	SensorName  string    `json:"sensor_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature_c"`
	Humidity    float64   `json:"humidity_pct"`
	Pressure    float64   `json:"pressure_hpa"`
	RSSI        int16     `json:"rssi_dbm"`
}

// client is the part of mqtt.Client the publisher uses
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes decoded samples to a broker. Observe only enqueues, so it is
// safe to call from the BLE discovery callback.
type MQTT struct {
	cfg     Config
	client  client
	queue   chan decoder.Sample
	dropped atomic.Int64
	logger  *zap.Logger
}

// New creates a publisher with an auto-reconnecting paho client
func New(cfg Config, logger *zap.Logger) *MQTT {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	return newWithClient(cfg, mqtt.NewClient(opts), logger)
}

func newWithClient(cfg Config, c client, logger *zap.Logger) *MQTT {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTT{
		cfg:    cfg,
		client: c,
		queue:  make(chan decoder.Sample, cfg.QueueSize),
		logger: logger,
	}
}

// Observe enqueues a sample, dropping it when the queue is full
func (m *MQTT) Observe(sample decoder.Sample) {
	select {
	case m.queue <- sample:
	default:
		m.dropped.Add(1)
		m.logger.Warn("mqtt queue full, dropping sample",
			zap.String("mac", sample.MAC),
			zap.Int64("dropped_total", m.dropped.Load()),
		)
	}
}

// Dropped returns how many samples were discarded because the queue was full
func (m *MQTT) Dropped() int64 {
	return m.dropped.Load()
}

// Run connects and publishes queued samples until ctx is cancelled.
// The connection keeps retrying in the background, so Run only waits for the
// first attempt to be issued.
func (m *MQTT) Run(ctx context.Context) {
	m.client.Connect()
	defer func() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}()

	m.logger.Info("mqtt publisher started",
		zap.String("broker", m.cfg.Broker),
		zap.String("topic_prefix", m.cfg.TopicPrefix),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-m.queue:
			if err := m.publish(sample); err != nil {
				m.logger.Warn("failed to publish telemetry", zap.Error(err))
			}
		}
	}
}

// Topic returns <prefix>/<mac>/telemetry with the MAC in lower case and no colons
func (m *MQTT) Topic(mac string) string {
	id := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	return fmt.Sprintf("%s/%s/telemetry", strings.TrimSuffix(m.cfg.TopicPrefix, "/"), id)
}

func (m *MQTT) publish(sample decoder.Sample) error {
	data, err := json.Marshal(Telemetry{
		MAC:         sample.MAC,
		SensorName:  m.cfg.SensorName,
		Timestamp:   sample.Timestamp,
		Temperature: sample.TemperatureCelsius,
		Humidity:    sample.HumidityPercent,
		Pressure:    sample.PressureHPa,
		RSSI:        sample.RSSI,
	})
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	topic := m.Topic(sample.MAC)
	token := m.client.Publish(topic, m.cfg.QoS, false, data)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish telemetry to %s: %w", topic, err)
	}

	m.logger.Debug("published telemetry", zap.String("topic", topic))
	return nil
}
