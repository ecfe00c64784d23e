package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pkgconfig "github.com/mjasion/balena-home/ruuvi-bridge/pkg/config"
)

// Config represents the application configuration
type Config struct {
	BLE           BLEConfig                     `yaml:"ble"`
	Network       NetworkConfig                 `yaml:"network"`
	Server        ServerConfig                  `yaml:"server"`
	Heartbeat     HeartbeatConfig               `yaml:"heartbeat"`
	MQTT          MQTTConfig                    `yaml:"mqtt"`
	Prometheus    PrometheusConfig              `yaml:"prometheus"`
	Health        HealthConfig                  `yaml:"health"`
	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"openTelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// BLEConfig contains the target sensor and scan timing
type BLEConfig struct {
	MACAddress             string `yaml:"macAddress" env:"RUUVI_MAC_ADDRESS" env-required:"true"`
	SensorName             string `yaml:"sensorName" env:"RUUVI_SENSOR_NAME" env-default:"ruuvitag"`
	ScanDurationMillis     int    `yaml:"scanDurationMillis" env:"SCAN_DURATION_MS" env-default:"10000"`
	ScanIntervalMillis     int    `yaml:"scanIntervalMillis" env:"SCAN_INTERVAL_MS" env-default:"30"`
	ScanWindowMillis       int    `yaml:"scanWindowMillis" env:"SCAN_WINDOW_MS" env-default:"30"`
	BackgroundScanSchedule string `yaml:"backgroundScanSchedule" env:"BACKGROUND_SCAN_SCHEDULE"`
}

// NetworkConfig describes how the bind address is obtained
type NetworkConfig struct {
	BindAddress         string `yaml:"bindAddress" env:"BIND_ADDRESS"`
	Interface           string `yaml:"interface" env:"NETWORK_INTERFACE" env-default:"wlan0"`
	RetryAttempts       int    `yaml:"retryAttempts" env:"NETWORK_RETRY_ATTEMPTS" env-default:"10"`
	RetryIntervalMillis int    `yaml:"retryIntervalMillis" env:"NETWORK_RETRY_INTERVAL_MS" env-default:"1000"`
}

// ServerConfig contains the request loop settings
type ServerConfig struct {
	Port                int  `yaml:"port" env:"SERVER_PORT" env-default:"8000"`
	AcceptTimeoutMillis int  `yaml:"acceptTimeoutMillis" env:"ACCEPT_TIMEOUT_MS" env-default:"100"`
	SettleDelayMillis   int  `yaml:"settleDelayMillis" env:"SETTLE_DELAY_MS" env-default:"1000"`
	IOTimeoutMillis     int  `yaml:"ioTimeoutMillis" env:"IO_TIMEOUT_MS" env-default:"5000"`
	ScanOnRequest       bool `yaml:"scanOnRequest" env:"SCAN_ON_REQUEST" env-default:"true"`
	ReturnEarly         bool `yaml:"returnEarly" env:"RETURN_EARLY" env-default:"false"`
}

// HeartbeatConfig selects the liveness output. An empty LED logs instead.
type HeartbeatConfig struct {
	LED string `yaml:"led" env:"HEARTBEAT_LED"`
}

// MQTTConfig contains optional MQTT publishing settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"clientID" env:"MQTT_CLIENT_ID" env-default:"ruuvi-bridge"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"ruuvi"`
	QoS         int    `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
	QueueSize   int    `yaml:"queueSize" env:"MQTT_QUEUE_SIZE" env-default:"64"`
}

// PrometheusConfig contains optional remote-write settings
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"100"`
}

// HealthConfig contains the health endpoint settings. Port 0 disables it.
type HealthConfig struct {
	Port                int `yaml:"port" env:"HEALTH_CHECK_PORT" env-default:"0"`
	SampleMaxAgeSeconds int `yaml:"sampleMaxAgeSeconds" env:"HEALTH_SAMPLE_MAX_AGE_SECONDS" env-default:"600"`
}

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load loads configuration from a YAML file with environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !macAddressRegex.MatchString(c.BLE.MACAddress) {
		return fmt.Errorf("invalid MAC address format: %s (expected format: XX:XX:XX:XX:XX:XX)", c.BLE.MACAddress)
	}
	c.BLE.MACAddress = strings.ToUpper(c.BLE.MACAddress)

	if c.BLE.ScanDurationMillis < 1 || c.BLE.ScanIntervalMillis < 1 || c.BLE.ScanWindowMillis < 1 {
		return fmt.Errorf("scan duration, interval and window must be at least 1ms")
	}
	if c.BLE.ScanWindowMillis > c.BLE.ScanIntervalMillis {
		return fmt.Errorf("scan window (%dms) must not exceed scan interval (%dms)", c.BLE.ScanWindowMillis, c.BLE.ScanIntervalMillis)
	}
	if c.BLE.BackgroundScanSchedule != "" {
		if _, err := cron.ParseStandard(c.BLE.BackgroundScanSchedule); err != nil {
			return fmt.Errorf("invalid background scan schedule %q: %w", c.BLE.BackgroundScanSchedule, err)
		}
	}
	if !c.Server.ScanOnRequest && c.BLE.BackgroundScanSchedule == "" {
		return fmt.Errorf("a background scan schedule is required when scanOnRequest is disabled")
	}

	if c.Network.BindAddress == "" && c.Network.Interface == "" {
		return fmt.Errorf("either network bind address or interface is required")
	}
	if c.Network.RetryAttempts < 1 {
		return fmt.Errorf("network retry attempts must be at least 1")
	}
	if c.Network.RetryIntervalMillis < 1 {
		return fmt.Errorf("network retry interval must be at least 1ms")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 0 and 65535, got: %d", c.Server.Port)
	}
	if c.Server.AcceptTimeoutMillis < 1 {
		return fmt.Errorf("accept timeout must be at least 1ms")
	}
	if c.Server.SettleDelayMillis < 0 {
		return fmt.Errorf("settle delay must be >= 0")
	}
	if c.Server.IOTimeoutMillis < 1 {
		return fmt.Errorf("I/O timeout must be at least 1ms")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required when MQTT is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt QoS must be 0, 1 or 2, got: %d", c.MQTT.QoS)
		}
		if c.MQTT.QueueSize < 1 {
			return fmt.Errorf("mqtt queue size must be at least 1")
		}
	}

	if c.Prometheus.Enabled {
		if c.Prometheus.URL == "" {
			return fmt.Errorf("prometheus URL is required when remote write is enabled")
		}
		if c.Prometheus.PushIntervalSeconds < 1 {
			return fmt.Errorf("push interval must be at least 1 second")
		}
		if c.Prometheus.BufferSize < 1 {
			return fmt.Errorf("buffer size must be at least 1")
		}
		if c.Prometheus.BatchSize < 1 {
			return fmt.Errorf("batch size must be at least 1")
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health check port must be between 0 and 65535, got: %d", c.Health.Port)
	}
	if c.Health.Port != 0 && c.Health.Port == c.Server.Port {
		return fmt.Errorf("health check port must differ from server port %d", c.Server.Port)
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return err
	}
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return err
	}

	return nil
}

// ScanDuration returns how long a single BLE scan runs
func (b BLEConfig) ScanDuration() time.Duration {
	return time.Duration(b.ScanDurationMillis) * time.Millisecond
}

// ScanInterval returns the requested BLE scan interval
func (b BLEConfig) ScanInterval() time.Duration {
	return time.Duration(b.ScanIntervalMillis) * time.Millisecond
}

// ScanWindow returns the requested BLE scan window
func (b BLEConfig) ScanWindow() time.Duration {
	return time.Duration(b.ScanWindowMillis) * time.Millisecond
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("mac_address", c.BLE.MACAddress),
		zap.String("sensor_name", c.BLE.SensorName),
		zap.Int("scan_duration_ms", c.BLE.ScanDurationMillis),
		zap.Int("scan_interval_ms", c.BLE.ScanIntervalMillis),
		zap.Int("scan_window_ms", c.BLE.ScanWindowMillis),
		zap.String("background_scan_schedule", c.BLE.BackgroundScanSchedule),
		zap.String("bind_address", c.Network.BindAddress),
		zap.String("network_interface", c.Network.Interface),
		zap.Int("server_port", c.Server.Port),
		zap.Int("settle_delay_ms", c.Server.SettleDelayMillis),
		zap.Bool("scan_on_request", c.Server.ScanOnRequest),
		zap.Bool("return_early", c.Server.ReturnEarly),
		zap.String("heartbeat_led", c.Heartbeat.LED),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled),
		zap.String("mqtt_broker", c.MQTT.Broker),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.String("prometheus_username", c.Prometheus.Username),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("health_check_port", c.Health.Port),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
	)
}
