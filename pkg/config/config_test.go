package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLogging(t *testing.T) {
	tests := []struct {
		name        string
		cfg         LoggingConfig
		expectedErr string
	}{
		{name: "console info", cfg: LoggingConfig{Format: "console", Level: "info"}},
		{name: "uppercase normalised", cfg: LoggingConfig{Format: "JSON", Level: "DEBUG"}},
		{name: "logfmt", cfg: LoggingConfig{Format: "logfmt", Level: "warn"}},
		{name: "bad format", cfg: LoggingConfig{Format: "xml", Level: "info"}, expectedErr: "logFormat must be"},
		{name: "bad level", cfg: LoggingConfig{Format: "json", Level: "trace"}, expectedErr: "logLevel must be one of"},
		{
			name:        "file without size",
			cfg:         LoggingConfig{Format: "json", Level: "info", File: "/tmp/x.log"},
			expectedErr: "logMaxSizeMB must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLogging(&tt.cfg)
			if tt.expectedErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				if tt.cfg.Format != strings.ToLower(tt.cfg.Format) {
					t.Errorf("Expected format to be lowercased, got %s", tt.cfg.Format)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got '%v'", tt.expectedErr, err)
			}
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"console", "json", "logfmt"} {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger(&LoggingConfig{Format: format, Level: "debug"})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			logger.Debug("logger smoke test")
		})
	}
}

func TestNewLogger_RotatingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bridge.log")

	logger, err := NewLogger(&LoggingConfig{
		Format:     "console",
		Level:      "info",
		File:       logPath,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	logger.Info("written to file")
	_ = logger.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Expected log file to exist: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected log line in file, got: %s", string(data))
	}
}

func TestNewLogger_UnknownFormat(t *testing.T) {
	if _, err := NewLogger(&LoggingConfig{Format: "yaml", Level: "info"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestValidateOpenTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	disabled := OpenTelemetryConfig{Enabled: false}
	if err := ValidateOpenTelemetry(&disabled); err != nil {
		t.Errorf("Expected disabled config to pass, got: %v", err)
	}

	missingEndpoint := OpenTelemetryConfig{
		Enabled:     true,
		ServiceName: "ruuvi-bridge",
		Traces:      OTelTracesConfig{Enabled: true, SamplingRatio: 1},
	}
	if err := ValidateOpenTelemetry(&missingEndpoint); err == nil {
		t.Error("Expected error for missing traces endpoint")
	}

	valid := OpenTelemetryConfig{
		Enabled:     true,
		ServiceName: "ruuvi-bridge",
		Endpoint:    "localhost:4318",
		Traces:      OTelTracesConfig{Enabled: true, SamplingRatio: 0.5},
		Metrics:     OTelMetricsConfig{Enabled: true, IntervalMillis: 30000},
	}
	if err := ValidateOpenTelemetry(&valid); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
	if valid.TracesEndpoint() != "localhost:4318" || valid.MetricsEndpoint() != "localhost:4318" {
		t.Errorf("Expected endpoints to fall back to general endpoint")
	}

	badRatio := valid
	badRatio.Traces.SamplingRatio = 2
	if err := ValidateOpenTelemetry(&badRatio); err == nil {
		t.Error("Expected error for sampling ratio > 1")
	}

	shortInterval := valid
	shortInterval.Metrics.IntervalMillis = 10
	if err := ValidateOpenTelemetry(&shortInterval); err == nil {
		t.Error("Expected error for metrics interval < 1000ms")
	}
}

func TestValidateProfiling(t *testing.T) {
	if err := ValidateProfiling(&ProfilingConfig{Enabled: false}); err != nil {
		t.Errorf("Expected disabled config to pass, got: %v", err)
	}

	cfg := ProfilingConfig{
		Enabled:         true,
		ApplicationName: "ruuvi-bridge",
		ServerAddress:   "http://pyroscope:4040",
		ProfileTypes:    []string{"cpu", "inuse_space"},
	}
	if err := ValidateProfiling(&cfg); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}

	cfg.ProfileTypes = []string{"cpu", "wallclock"}
	if err := ValidateProfiling(&cfg); err == nil || !strings.Contains(err.Error(), "unknown profile type") {
		t.Errorf("Expected unknown profile type error, got: %v", err)
	}

	cfg.ProfileTypes = nil
	if err := ValidateProfiling(&cfg); err == nil {
		t.Error("Expected error when no profile types are enabled")
	}

	cfg.ProfileTypes = []string{"cpu"}
	cfg.ServerAddress = ""
	if err := ValidateProfiling(&cfg); err == nil {
		t.Error("Expected error for missing server address")
	}
}
