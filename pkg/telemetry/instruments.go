package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mjasion/balena-home/ruuvi-bridge"

// Instruments are the bridge's counters. They are created from the global
// meter provider and are no-ops when OpenTelemetry is disabled.
type Instruments struct {
	Requests       metric.Int64Counter
	RequestErrors  metric.Int64Counter
	Scans          metric.Int64Counter
	Decodes        metric.Int64Counter
	DecodeFailures metric.Int64Counter
}

// NewInstruments registers the counters on the global meter provider
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)
	var (
		ins Instruments
		err error
	)

	if ins.Requests, err = meter.Int64Counter("ruuvi_bridge.requests",
		metric.WithDescription("Client connections served")); err != nil {
		return nil, err
	}
	if ins.RequestErrors, err = meter.Int64Counter("ruuvi_bridge.request_errors",
		metric.WithDescription("Client connections that failed with an I/O error")); err != nil {
		return nil, err
	}
	if ins.Scans, err = meter.Int64Counter("ruuvi_bridge.scans",
		metric.WithDescription("BLE scans started")); err != nil {
		return nil, err
	}
	if ins.Decodes, err = meter.Int64Counter("ruuvi_bridge.decodes",
		metric.WithDescription("Advertisements decoded from the target sensor")); err != nil {
		return nil, err
	}
	if ins.DecodeFailures, err = meter.Int64Counter("ruuvi_bridge.decode_failures",
		metric.WithDescription("Advertisements from the target sensor that failed to decode")); err != nil {
		return nil, err
	}

	return &ins, nil
}
