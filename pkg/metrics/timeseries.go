package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/types"
)

const (
	metricTemperature = "ruuvi_temperature_celsius"
	metricHumidity    = "ruuvi_humidity_percent"
	metricPressure    = "ruuvi_pressure_hpa"
)

// BuildRuuviTimeSeries builds three series per sensor: temperature, humidity
// and pressure, labelled with mac and sensor_name.
func BuildRuuviTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildRuuviTimeSeries")
	defer span.End()

	type sensorKey struct {
		mac  string
		name string
	}
	bySensor := make(map[sensorKey][]*types.Reading)
	var keys []sensorKey
	for _, r := range readings {
		if r == nil {
			continue
		}
		key := sensorKey{mac: r.MAC, name: r.SensorName}
		if _, ok := bySensor[key]; !ok {
			keys = append(keys, key)
		}
		bySensor[key] = append(bySensor[key], r)
	}

	// Remote write expects samples in timestamp order within a series
	for _, rs := range bySensor {
		sort.SliceStable(rs, func(i, j int) bool {
			return rs[i].GetTimestamp().Before(rs[j].GetTimestamp())
		})
	}

	var timeSeries []prompb.TimeSeries
	for _, key := range keys {
		rs := bySensor[key]
		timeSeries = append(timeSeries,
			series(metricTemperature, key.mac, key.name, rs, func(r *types.Reading) float64 { return r.TemperatureCelsius }),
			series(metricHumidity, key.mac, key.name, rs, func(r *types.Reading) float64 { return r.HumidityPercent }),
			series(metricPressure, key.mac, key.name, rs, func(r *types.Reading) float64 { return r.PressureHPa }),
		)
	}

	span.SetAttributes(attribute.Int("metrics.ruuvi_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "ruuvi time series built")

	return timeSeries, nil
}

func series(name, mac, sensorName string, readings []*types.Reading, value func(*types.Reading) float64) prompb.TimeSeries {
	samples := make([]prompb.Sample, 0, len(readings))
	for _, r := range readings {
		samples = append(samples, prompb.Sample{
			Value:     value(r),
			Timestamp: r.Timestamp.UnixMilli(),
		})
	}

	return prompb.TimeSeries{
		Labels: []prompb.Label{
			{Name: "__name__", Value: name},
			{Name: "mac", Value: mac},
			{Name: "sensor_name", Value: sensorName},
		},
		Samples: samples,
	}
}
