package scanner

import (
	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/buffer"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/types"
)

// BufferSink copies samples into a ring buffer for the metrics pusher
type BufferSink struct {
	buffer     *buffer.RingBuffer[*types.Reading]
	sensorName string
}

// NewBufferSink creates a sink that labels readings with sensorName
func NewBufferSink(buf *buffer.RingBuffer[*types.Reading], sensorName string) *BufferSink {
	return &BufferSink{buffer: buf, sensorName: sensorName}
}

// Observe adds the sample to the buffer, overwriting the oldest when full
func (s *BufferSink) Observe(sample decoder.Sample) {
	s.buffer.Add(&types.Reading{
		Timestamp:          sample.Timestamp,
		MAC:                sample.MAC,
		SensorName:         s.sensorName,
		TemperatureCelsius: sample.TemperatureCelsius,
		HumidityPercent:    sample.HumidityPercent,
		PressureHPa:        sample.PressureHPa,
		RSSI:               sample.RSSI,
	})
}
