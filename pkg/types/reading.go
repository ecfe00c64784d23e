package types

import "time"

// Reading is a decoded RuuviTag measurement handed to exporters
type Reading struct {
	Timestamp          time.Time
	MAC                string
	SensorName         string // Friendly name from config
	TemperatureCelsius float64
	HumidityPercent    float64
	PressureHPa        float64
	RSSI               int16
}

// GetTimestamp returns the time the reading was decoded
func (r *Reading) GetTimestamp() time.Time {
	if r == nil {
		return time.Time{}
	}
	return r.Timestamp
}
