package server

import (
	"strconv"
	"strings"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
)

// responseBody renders the sample with ", " and ": " separators. All three
// fields are null when no sample has been decoded yet.
func responseBody(sample decoder.Sample, ok bool) string {
	if !ok {
		return `{"temperature": null, "humidity": null, "pressure": null}`
	}

	var b strings.Builder
	b.WriteString(`{"temperature": `)
	b.WriteString(formatFloat(sample.TemperatureCelsius))
	b.WriteString(`, "humidity": `)
	b.WriteString(formatFloat(sample.HumidityPercent))
	b.WriteString(`, "pressure": `)
	b.WriteString(formatFloat(sample.PressureHPa))
	b.WriteString(`}`)
	return b.String()
}

// formatFloat writes the shortest round-trip form and keeps ".0" on integral values
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// response wraps body in the fixed HTTP/1.0 envelope
func response(body string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.0 200 OK\r\n")
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n")
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
