package decoder

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const (
	// adTypeManufacturerData is the AD type of Manufacturer Specific Data
	adTypeManufacturerData = 0xFF

	// FormatRAWv2 is Ruuvi Data Format 5, the only layout this decoder reads
	FormatRAWv2 byte = 5

	// RuuviCompanyID is Ruuvi Innovations' Bluetooth SIG company identifier
	RuuviCompanyID uint16 = 0x0499

	// company ID (2) + format (1) + temperature (2) + humidity (2) + pressure (2)
	formatRAWv2MinLen = 9
)

var (
	// ErrNotFound means the payload carries no Ruuvi manufacturer data.
	// Most advertisements seen during a scan end up here.
	ErrNotFound = errors.New("no ruuvi manufacturer data in payload")

	// ErrTruncated means an AD structure claims more bytes than the payload has
	ErrTruncated = errors.New("truncated advertisement payload")

	// ErrUnsupportedFormat means Ruuvi data was found in a format other than 5
	ErrUnsupportedFormat = errors.New("unsupported ruuvi data format")
)

// Sample is a single decoded RuuviTag measurement
type Sample struct {
	Timestamp          time.Time
	MAC                string
	RSSI               int16
	TemperatureCelsius float64
	HumidityPercent    float64
	PressureHPa        float64
}

// Decode walks the AD structures of a raw advertising payload and decodes the
// first Ruuvi manufacturer data block in the requested format.
//
// AD structure layout: length (1) | type (1) | value (length-1).
// Only Data Format 5 is understood; any other format yields ErrUnsupportedFormat.
// Decode never reads past the end of payload.
func Decode(payload []byte, format byte) (Sample, error) {
	if format != FormatRAWv2 {
		return Sample{}, errors.Wrapf(ErrUnsupportedFormat, "requested format %d", format)
	}

	var unsupported error
	offset := 0
	for offset < len(payload) {
		length := int(payload[offset])
		if offset+length >= len(payload) {
			return Sample{}, errors.Wrapf(ErrTruncated,
				"AD structure at offset %d declares %d bytes, %d remain", offset, length, len(payload)-offset-1)
		}

		if length > 0 && payload[offset+1] == adTypeManufacturerData {
			value := payload[offset+2 : offset+1+length]
			sample, err := decodeManufacturerData(value, format)
			switch {
			case err == nil:
				return sample, nil
			case errors.Is(err, ErrUnsupportedFormat):
				unsupported = err
			case errors.Is(err, ErrTruncated):
				return Sample{}, err
			}
		}

		offset += length + 1
	}

	if unsupported != nil {
		return Sample{}, unsupported
	}
	return Sample{}, ErrNotFound
}

// decodeManufacturerData decodes the value of a Manufacturer Specific Data
// structure. ErrNotFound is returned when the company ID is not Ruuvi's.
func decodeManufacturerData(data []byte, format byte) (Sample, error) {
	if len(data) < 2 || binary.LittleEndian.Uint16(data[0:2]) != RuuviCompanyID {
		return Sample{}, ErrNotFound
	}
	if len(data) < 3 {
		return Sample{}, errors.Wrap(ErrTruncated, "ruuvi manufacturer data has no format byte")
	}
	if data[2] != format {
		return Sample{}, errors.Wrapf(ErrUnsupportedFormat, "got format %d, want %d", data[2], format)
	}
	if len(data) < formatRAWv2MinLen {
		return Sample{}, errors.Wrapf(ErrTruncated,
			"format %d needs at least %d bytes, got %d", format, formatRAWv2MinLen, len(data))
	}

	// Temperature is sent as unsigned and reinterpreted as two's complement
	tempRaw := int(binary.BigEndian.Uint16(data[3:5]))
	if tempRaw > 32767 {
		tempRaw -= 65536
	}
	humidityRaw := binary.BigEndian.Uint16(data[5:7])
	pressureRaw := binary.BigEndian.Uint16(data[7:9])

	return Sample{
		TemperatureCelsius: float64(tempRaw) * 0.005,
		HumidityPercent:    float64(humidityRaw) * 0.0025,
		PressureHPa:        float64(int(pressureRaw)+50000) / 100,
	}, nil
}
