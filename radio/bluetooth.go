package radio

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/ruuvi-bridge/scanner"
)

const (
	adTypeManufacturerData = 0xFF

	// stopRetryInterval paces StopScan attempts after the scan deadline
	stopRetryInterval = 10 * time.Millisecond
)

// adapter is the part of *bluetooth.Adapter the radio uses
type adapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Bluetooth drives a host BLE adapter as a scanner.Radio
type Bluetooth struct {
	adapter adapter
	logger  *zap.Logger

	mu       sync.Mutex
	handler  scanner.DiscoveryHandler
	enabled  bool
	scanning bool
}

// New wraps the default host adapter
func New(logger *zap.Logger) *Bluetooth {
	return &Bluetooth{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
	}
}

// SetActive enables the BLE stack. Deactivating stops any scan in flight.
func (b *Bluetooth) SetActive(active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !active {
		if b.scanning {
			if err := b.adapter.StopScan(); err != nil {
				return fmt.Errorf("failed to stop BLE scan: %w", err)
			}
		}
		return nil
	}

	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	b.enabled = true
	return nil
}

// SetDiscoveryHandler sets the receiver of discoveries and scan completion
func (b *Bluetooth) SetDiscoveryHandler(h scanner.DiscoveryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Scan starts a scan that stops itself after duration. The host stack picks
// its own duty cycle, so window and interval are only logged. A scan already
// in flight is left running and started is false.
func (b *Bluetooth) Scan(window, interval, duration time.Duration) (bool, error) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return false, fmt.Errorf("BLE adapter is not enabled")
	}
	if b.scanning {
		b.mu.Unlock()
		b.logger.Debug("BLE scan already in progress")
		return false, nil
	}
	b.scanning = true
	handler := b.handler
	b.mu.Unlock()

	b.logger.Debug("starting BLE scan",
		zap.Duration("window", window),
		zap.Duration("interval", interval),
		zap.Duration("duration", duration),
	)

	done := make(chan struct{})
	go b.stopAfter(duration, done)

	go func() {
		err := b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if handler == nil {
				return
			}
			handler.OnDiscovery(scanner.Advertisement{
				Address: result.Address.String(),
				RSSI:    result.RSSI,
				Payload: adStructures(result.Bytes(), result.ManufacturerData()),
			})
		})
		close(done)
		if err != nil {
			b.logger.Error("BLE scan failed", zap.Error(err))
		}

		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()

		if handler != nil {
			handler.OnScanComplete()
		}
	}()

	return true, nil
}

// stopAfter stops the scan once duration has elapsed. BlueZ rejects StopScan
// until the scan is fully set up, so a failed stop is retried until the scan
// returns.
func (b *Bluetooth) stopAfter(duration time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	retry := time.NewTicker(stopRetryInterval)
	defer retry.Stop()

	for attempt := 1; ; attempt++ {
		err := b.adapter.StopScan()
		if err == nil {
			return
		}
		b.logger.Debug("BLE scan not stoppable yet, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-done:
			return
		case <-retry.C:
		}
	}
}

// adStructures returns the raw advertisement when the platform exposes it.
// Otherwise (BlueZ only reports parsed fields) it rebuilds one Manufacturer
// Specific Data structure per element so the decoder always sees AD encoding.
func adStructures(raw []byte, elements []bluetooth.ManufacturerDataElement) []byte {
	if len(raw) > 0 {
		return raw
	}

	var payload []byte
	for _, el := range elements {
		// length covers type (1) + company ID (2) + data and must fit one byte
		if len(el.Data)+3 > 0xFF {
			continue
		}
		payload = append(payload,
			byte(len(el.Data)+3),
			adTypeManufacturerData,
			byte(el.CompanyID),
			byte(el.CompanyID>>8),
		)
		payload = append(payload, el.Data...)
	}
	return payload
}
