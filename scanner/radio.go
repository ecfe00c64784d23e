package scanner

import "time"

// Advertisement is one BLE discovery as reported by the radio
type Advertisement struct {
	Address string // colon-separated hex, any case
	RSSI    int16
	Payload []byte // raw AD structures
}

// DiscoveryHandler receives radio events. OnDiscovery may run on a radio
// goroutine and must not block.
type DiscoveryHandler interface {
	OnDiscovery(adv Advertisement)
	OnScanComplete()
}

// Radio is the BLE capability the controller drives
type Radio interface {
	SetActive(active bool) error
	SetDiscoveryHandler(h DiscoveryHandler)
	// Scan starts a scan bounded by duration and returns immediately.
	// started is false when a scan is already running.
	Scan(window, interval, duration time.Duration) (started bool, err error)
}
