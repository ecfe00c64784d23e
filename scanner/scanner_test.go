package scanner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/buffer"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/telemetry"
	"github.com/mjasion/balena-home/ruuvi-bridge/pkg/types"
	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

const targetMAC = "AA:BB:CC:DD:EE:FF"

type fakeRadio struct {
	mu        sync.Mutex
	active    bool
	handler   DiscoveryHandler
	scans     int
	window    time.Duration
	interval  time.Duration
	duration  time.Duration
	activeErr error
	scanErr   error
	busy      bool
}

func (r *fakeRadio) SetActive(active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeErr != nil {
		return r.activeErr
	}
	r.active = active
	return nil
}

func (r *fakeRadio) SetDiscoveryHandler(h DiscoveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *fakeRadio) Scan(window, interval, duration time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return false, r.scanErr
	}
	if r.busy {
		return false, nil
	}
	r.scans++
	r.window, r.interval, r.duration = window, interval, duration
	r.busy = true
	return true, nil
}

type recordingSink struct {
	samples []decoder.Sample
}

func (s *recordingSink) Observe(sample decoder.Sample) {
	s.samples = append(s.samples, sample)
}

// ruuviPayload builds flags + Format 5 manufacturer data with the given raw fields
func ruuviPayload(temp, hum, pres uint16) []byte {
	payload := []byte{0x02, 0x01, 0x06, 0x1B, 0xFF, 0x99, 0x04, 0x05,
		byte(temp >> 8), byte(temp), byte(hum >> 8), byte(hum), byte(pres >> 8), byte(pres)}
	return append(payload, make([]byte, 17)...)
}

func newTestController(t *testing.T, sinks ...Sink) (*Controller, *fakeRadio, *state.Telemetry) {
	t.Helper()

	radio := &fakeRadio{}
	st := state.New()
	c := New(Config{
		MACAddress:   " aa:bb:cc:dd:ee:ff ",
		SensorName:   "living_room",
		ScanWindow:   30 * time.Millisecond,
		ScanInterval: 30 * time.Millisecond,
		ScanDuration: 10 * time.Second,
	}, radio, st, zap.NewNop(), sinks...)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, radio, st
}

func TestStart_RegistersHandler(t *testing.T) {
	c, radio, _ := newTestController(t)

	if !radio.active {
		t.Error("Expected radio to be active")
	}
	if radio.handler != c {
		t.Error("Expected controller to be registered as discovery handler")
	}
	if c.TargetMAC() != targetMAC {
		t.Errorf("Expected normalised target %s, got %s", targetMAC, c.TargetMAC())
	}
}

func TestStart_RadioError(t *testing.T) {
	radio := &fakeRadio{activeErr: errors.New("no adapter")}
	c := New(Config{MACAddress: targetMAC}, radio, state.New(), zap.NewNop())

	if err := c.Start(); err == nil {
		t.Error("Expected error when radio cannot be enabled")
	}
}

func TestStartScan_PassesTiming(t *testing.T) {
	c, radio, _ := newTestController(t)

	if err := c.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	if radio.scans != 1 {
		t.Errorf("Expected 1 scan, got %d", radio.scans)
	}
	if radio.window != 30*time.Millisecond || radio.interval != 30*time.Millisecond || radio.duration != 10*time.Second {
		t.Errorf("Unexpected scan timing: window=%v interval=%v duration=%v", radio.window, radio.interval, radio.duration)
	}
}

func TestStartScan_Error(t *testing.T) {
	c, radio, _ := newTestController(t)
	radio.scanErr = errors.New("busy")

	if err := c.StartScan(context.Background()); err == nil {
		t.Error("Expected error from radio")
	}
}

func TestOnDiscovery_CaseInsensitiveMatch(t *testing.T) {
	for _, address := range []string{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff", "Aa:bB:cC:dD:eE:fF"} {
		t.Run(address, func(t *testing.T) {
			c, _, st := newTestController(t)

			c.OnDiscovery(Advertisement{Address: address, RSSI: -60, Payload: ruuviPayload(0x0139, 0x1770, 0x4E20)})

			sample, ok, fresh := st.Snapshot()
			if !ok || !fresh {
				t.Fatalf("Expected fresh sample, got ok=%v fresh=%v", ok, fresh)
			}
			if sample.MAC != targetMAC {
				t.Errorf("Expected MAC %s, got %s", targetMAC, sample.MAC)
			}
			if sample.RSSI != -60 {
				t.Errorf("Expected RSSI -60, got %d", sample.RSSI)
			}
			if math.Abs(sample.HumidityPercent-15.0) > 1e-9 {
				t.Errorf("Expected humidity 15.0, got %v", sample.HumidityPercent)
			}
			if sample.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestOnDiscovery_IgnoresOtherAddresses(t *testing.T) {
	sink := &recordingSink{}
	c, _, st := newTestController(t, sink)

	c.OnDiscovery(Advertisement{Address: "11:22:33:44:55:66", Payload: ruuviPayload(1, 2, 3)})

	if _, ok, _ := st.Snapshot(); ok {
		t.Error("Expected no sample from a non-target address")
	}
	if len(sink.samples) != 0 {
		t.Errorf("Expected no sink calls, got %d", len(sink.samples))
	}
}

func TestOnDiscovery_DecodeFailureKeepsPreviousSample(t *testing.T) {
	c, _, st := newTestController(t)

	c.OnDiscovery(Advertisement{Address: targetMAC, Payload: ruuviPayload(0x0139, 0x1770, 0x4E20)})
	st.Take()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not found", []byte{0x02, 0x01, 0x06}},
		{"truncated", []byte{0x1B, 0xFF, 0x99}},
		{"unsupported format", []byte{0x06, 0xFF, 0x99, 0x04, 0x03, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.OnDiscovery(Advertisement{Address: targetMAC, Payload: tt.payload})

			sample, ok, fresh := st.Snapshot()
			if !ok {
				t.Fatal("Expected previous sample to remain")
			}
			if fresh {
				t.Error("Expected fresh to stay false after decode failure")
			}
			if sample.PressureHPa != 700.0 {
				t.Errorf("Expected previous pressure 700.0, got %v", sample.PressureHPa)
			}
		})
	}
}

func TestOnDiscovery_FansOutToSinks(t *testing.T) {
	sink := &recordingSink{}
	buf := buffer.New[*types.Reading](4, zap.NewNop())
	c, _, _ := newTestController(t, sink, NewBufferSink(buf, "living_room"))

	c.OnDiscovery(Advertisement{Address: targetMAC, Payload: ruuviPayload(0xFF9C, 0, 0)})

	if len(sink.samples) != 1 {
		t.Fatalf("Expected 1 sample in sink, got %d", len(sink.samples))
	}
	if math.Abs(sink.samples[0].TemperatureCelsius+0.5) > 1e-9 {
		t.Errorf("Expected temperature -0.5, got %v", sink.samples[0].TemperatureCelsius)
	}

	readings := buf.Drain()
	if len(readings) != 1 {
		t.Fatalf("Expected 1 buffered reading, got %d", len(readings))
	}
	if readings[0].SensorName != "living_room" || readings[0].MAC != targetMAC {
		t.Errorf("Unexpected reading labels: %+v", readings[0])
	}
	if readings[0].PressureHPa != 500.0 {
		t.Errorf("Expected pressure 500.0, got %v", readings[0].PressureHPa)
	}
}

func TestOnDiscovery_WithInstruments(t *testing.T) {
	ins, err := telemetry.NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments failed: %v", err)
	}
	c, _, st := newTestController(t)
	c.WithInstruments(ins)

	c.OnDiscovery(Advertisement{Address: targetMAC, Payload: []byte{0x02, 0x01, 0x06}})
	c.OnDiscovery(Advertisement{Address: targetMAC, Payload: ruuviPayload(1, 1, 1)})

	if !st.Fresh() {
		t.Error("Expected fresh sample")
	}
}

func TestStartScan_JoinsRunningScan(t *testing.T) {
	c, radio, _ := newTestController(t)

	if err := c.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	c.OnDiscovery(Advertisement{Address: "11:22:33:44:55:66"})
	c.OnDiscovery(Advertisement{Address: targetMAC, Payload: ruuviPayload(313, 6000, 20000)})

	// A second request while the radio is still scanning joins the first scan
	if err := c.StartScan(context.Background()); err != nil {
		t.Fatalf("second StartScan failed: %v", err)
	}

	if radio.scans != 1 {
		t.Errorf("Expected 1 radio scan, got %d", radio.scans)
	}
	if got := c.discoveries.Load(); got != 2 {
		t.Errorf("Expected discoveries of the running scan to be kept, got %d", got)
	}
	if got := c.decoded.Load(); got != 1 {
		t.Errorf("Expected 1 decoded sample to be kept, got %d", got)
	}

	c.OnScanComplete()
	if c.discoveries.Load() != 0 || c.decoded.Load() != 0 {
		t.Errorf("Expected counts reset after completion, got discoveries=%d decoded=%d",
			c.discoveries.Load(), c.decoded.Load())
	}
}

func TestOnScanComplete_ZeroDiscoveries(t *testing.T) {
	c, _, st := newTestController(t)

	if err := c.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	c.OnScanComplete()

	if _, ok, _ := st.Snapshot(); ok {
		t.Error("Expected no sample after an empty scan")
	}
}
