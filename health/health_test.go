package health

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
	"github.com/mjasion/balena-home/ruuvi-bridge/state"
)

type fakePusher struct {
	lastPush time.Time
	buffered int
}

func (p *fakePusher) LastPushTime() time.Time { return p.lastPush }
func (p *fakePusher) Buffered() int           { return p.buffered }

func TestCheck(t *testing.T) {
	now := time.Now()
	fresh := state.New()
	fresh.Store(decoder.Sample{TemperatureCelsius: 20})

	tests := []struct {
		name     string
		state    *state.Telemetry
		pusher   PushStatus
		now      time.Time
		expected string
	}{
		{"no sample yet", state.New(), nil, now, "healthy"},
		{"recent sample", fresh, nil, now, "healthy"},
		{"stale sample", fresh, nil, now.Add(time.Hour), "stale"},
		{"push never happened", fresh, &fakePusher{}, now, "healthy"},
		{"recent push", fresh, &fakePusher{lastPush: now, buffered: 3}, now, "healthy"},
		{"push stale", fresh, &fakePusher{lastPush: now.Add(-time.Hour)}, now, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.state, tt.pusher, 10*time.Minute, 5*time.Minute, 0, zap.NewNop())

			if got := c.Check(tt.now); got.Status != tt.expected {
				t.Errorf("Expected status %s, got %s", tt.expected, got.Status)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	st := state.New()
	st.Store(decoder.Sample{TemperatureCelsius: 20})
	c := NewChecker(st, &fakePusher{lastPush: time.Now(), buffered: 7}, time.Minute, time.Minute, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	c.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if !status.Fresh || status.BufferedSamples != 7 || status.LastSampleTime.IsZero() {
		t.Errorf("Unexpected status: %+v", status)
	}
	if status.LastPushTime == nil || status.LastPushTime.IsZero() {
		t.Errorf("Expected lastPushTime to be reported, got %v", status.LastPushTime)
	}
}

func TestHandleHealth_OmitsLastPushBeforeFirstPush(t *testing.T) {
	c := NewChecker(state.New(), &fakePusher{buffered: 2}, 0, time.Minute, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	c.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if _, ok := body["lastPushTime"]; ok {
		t.Errorf("Expected lastPushTime to be omitted before the first push, got %v", body["lastPushTime"])
	}
	if body["bufferedSamples"] != float64(2) {
		t.Errorf("Expected bufferedSamples 2, got %v", body["bufferedSamples"])
	}
}

func TestHandleHealth_Unhealthy(t *testing.T) {
	c := NewChecker(state.New(), &fakePusher{lastPush: time.Now().Add(-time.Hour)}, 0, time.Minute, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	c.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestServe_Stop(t *testing.T) {
	c := NewChecker(state.New(), nil, 0, 0, 0, zap.NewNop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error after stop, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
