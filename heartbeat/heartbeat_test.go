package heartbeat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingOutput struct {
	toggles int
	err     error
}

func (o *countingOutput) Toggle() error {
	o.toggles++
	return o.err
}

// toggleTimes advances a simulated clock in 10ms steps and records when the
// heartbeat toggled
func toggleTimes(h *Heartbeat, start time.Time, span time.Duration, fresh bool) []time.Duration {
	var times []time.Duration
	for elapsed := time.Duration(0); elapsed <= span; elapsed += 10 * time.Millisecond {
		if h.Tick(start.Add(elapsed), fresh) {
			times = append(times, elapsed)
		}
	}
	return times
}

func TestTick_Intervals(t *testing.T) {
	tests := []struct {
		name     string
		fresh    bool
		expected []time.Duration
	}{
		{"fresh", true, []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond, 2000 * time.Millisecond}},
		{"idle", false, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			out := &countingOutput{}
			h := New(out, start, zap.NewNop())

			got := toggleTimes(h, start, 2*time.Second, tt.fresh)
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected toggles at %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("toggle %d at %v, want %v", i, got[i], tt.expected[i])
				}
			}
			if out.toggles != len(tt.expected) {
				t.Errorf("Expected %d output toggles, got %d", len(tt.expected), out.toggles)
			}
		})
	}
}

func TestTick_FreshnessChangeMidInterval(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := New(&countingOutput{}, start, zap.NewNop())

	if h.Tick(start.Add(600*time.Millisecond), false) {
		t.Error("Expected no toggle at 600ms while idle")
	}
	if !h.Tick(start.Add(600*time.Millisecond), true) {
		t.Error("Expected toggle at 600ms once data is fresh")
	}
}

func TestTick_OutputErrorStillAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := &countingOutput{err: errors.New("permission denied")}
	h := New(out, start, zap.NewNop())

	if !h.Tick(start.Add(time.Second), false) {
		t.Fatal("Expected toggle despite output error")
	}
	if h.Tick(start.Add(1500*time.Millisecond), false) {
		t.Error("Expected interval to restart after a failed toggle")
	}
}

func TestLEDOutput_Toggle(t *testing.T) {
	dir := t.TempDir()
	brightness := filepath.Join(dir, "brightness")
	if err := os.WriteFile(brightness, []byte("0"), 0o644); err != nil {
		t.Fatalf("Failed to create brightness file: %v", err)
	}

	led, err := NewLEDOutput(dir)
	if err != nil {
		t.Fatalf("NewLEDOutput failed: %v", err)
	}

	for _, want := range []string{"1", "0", "1"} {
		if err := led.Toggle(); err != nil {
			t.Fatalf("Toggle failed: %v", err)
		}
		got, _ := os.ReadFile(brightness)
		if string(got) != want {
			t.Errorf("Expected brightness %q, got %q", want, got)
		}
	}
}

func TestNewLEDOutput_Missing(t *testing.T) {
	if _, err := NewLEDOutput(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Expected error for missing LED")
	}
}

func TestLogOutput_Toggle(t *testing.T) {
	out := NewLogOutput(zap.NewNop())
	if err := out.Toggle(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if !out.on {
		t.Error("Expected output on after first toggle")
	}
}
