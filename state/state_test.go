package state

import (
	"sync"
	"testing"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
)

func TestNew_Empty(t *testing.T) {
	tel := New()

	if _, ok, fresh := tel.Snapshot(); ok || fresh {
		t.Errorf("Expected empty state, got ok=%v fresh=%v", ok, fresh)
	}

	if !tel.LastUpdated().IsZero() {
		t.Errorf("Expected zero LastUpdated, got %v", tel.LastUpdated())
	}
}

func TestStore_MarksFresh(t *testing.T) {
	tel := New()
	tel.Store(decoder.Sample{TemperatureCelsius: 21.5, HumidityPercent: 40, PressureHPa: 1000})

	sample, ok, fresh := tel.Snapshot()
	if !ok {
		t.Fatal("Expected sample to be present")
	}
	if !fresh {
		t.Error("Expected fresh to be true after Store")
	}
	if sample.TemperatureCelsius != 21.5 {
		t.Errorf("Expected temperature 21.5, got %v", sample.TemperatureCelsius)
	}
	if tel.LastUpdated().IsZero() {
		t.Error("Expected LastUpdated to be set")
	}
}

func TestTake_ClearsFreshKeepsSample(t *testing.T) {
	tel := New()
	tel.Store(decoder.Sample{TemperatureCelsius: 1.565})

	sample, ok := tel.Take()
	if !ok {
		t.Fatal("Expected sample from Take")
	}
	if sample.TemperatureCelsius != 1.565 {
		t.Errorf("Expected temperature 1.565, got %v", sample.TemperatureCelsius)
	}

	if tel.Fresh() {
		t.Error("Expected fresh to be false after Take")
	}

	again, ok, fresh := tel.Snapshot()
	if !ok || fresh {
		t.Errorf("Expected stale sample after Take, got ok=%v fresh=%v", ok, fresh)
	}
	if again != sample {
		t.Errorf("Expected sample to be unchanged, got %+v", again)
	}
}

func TestTake_NoSample(t *testing.T) {
	tel := New()

	if _, ok := tel.Take(); ok {
		t.Error("Expected no sample before first Store")
	}
	if tel.Fresh() {
		t.Error("Expected fresh to be false")
	}
}

func TestStore_ReplacesWholesale(t *testing.T) {
	tel := New()
	tel.Store(decoder.Sample{TemperatureCelsius: 1, HumidityPercent: 2, PressureHPa: 3})
	tel.Take()
	tel.Store(decoder.Sample{TemperatureCelsius: 4, HumidityPercent: 5, PressureHPa: 6})

	sample, _, fresh := tel.Snapshot()
	if !fresh {
		t.Error("Expected fresh after second Store")
	}
	if sample.TemperatureCelsius != 4 || sample.HumidityPercent != 5 || sample.PressureHPa != 6 {
		t.Errorf("Expected second sample, got %+v", sample)
	}
}

func TestConcurrentStoreAndTake(t *testing.T) {
	tel := New()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(v float64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tel.Store(decoder.Sample{TemperatureCelsius: v, HumidityPercent: v, PressureHPa: v})
			}
		}(float64(i))
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if s, ok := tel.Take(); ok {
					if s.TemperatureCelsius != s.HumidityPercent || s.HumidityPercent != s.PressureHPa {
						t.Errorf("Torn sample observed: %+v", s)
					}
				}
			}
		}()
	}

	wg.Wait()
}
