package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LEDOutput drives a sysfs LED such as /sys/class/leds/ACT
type LEDOutput struct {
	path string
	on   bool
}

// NewLEDOutput creates an LED output for the given /sys/class/leds directory
func NewLEDOutput(dir string) (*LEDOutput, error) {
	path := filepath.Join(dir, "brightness")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("heartbeat LED %s: %w", dir, err)
	}
	return &LEDOutput{path: path}, nil
}

// Toggle flips the LED
func (l *LEDOutput) Toggle() error {
	value := "1"
	if l.on {
		value = "0"
	}
	if err := os.WriteFile(l.path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", l.path, err)
	}
	l.on = !l.on
	return nil
}

// LogOutput stands in for an LED on hosts without one
type LogOutput struct {
	logger *zap.Logger
	on     bool
}

// NewLogOutput creates a heartbeat output that logs at debug level
func NewLogOutput(logger *zap.Logger) *LogOutput {
	return &LogOutput{logger: logger}
}

func (l *LogOutput) Toggle() error {
	l.on = !l.on
	l.logger.Debug("heartbeat", zap.Bool("on", l.on))
	return nil
}
