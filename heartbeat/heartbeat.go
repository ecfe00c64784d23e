package heartbeat

import (
	"time"

	"go.uber.org/zap"
)

const (
	// FreshInterval is used while a decoded sample waits to be served
	FreshInterval = 500 * time.Millisecond
	// IdleInterval is used otherwise
	IdleInterval = 1000 * time.Millisecond
)

// Output is an on/off liveness signal
type Output interface {
	Toggle() error
}

// Heartbeat toggles an output at a rate that tells whether unserved data exists
type Heartbeat struct {
	output     Output
	lastToggle time.Time
	logger     *zap.Logger
}

// New creates a heartbeat whose first interval starts at now
func New(output Output, now time.Time, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		output:     output,
		lastToggle: now,
		logger:     logger,
	}
}

// Tick toggles the output when the interval for the current freshness has
// elapsed and reports whether it did
func (h *Heartbeat) Tick(now time.Time, fresh bool) bool {
	interval := IdleInterval
	if fresh {
		interval = FreshInterval
	}

	if now.Sub(h.lastToggle) < interval {
		return false
	}

	if err := h.output.Toggle(); err != nil {
		h.logger.Warn("failed to toggle heartbeat output", zap.Error(err))
	}
	h.lastToggle = now
	return true
}
