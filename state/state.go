package state

import (
	"sync"
	"time"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
)

// Telemetry holds the latest decoded sample and whether it has been served yet.
// The sample and its freshness flag are always read and written together.
type Telemetry struct {
	mu      sync.RWMutex
	latest  *decoder.Sample
	fresh   bool
	updated time.Time
}

// New creates an empty telemetry cell
func New() *Telemetry {
	return &Telemetry{}
}

// Store replaces the latest sample and marks it fresh
func (t *Telemetry) Store(sample decoder.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = &sample
	t.fresh = true
	t.updated = time.Now()
}

// Take returns the latest sample and clears the freshness flag.
// ok is false when no sample has been decoded yet.
func (t *Telemetry) Take() (sample decoder.Sample, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fresh = false
	if t.latest == nil {
		return decoder.Sample{}, false
	}
	return *t.latest, true
}

// Snapshot returns the latest sample and its freshness without clearing it
func (t *Telemetry) Snapshot() (sample decoder.Sample, ok bool, fresh bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.latest == nil {
		return decoder.Sample{}, false, t.fresh
	}
	return *t.latest, true, t.fresh
}

// Fresh reports whether a sample arrived since the last Take
func (t *Telemetry) Fresh() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fresh
}

// LastUpdated returns when the latest sample was stored, zero if never
func (t *Telemetry) LastUpdated() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}
