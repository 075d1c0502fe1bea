package pending

import (
	"sync"
	"time"
)

// DefaultHeartbeatPeriod is the fallback per-entity heartbeat period, per
// §5 ("Heartbeat default period is 4 s").
const DefaultHeartbeatPeriod = 4 * time.Second

// HeartbeatData is DeviceDiagnosisHeartbeatData's shape, fixed by
// original_source's entity_types.h and heartbeat manager header (§12 of
// SPEC_FULL.md): a monotonic counter plus the configured timeout.
type HeartbeatData struct {
	Timestamp        time.Time
	HeartbeatCounter uint64
	HeartbeatTimeout time.Duration
	HeartbeatEnabled bool
}

// HeartbeatManager drives one entity's heartbeat counter. The zero value
// behaves as a disabled manager; a nil *HeartbeatManager is not usable.
type HeartbeatManager struct {
	mu      sync.Mutex
	period  time.Duration
	counter uint64
	enabled bool
}

// NewHeartbeatManager creates a manager with the given period (defaulting
// to DefaultHeartbeatPeriod), disabled until SetEnabled(true).
func NewHeartbeatManager(period time.Duration) *HeartbeatManager {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	return &HeartbeatManager{period: period}
}

// SetEnabled toggles whether Tick advances the counter.
func (h *HeartbeatManager) SetEnabled(enabled bool) {
	h.mu.Lock()
	h.enabled = enabled
	h.mu.Unlock()
}

// Period returns the configured heartbeat period.
func (h *HeartbeatManager) Period() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.period
}

// Due reports whether a heartbeat notify should fire given the elapsed
// time since the previous heartbeat; the device worker passes the time
// since it last called Tick for this entity.
func (h *HeartbeatManager) Due(elapsedSincePrevious time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && elapsedSincePrevious >= h.period
}

// Tick increments the heartbeat counter and returns the data to notify,
// strictly monotonic across calls (§8: "Heartbeat counter on a running
// server feature is strictly monotonic across notify emissions").
func (h *HeartbeatManager) Tick(now time.Time) HeartbeatData {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counter++
	return HeartbeatData{
		Timestamp:        now,
		HeartbeatCounter: h.counter,
		HeartbeatTimeout: h.period * 2,
		HeartbeatEnabled: h.enabled,
	}
}

// Counter returns the current counter value without advancing it.
func (h *HeartbeatManager) Counter() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counter
}
