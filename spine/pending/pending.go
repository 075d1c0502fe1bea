// Package pending implements the Pending Requests & Heartbeat component
// from SPEC_FULL.md §4.8: correlation of outgoing reads/writes with
// incoming replies/results by message counter, and the periodic heartbeat
// driver for DeviceDiagnosis server features.
package pending

import (
	"strconv"
	"sync"
	"time"

	"eebus/codec"
	"eebus/internal/errkind"
)

// DefaultTimeout is the fallback max-response-delay, per §5 ("Pending-
// request timeouts default to 10 s").
const DefaultTimeout = 10 * time.Second

// Callback is invoked at most once per registered entry: with the reply
// payload on success, or with a non-nil err (a Timeout, per
// errkind.Timeout) if the deadline passed unresolved. Entries dropped by
// RemoveDevice are not called back.
type Callback func(payload codec.Node, err error)

type entry struct {
	maxDelay time.Duration
	deadline time.Time
	cb       Callback
}

// Manager correlates outgoing commands with their eventual reply or
// result, keyed by (ski, msg-counter).
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func key(ski string, counter uint64) string {
	return ski + "#" + strconv.FormatUint(counter, 10)
}

// Register records a pending correlation for counter on ski, due within
// maxDelay (or DefaultTimeout if zero).
func (m *Manager) Register(ski string, counter uint64, maxDelay time.Duration, cb Callback) {
	if maxDelay <= 0 {
		maxDelay = DefaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(ski, counter)] = &entry{
		maxDelay: maxDelay,
		deadline: time.Now().Add(maxDelay),
		cb:       cb,
	}
}

// Resolve delivers payload to the callback registered for (ski, counterRef)
// and removes the entry. Reports whether an entry was found.
func (m *Manager) Resolve(ski string, counterRef uint64, payload codec.Node) bool {
	m.mu.Lock()
	e, ok := m.entries[key(ski, counterRef)]
	if ok {
		delete(m.entries, key(ski, counterRef))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.cb(payload, nil)
	return true
}

// Fail delivers err to the callback registered for (ski, counterRef) and
// removes the entry. Reports whether an entry was found.
func (m *Manager) Fail(ski string, counterRef uint64, err error) bool {
	m.mu.Lock()
	e, ok := m.entries[key(ski, counterRef)]
	if ok {
		delete(m.entries, key(ski, counterRef))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.cb(nil, err)
	return true
}

// Sweep fires a Timeout callback for, and removes, every entry whose
// deadline is at or before now. Intended to be called from the owning
// device's periodic TimerTick. Returns the number of entries expired.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*entry
	for k, e := range m.entries {
		if !e.deadline.After(now) {
			expired = append(expired, e)
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		e.cb(nil, errkind.Timeout("pending: no response within %s", e.maxDelay))
	}
	return len(expired)
}

// RemoveDevice drops every pending entry for ski without invoking its
// callback, used when the device's connection is already gone.
func (m *Manager) RemoveDevice(ski string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := ski + "#"
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
}

// Len reports the number of outstanding entries, for tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
