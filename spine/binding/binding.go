// Package binding implements the Binding Manager from SPEC_FULL.md §4.7:
// the gate that decides whether a remote feature may write to a local one,
// kept as its own keyed set for the same reasons as subscription.Manager.
package binding

import (
	"sync"

	"eebus"
)

// Manager tracks, per local feature address, the set of remote feature
// addresses currently authorized to write to it.
type Manager struct {
	mu    sync.RWMutex
	binds map[string]map[string]eebus.FeatureAddress
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{binds: make(map[string]map[string]eebus.FeatureAddress)}
}

// Add authorizes remote to write to local. Idempotent.
func (m *Manager) Add(local, remote eebus.FeatureAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.binds[local.Key()]
	if !ok {
		bucket = make(map[string]eebus.FeatureAddress)
		m.binds[local.Key()] = bucket
	}
	bucket[remote.Key()] = remote
}

// Remove revokes remote's authorization to write to local.
func (m *Manager) Remove(local, remote eebus.FeatureAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok := m.binds[local.Key()]; ok {
		delete(bucket, remote.Key())
	}
}

// Has reports whether remote is bound (and so may write) to local.
func (m *Manager) Has(local, remote eebus.FeatureAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.binds[local.Key()]
	if !ok {
		return false
	}
	_, ok = bucket[remote.Key()]
	return ok
}

// Binders returns a snapshot of local's current binders.
func (m *Manager) Binders(local eebus.FeatureAddress) []eebus.FeatureAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.binds[local.Key()]
	out := make([]eebus.FeatureAddress, 0, len(bucket))
	for _, addr := range bucket {
		out = append(out, addr)
	}
	return out
}

// RemoveDevice drops every binding, on every local feature, whose remote
// side lives on deviceAddr.
func (m *Manager) RemoveDevice(deviceAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bucket := range m.binds {
		for key, addr := range bucket {
			if addr.Device == deviceAddr {
				delete(bucket, key)
			}
		}
	}
}
