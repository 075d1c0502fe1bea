// Package subscription implements the Subscription Manager from
// SPEC_FULL.md §4.7: a per-local-feature set of remote subscribers, keyed
// by address rather than stored on the Feature itself, so it can be
// swapped or inspected independently of feature state.
package subscription

import (
	"context"
	"sync"

	"eebus"
)

// Payload is the generic notify content a Manager forwards to subscribers.
// It deliberately avoids depending on package spine's richer Command type,
// keeping subscription a leaf package spine depends on, not the reverse.
type Payload struct {
	FunctionType string
	Data         any
}

// Sender delivers one notify to a single remote feature. The caller (a
// spine.DeviceLocal) implements this to route through its own transport.
type Sender interface {
	SendNotify(ctx context.Context, from, to eebus.FeatureAddress, payload Payload) error
}

// Manager tracks, per local feature address, the set of remote feature
// addresses currently subscribed to it.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]map[string]eebus.FeatureAddress
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{subs: make(map[string]map[string]eebus.FeatureAddress)}
}

// Add records remote as a subscriber of local. Idempotent.
func (m *Manager) Add(local, remote eebus.FeatureAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.subs[local.Key()]
	if !ok {
		bucket = make(map[string]eebus.FeatureAddress)
		m.subs[local.Key()] = bucket
	}
	bucket[remote.Key()] = remote
}

// Remove drops remote from local's subscriber set, if present.
func (m *Manager) Remove(local, remote eebus.FeatureAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok := m.subs[local.Key()]; ok {
		delete(bucket, remote.Key())
	}
}

// Has reports whether remote is subscribed to local.
func (m *Manager) Has(local, remote eebus.FeatureAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.subs[local.Key()]
	if !ok {
		return false
	}
	_, ok = bucket[remote.Key()]
	return ok
}

// Subscribers returns a snapshot of local's current subscribers.
func (m *Manager) Subscribers(local eebus.FeatureAddress) []eebus.FeatureAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.subs[local.Key()]
	out := make([]eebus.FeatureAddress, 0, len(bucket))
	for _, addr := range bucket {
		out = append(out, addr)
	}
	return out
}

// RemoveDevice drops every subscription, on every local feature, whose
// remote side lives on deviceAddr (§3: "deleting a remote device removes
// all subscriptions ... referring to that device across every local
// feature").
func (m *Manager) RemoveDevice(deviceAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bucket := range m.subs {
		for key, addr := range bucket {
			if addr.Device == deviceAddr {
				delete(bucket, key)
			}
		}
	}
}

// Publish forwards payload as a notify to every subscriber of local, via
// sender. Errors from individual sends are collected but do not stop
// fan-out to the remaining subscribers.
func (m *Manager) Publish(ctx context.Context, sender Sender, local eebus.FeatureAddress, payload Payload) []error {
	subscribers := m.Subscribers(local)
	var errs []error
	for _, remote := range subscribers {
		if err := sender.SendNotify(ctx, local, remote, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
