package spine

import (
	"sort"
	"sync"

	"eebus"
	"eebus/internal/check"
	"eebus/spine/pending"
)

// Entity groups a set of features under one entity-path address within a
// device (§3). Feature ids are scoped per entity, assigned on AddFeature.
type Entity struct {
	mu sync.Mutex

	address eebus.EntityPath
	typ     eebus.EntityType
	device  string

	nextFeatureID uint
	features      map[uint]*Feature
	featureOrder  []uint

	heartbeat *pending.HeartbeatManager
}

// NewEntity creates an entity at the given path within device, of the
// given entity type. Feature ids are assigned starting at 0.
func NewEntity(device string, address eebus.EntityPath, typ eebus.EntityType) *Entity {
	return &Entity{
		address:  address.Clone(),
		typ:      typ,
		device:   device,
		features: make(map[uint]*Feature),
	}
}

// Address returns the entity's path within its device.
func (e *Entity) Address() eebus.EntityPath { return e.address.Clone() }

// Type returns the entity's SPINE entity type.
func (e *Entity) Type() eebus.EntityType { return e.typ }

// AddFeature appends f to the entity, assigning it the next free feature
// id, and returns that id.
func (e *Entity) AddFeature(f *Feature) uint {
	check.Assertf(f.address.Device == "", "feature already attached at %s", f.address)
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextFeatureID
	e.nextFeatureID++
	f.address = eebus.FeatureAddress{Device: e.device, Entity: e.address.Clone(), FeatureID: id}
	e.features[id] = f
	e.featureOrder = append(e.featureOrder, id)
	return id
}

// SetFeature installs f at an explicit feature id, replacing any feature
// already there. Used when reconstructing a remote entity's feature tree
// from a discovery reply, where ids are dictated by the peer rather than
// assigned by AddFeature.
func (e *Entity) SetFeature(id uint, f *Feature) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.features[id]; !exists {
		e.featureOrder = append(e.featureOrder, id)
	}
	if id >= e.nextFeatureID {
		e.nextFeatureID = id + 1
	}
	e.features[id] = f
}

// Feature returns the feature at id, if any.
func (e *Entity) Feature(id uint) (*Feature, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.features[id]
	return f, ok
}

// Features returns all features in the order they were added.
func (e *Entity) Features() []*Feature {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Feature, 0, len(e.featureOrder))
	for _, id := range e.featureOrder {
		out = append(out, e.features[id])
	}
	return out
}

// FeatureIDs returns the sorted set of assigned feature ids.
func (e *Entity) FeatureIDs() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint, 0, len(e.features))
	for id := range e.features {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EnableHeartbeat installs (or replaces) the entity's heartbeat manager,
// used by the device-information entity's DeviceDiagnosis feature per §8.
func (e *Entity) EnableHeartbeat(hb *pending.HeartbeatManager) {
	e.mu.Lock()
	e.heartbeat = hb
	e.mu.Unlock()
}

// HeartbeatManager returns the entity's heartbeat manager, or nil if none
// was installed.
func (e *Entity) HeartbeatManager() *pending.HeartbeatManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeat
}
