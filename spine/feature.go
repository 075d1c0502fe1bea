package spine

import (
	"context"
	"sync"
	"time"

	"eebus"
	"eebus/internal/errkind"
)

// DefaultMaxResponseDelay bounds how long a local feature waits for a
// remote feature to answer a read/call before the pending request times
// out, absent a more specific value (§4.8).
const DefaultMaxResponseDelay = 10 * time.Second

// CallHandler answers an incoming "call" command addressed to a feature.
// It is the extension point by which Node Management's
// subscription/binding request handling plugs into the generic router
// without the core needing to know about those function types.
type CallHandler func(ctx context.Context, from eebus.FeatureAddress, cmd Command) (Command, error)

// Feature is one addressable unit of functionality on a device: a set of
// functions under a (device, entity, feature-id) address (§3). The same
// type models both local features (this process's own data, served to
// peers) and remote mirrors (a cached view of a peer's feature).
type Feature struct {
	mu sync.RWMutex

	address  eebus.FeatureAddress
	typ      eebus.FeatureType
	role     eebus.FeatureRole
	isRemote bool

	functions      map[FunctionType]*Function
	functionOrder  []FunctionType

	// maxResponseDelay only applies to remote features: how long this
	// side waits for the peer to answer. The operations a peer advertises
	// are kept on each Function.
	maxResponseDelay time.Duration

	callHandler CallHandler
}

// NewLocalFeature creates a feature owned by this device, ready to have
// functions added and served to peers.
func NewLocalFeature(typ eebus.FeatureType, role eebus.FeatureRole) *Feature {
	return &Feature{
		typ:       typ,
		role:      role,
		functions: make(map[FunctionType]*Function),
	}
}

// NewRemoteFeature creates a mirror of a peer's feature, discovered via
// DetailedDiscoveryData.
func NewRemoteFeature(address eebus.FeatureAddress, typ eebus.FeatureType, role eebus.FeatureRole) *Feature {
	return &Feature{
		address:          address,
		typ:              typ,
		role:             role,
		isRemote:         true,
		functions:        make(map[FunctionType]*Function),
		maxResponseDelay: DefaultMaxResponseDelay,
	}
}

// Address returns the feature's full address. For a freshly-constructed
// local feature not yet attached to an Entity, the device/entity portion
// is zero until Entity.AddFeature assigns it.
func (f *Feature) Address() eebus.FeatureAddress {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.address
}

// Type returns the feature's SPINE feature type.
func (f *Feature) Type() eebus.FeatureType { return f.typ }

// Role returns the feature's advertised role (client/server/special).
func (f *Feature) Role() eebus.FeatureRole { return f.role }

// IsRemote reports whether this is a mirror of a peer's feature.
func (f *Feature) IsRemote() bool { return f.isRemote }

// AddFunction registers fn under its own type, replacing any existing
// function of the same type.
func (f *Feature) AddFunction(fn *Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.functions[fn.typ]; !exists {
		f.functionOrder = append(f.functionOrder, fn.typ)
	}
	f.functions[fn.typ] = fn
}

// Function returns the function of the given type, if present.
func (f *Feature) Function(typ FunctionType) (*Function, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.functions[typ]
	return fn, ok
}

// Functions returns all functions in registration order.
func (f *Feature) Functions() []*Function {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Function, 0, len(f.functionOrder))
	for _, typ := range f.functionOrder {
		out = append(out, f.functions[typ])
	}
	return out
}

// MaxResponseDelay returns how long this side waits for a remote
// feature's reply before giving up.
func (f *Feature) MaxResponseDelay() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.maxResponseDelay <= 0 {
		return DefaultMaxResponseDelay
	}
	return f.maxResponseDelay
}

// SetMaxResponseDelay overrides the default pending-request timeout for
// requests sent to this remote feature.
func (f *Feature) SetMaxResponseDelay(d time.Duration) {
	f.mu.Lock()
	f.maxResponseDelay = d
	f.mu.Unlock()
}

// SetCallHandler installs the handler invoked for incoming "call"
// commands addressed to this feature. Only meaningful on local features;
// the Node Management feature is the only built-in user of it.
func (f *Feature) SetCallHandler(h CallHandler) {
	f.mu.Lock()
	f.callHandler = h
	f.mu.Unlock()
}

// HandleCall dispatches to the installed CallHandler, or returns
// errkind.NotImplemented if none was installed.
func (f *Feature) HandleCall(ctx context.Context, from eebus.FeatureAddress, cmd Command) (Command, error) {
	f.mu.RLock()
	h := f.callHandler
	f.mu.RUnlock()
	if h == nil {
		return Command{}, errkind.NotImplemented("spine: feature %s has no call handler for %s", f.address, cmd.FunctionType)
	}
	return h(ctx, from, cmd)
}
