// Package spine implements the SPINE data model and message router from
// SPEC_FULL.md §4.5–§4.8: devices, entities, features, functions, the
// per-device routing algorithm, and the device worker goroutine.
package spine

import (
	"sync"

	"eebus/codec"
)

// FunctionType names a function's data schema (e.g.
// "DeviceDiagnosisHeartbeatData", "DetailedDiscoveryData"). The set is
// open — device-class-specific function types are a Non-goal of the
// core, which only needs to route and store them generically.
type FunctionType string

// Well-known function types the Node Management feature and the core
// router itself reason about structurally.
const (
	FunctionDetailedDiscoveryData  FunctionType = "DetailedDiscoveryData"
	FunctionSubscriptionRequest    FunctionType = "SubscriptionRequestCall"
	FunctionSubscriptionDelete     FunctionType = "SubscriptionDeleteCall"
	FunctionSubscriptionData       FunctionType = "SubscriptionData"
	FunctionBindingRequest         FunctionType = "BindingRequestCall"
	FunctionBindingDelete          FunctionType = "BindingDeleteCall"
	FunctionBindingData            FunctionType = "BindingData"
	FunctionUseCaseData            FunctionType = "UseCaseData"
	FunctionDestinationListData    FunctionType = "DestinationListData"
	FunctionResultData             FunctionType = "ResultData"
	FunctionHeartbeatData          FunctionType = "DeviceDiagnosisHeartbeatData"
)

// Operations is the read/write/partial capability advertisement for one
// function. §12: every function defaults to all-false until a feature
// explicitly advertises otherwise.
type Operations struct {
	Read         bool
	ReadPartial  bool
	Write        bool
	WritePartial bool
}

// ReadHook computes a function's data fresh at read time instead of
// serving the last stored value — used by Node Management functions like
// DetailedDiscoveryData whose reply is a snapshot assembled on demand
// rather than a value ever written with SetData.
type ReadHook func() codec.Node

// ReplyHook decodes an incoming reply/notify payload for a local function
// whose peer data does not fit the generic one-slot-per-function mirror —
// used by Node Management's DetailedDiscoveryData and UseCaseData, whose
// replies describe a peer's whole entity/feature tree or use-case table
// rather than a value belonging to this function alone. Installed on the
// local function that originated the read or carries the subscription;
// ski identifies which peer the payload came from.
type ReplyHook func(ski string, data codec.Node)

// Function is a typed data slot inside a Feature (§3). The stored value,
// when present, is the authoritative local copy for a local feature, or
// the last-known mirror for a remote one.
type Function struct {
	mu   sync.RWMutex
	typ  FunctionType
	data codec.Node
	ops  Operations

	readHook  ReadHook
	replyHook ReplyHook
}

// NewFunction creates a Function with no stored data and the given
// Operations advertisement (zero value is the all-false default).
func NewFunction(typ FunctionType, ops Operations) *Function {
	return &Function{typ: typ, ops: ops}
}

// Type returns the function's type.
func (f *Function) Type() FunctionType { return f.typ }

// Operations returns the function's advertised capabilities.
func (f *Function) Operations() Operations {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ops
}

// SetOperations replaces the advertised capabilities.
func (f *Function) SetOperations(ops Operations) {
	f.mu.Lock()
	f.ops = ops
	f.mu.Unlock()
}

// Data returns the function's current stored value, or nil if never set.
func (f *Function) Data() codec.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data
}

// SetData replaces the stored value wholesale (a full update or the
// result of a notify/reply with no filter attached).
func (f *Function) SetData(data codec.Node) {
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
}

// SetReadHook installs h as the source of truth for reads of this
// function, overriding the stored value. Pass nil to go back to serving
// Data() as-is.
func (f *Function) SetReadHook(h ReadHook) {
	f.mu.Lock()
	f.readHook = h
	f.mu.Unlock()
}

// ReadData returns the function's current data for a read reply: the
// read hook's result if one is installed, otherwise the stored value.
func (f *Function) ReadData() codec.Node {
	f.mu.RLock()
	hook := f.readHook
	f.mu.RUnlock()
	if hook != nil {
		return hook()
	}
	return f.Data()
}

// SetReplyHook installs h as the handler for reply/notify payloads
// addressed to this function instead of the generic remote mirror. Pass
// nil to fall back to the generic per-function mirror.
func (f *Function) SetReplyHook(h ReplyHook) {
	f.mu.Lock()
	f.replyHook = h
	f.mu.Unlock()
}

// ReplyHook returns the installed reply hook, or nil if none.
func (f *Function) ReplyHook() ReplyHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.replyHook
}

// ApplyPartialWrite replaces the stored value with data. A Filter is
// accepted but not used: its data-selectors/data-elements choices are
// schema-specific per function type — a Non-goal the core does not
// define — so the effect is the same full replace as SetData, and the
// notify sent to subscribers afterwards carries no filter.
func (f *Function) ApplyPartialWrite(filter *Filter, data codec.Node) {
	f.SetData(data)
}
