package spine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"eebus"
	"eebus/codec"
	"eebus/eventbus"
	"eebus/internal/check"
	"eebus/internal/errkind"
	"eebus/spine/binding"
	"eebus/spine/pending"
	"eebus/spine/subscription"
)

// SweepPeriod is how often DeviceLocal's worker checks for expired
// pending requests and due heartbeats (§4.8).
const SweepPeriod = 1 * time.Second

// Sender is how a DeviceLocal reaches a specific remote SKI. A
// ship.Node satisfies this by looking up the live ship.Connection for
// the SKI and calling its SendData.
type Sender interface {
	SendTo(ctx context.Context, ski string, payload []byte) error
}

// DeviceLocal is this process's own SPINE device: the entity/feature
// tree it serves, plus everything needed to route and originate
// datagrams against remote devices (§4.5–§4.8).
//
// Locking: mu guards the device's own maps, message counter and worker
// handles. Go has no built-in recursive mutex (§4.2), so methods hold mu
// only around direct access to those fields and release it before
// publishing events or sending datagrams.
type DeviceLocal struct {
	mu sync.Mutex

	address string

	entities    map[string]*Entity
	entityOrder []eebus.EntityPath

	remotes map[string]*DeviceRemote

	sender Sender

	subs    *subscription.Manager
	binds   *binding.Manager
	pending *pending.Manager
	events  *eventbus.Bus

	msgCounter uint64

	cancel context.CancelFunc
	done   chan struct{}

	tracer trace.Tracer
	log    *slog.Logger
}

// NewDeviceLocal creates an empty local device at address, ready to have
// entities added before Start.
func NewDeviceLocal(address string, sender Sender) *DeviceLocal {
	return &DeviceLocal{
		address: address,
		entities: make(map[string]*Entity),
		remotes:  make(map[string]*DeviceRemote),
		sender:   sender,
		subs:     subscription.New(),
		binds:    binding.New(),
		pending:  pending.New(),
		events:   eventbus.New(),
		tracer:   otel.Tracer("eebus/spine"),
		log:      slog.Default().With("component", "spine.device", "device", address),
	}
}

// Address returns the device's opaque wire address.
func (d *DeviceLocal) Address() string { return d.address }

// Subscriptions, Bindings and Events expose the device's managers so the
// NodeManagement feature can mutate them from its call handlers. Events is
// this device's own eventbus.Bus — per §9's design note there is no
// process-wide bus, so two DeviceLocal instances in the same process never
// observe each other's DeviceChange/EntityChange/DataChange events.
func (d *DeviceLocal) Subscriptions() *subscription.Manager { return d.subs }
func (d *DeviceLocal) Bindings() *binding.Manager            { return d.binds }
func (d *DeviceLocal) Pending() *pending.Manager             { return d.pending }
func (d *DeviceLocal) Events() *eventbus.Bus                 { return d.events }

// AddEntity attaches e to the device and announces it on the event bus.
func (d *DeviceLocal) AddEntity(e *Entity) {
	check.Assertf(e.device == d.address, "entity %s constructed for device %q attached to device %q", e.address, e.device, d.address)
	d.mu.Lock()
	d.entities[e.Address().String()] = e
	d.entityOrder = append(d.entityOrder, e.Address())
	d.mu.Unlock()
	d.events.Publish(eventbus.Event{
		Kind:       eventbus.EntityChange,
		Change:     eventbus.Add,
		Device:     d.address,
		EntityAddr: e.Address().String(),
	})
}

// Entity returns the entity at path, if present.
func (d *DeviceLocal) Entity(path eebus.EntityPath) (*Entity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entities[path.String()]
	return e, ok
}

// Entities returns every local entity in registration order.
func (d *DeviceLocal) Entities() []*Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Entity, 0, len(d.entityOrder))
	for _, p := range d.entityOrder {
		out = append(out, d.entities[p.String()])
	}
	return out
}

// LocalFeature resolves a feature address against this device's own
// entity tree.
func (d *DeviceLocal) LocalFeature(addr eebus.FeatureAddress) (*Feature, bool) {
	if addr.Device != d.address {
		return nil, false
	}
	e, ok := d.Entity(addr.Entity)
	if !ok {
		return nil, false
	}
	return e.Feature(addr.FeatureID)
}

// RemoteDevice returns the tracked mirror of ski, creating one if this is
// the first time it's been seen.
func (d *DeviceLocal) RemoteDevice(ski string) *DeviceRemote {
	d.mu.Lock()
	r, ok := d.remotes[ski]
	if !ok {
		r = newDeviceRemote(ski)
		d.remotes[ski] = r
	}
	d.mu.Unlock()
	if !ok {
		d.events.Publish(eventbus.Event{Kind: eventbus.DeviceChange, Change: eventbus.Add, Device: ski})
	}
	return r
}

// UnregisterRemoteSKI drops everything known about a disconnected peer:
// its entity mirror, any subscriptions or bindings referencing its
// features, and any still-pending requests addressed to it (§4.4, §8).
func (d *DeviceLocal) UnregisterRemoteSKI(ski string) {
	d.mu.Lock()
	r, ok := d.remotes[ski]
	if ok {
		delete(d.remotes, ski)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.subs.RemoveDevice(r.Address())
	d.binds.RemoveDevice(r.Address())
	d.pending.RemoveDevice(ski)
	d.events.Publish(eventbus.Event{Kind: eventbus.DeviceChange, Change: eventbus.Remove, Device: ski})
}

// Start launches the device's background worker, which periodically
// sweeps expired pending requests and fires due heartbeats.
func (d *DeviceLocal) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()
	go d.run(ctx)
}

// Stop halts the worker and waits for it to exit. After Stop returns no
// pending sweeps or heartbeat notifies run; datagrams passed to
// HandleIncomingData are still routed and answered.
func (d *DeviceLocal) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *DeviceLocal) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()
	lastHeartbeat := make(map[*Entity]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.pending.Sweep(now)
			d.tickHeartbeats(ctx, now, lastHeartbeat)
		}
	}
}

func (d *DeviceLocal) tickHeartbeats(ctx context.Context, now time.Time, last map[*Entity]time.Time) {
	for _, e := range d.Entities() {
		hb := e.HeartbeatManager()
		if hb == nil || !hb.Due(now.Sub(last[e])) {
			continue
		}
		var diag *Feature
		for _, f := range e.Features() {
			if f.Type() == eebus.FeatureTypeDeviceDiagnosis && f.Role() == eebus.FeatureRoleServer {
				diag = f
				break
			}
		}
		if diag == nil {
			continue
		}
		data := hb.Tick(now)
		last[e] = now
		local := diag.Address()
		payload := codec.Seq(
			codec.F("timestamp", codec.String(data.Timestamp.Format(time.RFC3339))),
			codec.F("heartbeatCounter", codec.Int(int64(data.HeartbeatCounter))),
		)
		errs := d.subs.Publish(ctx, d, local, subscription.Payload{
			FunctionType: string(FunctionHeartbeatData),
			Data:         payload,
		})
		for _, err := range errs {
			d.log.Warn("heartbeat notify failed", "err", err)
		}
	}
}

func (d *DeviceLocal) nextMsgCounter() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgCounter++
	return d.msgCounter
}

// HandleIncomingData is the ship.DataHandler bound to one peer's
// connection. It decodes the SHIP data-phase payload and routes it.
func (d *DeviceLocal) HandleIncomingData(ski string) func([]byte) {
	return func(raw []byte) {
		dg, err := DecodeDataPhase(raw)
		if err != nil {
			d.log.Warn("dropping malformed datagram", "ski", ski, "err", err)
			return
		}
		d.routeDatagram(context.Background(), ski, dg)
	}
}

// routeDatagram implements the §4.5 per-command dispatch: classify each
// command in the datagram and apply the matching handling rule.
func (d *DeviceLocal) routeDatagram(ctx context.Context, ski string, dg Datagram) {
	h := dg.Header
	for _, cmd := range dg.Commands {
		cmdCtx, span := d.tracer.Start(ctx, "spine.route.dispatch", trace.WithAttributes(
			attribute.String("spine.classifier", string(h.Classifier)),
			attribute.String("spine.destination", h.Destination.String()),
			attribute.String("spine.function", string(cmd.FunctionType)),
		))
		switch h.Classifier {
		case eebus.CmdRead:
			d.handleRead(cmdCtx, ski, h, cmd)
		case eebus.CmdReply:
			d.handleReply(ski, h, cmd)
		case eebus.CmdNotify:
			d.handleNotify(ski, h, cmd)
		case eebus.CmdWrite:
			d.handleWrite(cmdCtx, ski, h, cmd)
		case eebus.CmdCall:
			d.handleCall(cmdCtx, ski, h, cmd)
		case eebus.CmdResult:
			d.handleResult(ski, h, cmd)
		default:
			d.log.Warn("unknown command classifier", "classifier", h.Classifier)
		}
		span.End()
	}
}

func (d *DeviceLocal) handleRead(ctx context.Context, ski string, h Header, cmd Command) {
	feat, ok := d.LocalFeature(h.Destination)
	if !ok {
		d.sendResult(ctx, ski, h, errkind.InputArgumentOutOfRange("spine: no such local feature %s", h.Destination))
		return
	}
	if role := feat.Role(); role != eebus.FeatureRoleServer && role != eebus.FeatureRoleSpecial {
		d.sendResult(ctx, ski, h, errkind.NotImplemented("spine: %s has role %q, cannot answer read", h.Destination, role))
		return
	}
	fn, ok := feat.Function(cmd.FunctionType)
	if !ok || !fn.Operations().Read {
		d.sendResult(ctx, ski, h, errkind.NotImplemented("spine: %s does not support read of %s", h.Destination, cmd.FunctionType))
		return
	}
	reply := Datagram{
		Header: Header{
			SpecVersion: h.SpecVersion,
			Source:      h.Destination,
			Destination: h.Source,
			MsgCounter:  d.nextMsgCounter(),
			MsgCounterRef: &h.MsgCounter,
			Classifier:  eebus.CmdReply,
		},
		Commands: []Command{{FunctionType: cmd.FunctionType, Data: fn.ReadData()}},
	}
	d.send(ctx, ski, reply)
}

func (d *DeviceLocal) handleReply(ski string, h Header, cmd Command) {
	if h.MsgCounterRef == nil {
		d.log.Warn("reply with no msgCounterReference", "ski", ski)
		return
	}
	d.pending.Resolve(ski, *h.MsgCounterRef, cmd.Data)
	d.mirrorRemoteData(ski, h, cmd)
}

// mirrorRemoteData is the data-update path shared by reply and notify. If
// the local function addressed by h.Destination (the one that issued the
// read, or is the subscription target) carries a ReplyHook — Node
// Management installs one for DetailedDiscoveryData and UseCaseData,
// whose payloads describe more than a single function's value — the hook
// takes over entirely. Otherwise the payload is stored generically into
// the remote feature's cached mirror, creating the mirror entity/feature
// on first sight.
func (d *DeviceLocal) mirrorRemoteData(ski string, h Header, cmd Command) {
	if feat, ok := d.LocalFeature(h.Destination); ok {
		if fn, ok := feat.Function(cmd.FunctionType); ok {
			if hook := fn.ReplyHook(); hook != nil {
				hook(ski, cmd.Data)
				return
			}
		}
	}
	remote := d.RemoteDevice(ski)
	feat := remote.ensureFeature(h.Source)
	fn, ok := feat.Function(cmd.FunctionType)
	if !ok {
		fn = NewFunction(cmd.FunctionType, Operations{})
		feat.AddFunction(fn)
	}
	fn.ApplyPartialWrite(cmd.FilterPartial, cmd.Data)
	d.events.Publish(eventbus.Event{
		Kind:       eventbus.DataChange,
		Device:     h.Source.Device,
		EntityAddr: h.Source.Entity.String(),
		FeatureID:  h.Source.FeatureID,
	})
}

func (d *DeviceLocal) handleNotify(ski string, h Header, cmd Command) {
	d.mirrorRemoteData(ski, h, cmd)
}

func (d *DeviceLocal) handleWrite(ctx context.Context, ski string, h Header, cmd Command) {
	feat, ok := d.LocalFeature(h.Destination)
	if !ok {
		d.sendResultIfAcked(ctx, ski, h, errkind.InputArgumentOutOfRange("spine: no such local feature %s", h.Destination))
		return
	}
	remote := d.RemoteDevice(ski)
	if remote.Address() == "" {
		remote.SetAddress(h.Source.Device)
	}
	if !d.binds.Has(h.Destination, h.Source) {
		d.sendResultIfAcked(ctx, ski, h, errkind.NoChange("spine: write to %s rejected, no binding from %s", h.Destination, h.Source))
		return
	}
	if role := feat.Role(); role != eebus.FeatureRoleServer {
		d.sendResultIfAcked(ctx, ski, h, errkind.NotImplemented("spine: %s has role %q, cannot accept write", h.Destination, role))
		return
	}
	fn, ok := feat.Function(cmd.FunctionType)
	if !ok || !fn.Operations().Write {
		d.sendResultIfAcked(ctx, ski, h, errkind.NotImplemented("spine: %s does not support write of %s", h.Destination, cmd.FunctionType))
		return
	}
	fn.ApplyPartialWrite(cmd.FilterPartial, cmd.Data)
	d.sendResultIfAcked(ctx, ski, h, nil)
	d.publishChange(ctx, h.Destination, cmd.FunctionType, fn.Data())
}

func (d *DeviceLocal) handleCall(ctx context.Context, ski string, h Header, cmd Command) {
	feat, ok := d.LocalFeature(h.Destination)
	if !ok {
		d.sendResult(ctx, ski, h, errkind.InputArgumentOutOfRange("spine: no such local feature %s", h.Destination))
		return
	}
	remote := d.RemoteDevice(ski)
	if remote.Address() == "" {
		remote.SetAddress(h.Source.Device)
	}
	result, err := feat.HandleCall(ctx, h.Source, cmd)
	if err != nil {
		d.sendResult(ctx, ski, h, err)
		return
	}
	reply := Datagram{
		Header: Header{
			SpecVersion:   h.SpecVersion,
			Source:        h.Destination,
			Destination:   h.Source,
			MsgCounter:    d.nextMsgCounter(),
			MsgCounterRef: &h.MsgCounter,
			Classifier:    eebus.CmdReply,
		},
		Commands: []Command{result},
	}
	d.send(ctx, ski, reply)
}

func (d *DeviceLocal) handleResult(ski string, h Header, cmd Command) {
	if h.MsgCounterRef == nil {
		return
	}
	seq, _ := codec.AsSequence(cmd.Data)
	errText, _ := seq.Get("description")
	var err error
	if v, ok := seq.Get("errorNumber"); ok {
		if n, nerr := codec.AsInt(v); nerr == nil && n != 0 {
			msg, _ := codec.AsString(errText)
			err = fmt.Errorf("spine: remote result error %d: %s", n, msg)
		}
	}
	if err != nil {
		d.pending.Fail(ski, *h.MsgCounterRef, err)
	} else {
		d.pending.Resolve(ski, *h.MsgCounterRef, cmd.Data)
	}
}

// publishChange notifies every subscriber of local when its function
// changes, used after an accepted write (§4.6).
func (d *DeviceLocal) publishChange(ctx context.Context, local eebus.FeatureAddress, typ FunctionType, data codec.Node) {
	d.events.Publish(eventbus.Event{
		Kind:       eventbus.DataChange,
		Device:     local.Device,
		EntityAddr: local.Entity.String(),
		FeatureID:  local.FeatureID,
	})
	errs := d.subs.Publish(ctx, d, local, subscription.Payload{FunctionType: string(typ), Data: data})
	for _, err := range errs {
		d.log.Warn("subscription notify failed", "err", err)
	}
}

// SendNotify implements subscription.Sender: it originates a notify
// datagram from a local feature to a subscribed remote one.
func (d *DeviceLocal) SendNotify(ctx context.Context, from, to eebus.FeatureAddress, payload subscription.Payload) error {
	ski, ok := d.skiFor(to.Device)
	if !ok {
		return errkind.NoChange("spine: no connection tracked for device %s", to.Device)
	}
	data, _ := payload.Data.(codec.Node)
	dg := Datagram{
		Header: Header{
			Source:      from,
			Destination: to,
			MsgCounter:  d.nextMsgCounter(),
			Classifier:  eebus.CmdNotify,
		},
		Commands: []Command{{FunctionType: FunctionType(payload.FunctionType), Data: data}},
	}
	return d.send(ctx, ski, dg)
}

// skiFor resolves a wire device address (as tracked in a DeviceRemote)
// back to the SKI it was registered under.
func (d *DeviceLocal) skiFor(device string) (ski string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s, r := range d.remotes {
		if r.Address() == device {
			return s, true
		}
	}
	return "", false
}

// SendRead originates a read against a remote feature, registering a
// pending callback keyed by the new message counter (§4.8).
func (d *DeviceLocal) SendRead(ctx context.Context, ski string, from, to eebus.FeatureAddress, typ FunctionType, cb pending.Callback) error {
	counter := d.nextMsgCounter()
	d.pending.Register(ski, counter, d.maxResponseDelayFor(to), cb)
	dg := Datagram{
		Header: Header{
			Source:      from,
			Destination: to,
			MsgCounter:  counter,
			Classifier:  eebus.CmdRead,
		},
		Commands: []Command{{FunctionType: typ}},
	}
	return d.send(ctx, ski, dg)
}

// SendCall originates a call against a remote feature, registering a
// pending callback for the eventual reply.
func (d *DeviceLocal) SendCall(ctx context.Context, ski string, from, to eebus.FeatureAddress, cmd Command, cb pending.Callback) error {
	counter := d.nextMsgCounter()
	d.pending.Register(ski, counter, d.maxResponseDelayFor(to), cb)
	dg := Datagram{
		Header: Header{
			Source:      from,
			Destination: to,
			MsgCounter:  counter,
			Classifier:  eebus.CmdCall,
		},
		Commands: []Command{cmd},
	}
	return d.send(ctx, ski, dg)
}

func (d *DeviceLocal) maxResponseDelayFor(to eebus.FeatureAddress) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.remotes {
		if r.Address() != to.Device {
			continue
		}
		for _, e := range r.Entities() {
			if f, ok := e.Feature(to.FeatureID); ok {
				return f.MaxResponseDelay()
			}
		}
	}
	return DefaultMaxResponseDelay
}

func (d *DeviceLocal) sendResultIfAcked(ctx context.Context, ski string, h Header, err error) {
	if !h.AckRequest {
		return
	}
	d.sendResult(ctx, ski, h, err)
}

func (d *DeviceLocal) sendResult(ctx context.Context, ski string, h Header, err error) {
	errNumber := 0
	desc := ""
	if err != nil {
		errNumber = 1
		desc = err.Error()
	}
	dg := Datagram{
		Header: Header{
			SpecVersion:   h.SpecVersion,
			Source:        h.Destination,
			Destination:   h.Source,
			MsgCounter:    d.nextMsgCounter(),
			MsgCounterRef: &h.MsgCounter,
			Classifier:    eebus.CmdResult,
		},
		Commands: []Command{{
			FunctionType: FunctionResultData,
			Data: codec.Seq(
				codec.F("errorNumber", codec.Int(int64(errNumber))),
				codec.F("description", codec.String(desc)),
			),
		}},
	}
	d.send(ctx, ski, dg)
}

func (d *DeviceLocal) send(ctx context.Context, ski string, dg Datagram) error {
	raw, err := EncodeDataPhase(dg)
	if err != nil {
		return err
	}
	if d.sender == nil {
		return errkind.NoChange("spine: device has no sender configured")
	}
	return d.sender.SendTo(ctx, ski, raw)
}

// DeviceRemote is this side's mirror of a peer device: the wire address
// it announced and the entities/features discovered about it so far
// (§4.4, §4.6).
type DeviceRemote struct {
	mu sync.Mutex

	ski     string
	address string

	entities map[string]*Entity
}

func newDeviceRemote(ski string) *DeviceRemote {
	return &DeviceRemote{ski: ski, entities: make(map[string]*Entity)}
}

// SKI returns the peer's subject key identifier.
func (r *DeviceRemote) SKI() string { return r.ski }

// Address returns the peer's opaque wire device address, once learned
// from DetailedDiscoveryData. Empty until then.
func (r *DeviceRemote) Address() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// SetAddress records the peer's wire device address.
func (r *DeviceRemote) SetAddress(address string) {
	r.mu.Lock()
	r.address = address
	r.mu.Unlock()
}

// ensureFeature returns the mirrored feature at addr, creating an empty
// entity/feature pair if this is the first data seen from it.
func (r *DeviceRemote) ensureFeature(addr eebus.FeatureAddress) *Feature {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.address == "" {
		r.address = addr.Device
	}
	key := addr.Entity.String()
	e, ok := r.entities[key]
	if !ok {
		e = NewEntity(addr.Device, addr.Entity, "")
		r.entities[key] = e
	}
	if f, ok := e.Feature(addr.FeatureID); ok {
		return f
	}
	f := NewRemoteFeature(addr, "", "")
	e.SetFeature(addr.FeatureID, f)
	return f
}

// InstallEntity replaces (or adds) e in the peer's discovered entity
// mirror, keyed by its path, reporting whether this entity path is newly
// seen. Used by Node Management's DetailedDiscoveryData reply decoding,
// which builds whole entities up front rather than growing them lazily
// the way ensureFeature's generic per-function mirror does.
func (r *DeviceRemote) InstallEntity(e *Entity) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.address == "" {
		r.address = e.device
	}
	key := e.Address().String()
	_, existed := r.entities[key]
	r.entities[key] = e
	return !existed
}

// Entities returns the peer's discovered entities.
func (r *DeviceRemote) Entities() []*Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}
