// Package nodemanagement implements the special feature at (entity 0,
// feature 0) from SPEC_FULL.md §4.6: device/entity/feature discovery,
// subscription and binding request handling, use-case advertisement, and
// the client-side bootstrap handshake run right after a SHIP session
// enters the data phase.
package nodemanagement

import (
	"context"
	"sync"

	"eebus"
	"eebus/codec"
	"eebus/eventbus"
	"eebus/internal/errkind"
	"eebus/spine"
)

// Bootstrap runs the client-side handshake SPEC_FULL.md §4.6 requires right
// after a SHIP session reaches the data phase: read the peer's detailed
// discovery, subscribe to its Node Management, then read its advertised use
// cases. Each step waits for its pending callback before starting the next.
func Bootstrap(ctx context.Context, device *spine.DeviceLocal, ski string, local, peer eebus.FeatureAddress) error {
	if _, err := awaitRead(ctx, device, ski, local, peer, spine.FunctionDetailedDiscoveryData); err != nil {
		return err
	}

	subReq := codec.Seq(codec.F("serverAddress", encodeFeatureRef(peer)))
	if _, err := awaitCall(ctx, device, ski, local, peer, spine.FunctionSubscriptionRequest, subReq); err != nil {
		return err
	}

	if _, err := awaitRead(ctx, device, ski, local, peer, spine.FunctionUseCaseData); err != nil {
		return err
	}
	return nil
}

type pendingResult struct {
	data codec.Node
	err  error
}

func awaitRead(ctx context.Context, device *spine.DeviceLocal, ski string, local, peer eebus.FeatureAddress, fn spine.FunctionType) (codec.Node, error) {
	ch := make(chan pendingResult, 1)
	if err := device.SendRead(ctx, ski, local, peer, fn, func(data codec.Node, err error) {
		ch <- pendingResult{data, err}
	}); err != nil {
		return nil, err
	}
	return await(ctx, ch)
}

func awaitCall(ctx context.Context, device *spine.DeviceLocal, ski string, local, peer eebus.FeatureAddress, fn spine.FunctionType, data codec.Node) (codec.Node, error) {
	ch := make(chan pendingResult, 1)
	cmd := spine.Command{FunctionType: fn, Data: data}
	if err := device.SendCall(ctx, ski, local, peer, cmd, func(data codec.Node, err error) {
		ch <- pendingResult{data, err}
	}); err != nil {
		return nil, err
	}
	return await(ctx, ch)
}

func await(ctx context.Context, ch <-chan pendingResult) (codec.Node, error) {
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UseCaseSupport is one row of the aggregated use-case support table
// served by UseCaseData, shaped per original_source's
// node_management_types.h (actor, useCaseName, useCaseVersion,
// useCaseAvailable, scenarioSupport[]).
type UseCaseSupport struct {
	Actor          string
	UseCaseName    string
	UseCaseVersion string
	Available      bool
	Scenarios      []int
}

// DestinationEntry is one row of DestinationListData (smart+ only),
// carrying the same device-description shape DetailedDiscoveryData uses
// for its own device row.
type DestinationEntry struct {
	eebus.DeviceDescription
}

// DestinationListProvider supplies the rows for DestinationListData on
// demand. Installed only on smart/gateway-class devices via
// EnableDestinationList.
type DestinationListProvider func() []DestinationEntry

// NodeManagement is the privileged special feature every device carries
// at (entity 0, feature 0).
type NodeManagement struct {
	mu sync.Mutex

	device      *spine.DeviceLocal
	feature     *spine.Feature
	description eebus.DeviceDescription

	useCases       []UseCaseSupport
	remoteUseCases map[string][]UseCaseSupport
	destinations   DestinationListProvider
}

// New builds the Node Management feature, registers it as entity's first
// feature (so it receives feature id 0), and wires its call handler. The
// caller is responsible for attaching entity to device as entity 0.
func New(device *spine.DeviceLocal, entity *spine.Entity, description eebus.DeviceDescription) *NodeManagement {
	nm := &NodeManagement{device: device, description: description}

	feat := spine.NewLocalFeature(eebus.FeatureTypeNodeManagement, eebus.FeatureRoleSpecial)
	nm.feature = feat

	discovery := spine.NewFunction(spine.FunctionDetailedDiscoveryData, spine.Operations{Read: true})
	discovery.SetReadHook(nm.buildDetailedDiscovery)
	discovery.SetReplyHook(nm.handleDiscoveryReply)
	feat.AddFunction(discovery)

	subData := spine.NewFunction(spine.FunctionSubscriptionData, spine.Operations{Read: true})
	subData.SetReadHook(nm.buildSubscriptionData)
	feat.AddFunction(subData)

	bindData := spine.NewFunction(spine.FunctionBindingData, spine.Operations{Read: true})
	bindData.SetReadHook(nm.buildBindingData)
	feat.AddFunction(bindData)

	useCaseData := spine.NewFunction(spine.FunctionUseCaseData, spine.Operations{Read: true})
	useCaseData.SetReadHook(nm.buildUseCaseData)
	useCaseData.SetReplyHook(nm.handleUseCaseReply)
	feat.AddFunction(useCaseData)

	feat.SetCallHandler(nm.handleCall)

	entity.AddFeature(feat)
	return nm
}

// Feature returns the underlying SPINE feature, for tests and for
// attaching it to an entity that the caller constructs directly.
func (nm *NodeManagement) Feature() *spine.Feature { return nm.feature }

// EnableDestinationList installs DestinationListData, served from
// provider on every read. Only smart/gateway-class devices call this.
func (nm *NodeManagement) EnableDestinationList(provider DestinationListProvider) {
	nm.mu.Lock()
	nm.destinations = provider
	nm.mu.Unlock()
	fn := spine.NewFunction(spine.FunctionDestinationListData, spine.Operations{Read: true})
	fn.SetReadHook(nm.buildDestinationListData)
	nm.feature.AddFunction(fn)
}

// AddUseCase appends uc to the advertised use-case support table.
func (nm *NodeManagement) AddUseCase(uc UseCaseSupport) {
	nm.mu.Lock()
	nm.useCases = append(nm.useCases, uc)
	nm.mu.Unlock()
}

// SetUseCases replaces this device's own advertised use-case support
// table, served on read of UseCaseData. A peer's advertised table is
// tracked separately, per ski, by handleUseCaseReply; see RemoteUseCases.
func (nm *NodeManagement) SetUseCases(rows []UseCaseSupport) {
	nm.mu.Lock()
	nm.useCases = rows
	nm.mu.Unlock()
}

// RemoteUseCases returns ski's last-advertised use-case support table, or
// nil if this peer's UseCaseData has never been read or pushed.
func (nm *NodeManagement) RemoteUseCases(ski string) []UseCaseSupport {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.remoteUseCases[ski]
}

func (nm *NodeManagement) handleCall(_ context.Context, from eebus.FeatureAddress, cmd spine.Command) (spine.Command, error) {
	switch cmd.FunctionType {
	case spine.FunctionSubscriptionRequest:
		return nm.handleSubscriptionRequest(from, cmd)
	case spine.FunctionSubscriptionDelete:
		return nm.handleSubscriptionDelete(from, cmd)
	case spine.FunctionBindingRequest:
		return nm.handleBindingRequest(from, cmd)
	case spine.FunctionBindingDelete:
		return nm.handleBindingDelete(from, cmd)
	default:
		return spine.Command{}, errkind.NotImplemented("nodemanagement: unsupported call function %s", cmd.FunctionType)
	}
}

func (nm *NodeManagement) handleSubscriptionRequest(from eebus.FeatureAddress, cmd spine.Command) (spine.Command, error) {
	target, err := nm.decodeServerAddress(cmd.Data)
	if err != nil {
		return spine.Command{}, err
	}
	if _, ok := nm.device.LocalFeature(target); !ok {
		return spine.Command{}, errkind.InputArgumentOutOfRange("nodemanagement: subscription target %s not found", target)
	}
	nm.device.Subscriptions().Add(target, from)
	return resultSuccess(), nil
}

func (nm *NodeManagement) handleSubscriptionDelete(from eebus.FeatureAddress, cmd spine.Command) (spine.Command, error) {
	target, err := nm.decodeServerAddress(cmd.Data)
	if err != nil {
		return spine.Command{}, err
	}
	nm.device.Subscriptions().Remove(target, from)
	return resultSuccess(), nil
}

func (nm *NodeManagement) handleBindingRequest(from eebus.FeatureAddress, cmd spine.Command) (spine.Command, error) {
	target, err := nm.decodeServerAddress(cmd.Data)
	if err != nil {
		return spine.Command{}, err
	}
	if _, ok := nm.device.LocalFeature(target); !ok {
		return spine.Command{}, errkind.InputArgumentOutOfRange("nodemanagement: binding target %s not found", target)
	}
	nm.device.Bindings().Add(target, from)
	return resultSuccess(), nil
}

func (nm *NodeManagement) handleBindingDelete(from eebus.FeatureAddress, cmd spine.Command) (spine.Command, error) {
	target, err := nm.decodeServerAddress(cmd.Data)
	if err != nil {
		return spine.Command{}, err
	}
	nm.device.Bindings().Remove(target, from)
	return resultSuccess(), nil
}

func resultSuccess() spine.Command {
	return spine.Command{
		FunctionType: spine.FunctionResultData,
		Data: codec.Seq(
			codec.F("errorNumber", codec.Int(0)),
			codec.F("description", codec.String("")),
		),
	}
}

// --- wire shapes ---

func encodeFeatureRef(addr eebus.FeatureAddress) codec.Node {
	entity := make(codec.Array, 0, len(addr.Entity))
	for _, id := range addr.Entity {
		entity = append(entity, codec.Int(int64(id)))
	}
	return codec.Seq(
		codec.F("entity", entity),
		codec.F("feature", codec.Int(int64(addr.FeatureID))),
	)
}

func decodeFeatureRef(n codec.Node) (eebus.EntityPath, uint, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return nil, 0, err
	}
	entityNode, ok := seq.Get("entity")
	if !ok {
		return nil, 0, errkind.InputArgumentNull("entity")
	}
	entityArr, err := codec.AsArray(entityNode)
	if err != nil {
		return nil, 0, err
	}
	path := make(eebus.EntityPath, 0, len(entityArr))
	for _, e := range entityArr {
		v, err := codec.AsInt(e)
		if err != nil {
			return nil, 0, err
		}
		path = append(path, uint(v))
	}
	featureNode, ok := seq.Get("feature")
	if !ok {
		return nil, 0, errkind.InputArgumentNull("feature")
	}
	featureID, err := codec.AsInt(featureNode)
	if err != nil {
		return nil, 0, err
	}
	return path, uint(featureID), nil
}

func (nm *NodeManagement) decodeServerAddress(data codec.Node) (eebus.FeatureAddress, error) {
	seq, err := codec.AsSequence(data)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	refNode, ok := seq.Get("serverAddress")
	if !ok {
		return eebus.FeatureAddress{}, errkind.InputArgumentNull("serverAddress")
	}
	entity, featureID, err := decodeFeatureRef(refNode)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	return eebus.FeatureAddress{Device: nm.device.Address(), Entity: entity, FeatureID: featureID}, nil
}

func encodeDeviceDescription(d eebus.DeviceDescription) codec.Node {
	return codec.Seq(
		codec.F("address", codec.String(d.Address)),
		codec.F("vendor", codec.String(d.Vendor)),
		codec.F("brand", codec.String(d.Brand)),
		codec.F("model", codec.String(d.Model)),
		codec.F("serial", codec.String(d.Serial)),
		codec.F("deviceType", codec.String(d.DeviceType)),
		codec.F("featureSet", codec.String(d.FeatureSet)),
		codec.F("networkFeatureSet", codec.String(d.NetworkFeat)),
	)
}

// --- read builders ---

func (nm *NodeManagement) buildDetailedDiscovery() codec.Node {
	entities := nm.device.Entities()
	entityNodes := make(codec.Array, 0, len(entities))
	for _, e := range entities {
		features := e.Features()
		featureNodes := make(codec.Array, 0, len(features))
		for _, f := range features {
			supported := make(codec.Array, 0, len(f.Functions()))
			for _, fn := range f.Functions() {
				ops := fn.Operations()
				supported = append(supported, codec.Seq(
					codec.F("functionType", codec.String(string(fn.Type()))),
					codec.F("read", codec.Bool(ops.Read)),
					codec.F("readPartial", codec.Bool(ops.ReadPartial)),
					codec.F("write", codec.Bool(ops.Write)),
					codec.F("writePartial", codec.Bool(ops.WritePartial)),
				))
			}
			featureNodes = append(featureNodes, codec.Seq(
				codec.F("entity", entityPathArray(f.Address().Entity)),
				codec.F("feature", codec.Int(int64(f.Address().FeatureID))),
				codec.F("featureType", codec.String(string(f.Type()))),
				codec.F("role", codec.String(string(f.Role()))),
				codec.F("supportedFunction", supported),
			))
		}
		entityNodes = append(entityNodes, codec.Seq(
			codec.F("entity", entityPathArray(e.Address())),
			codec.F("entityType", codec.String(string(e.Type()))),
			codec.F("feature", featureNodes),
		))
	}
	return codec.Seq(
		codec.F("device", encodeDeviceDescription(nm.description)),
		codec.F("entity", entityNodes),
	)
}

func entityPathArray(p eebus.EntityPath) codec.Array {
	out := make(codec.Array, 0, len(p))
	for _, id := range p {
		out = append(out, codec.Int(int64(id)))
	}
	return out
}

func (nm *NodeManagement) buildSubscriptionData() codec.Node {
	rows := make(codec.Array, 0)
	for _, e := range nm.device.Entities() {
		for _, f := range e.Features() {
			for _, remote := range nm.device.Subscriptions().Subscribers(f.Address()) {
				rows = append(rows, codec.Seq(
					codec.F("clientAddress", encodeFeatureRef(remote)),
					codec.F("serverAddress", encodeFeatureRef(f.Address())),
				))
			}
		}
	}
	return codec.Seq(codec.F("subscription", rows))
}

func (nm *NodeManagement) buildBindingData() codec.Node {
	rows := make(codec.Array, 0)
	for _, e := range nm.device.Entities() {
		for _, f := range e.Features() {
			for _, remote := range nm.device.Bindings().Binders(f.Address()) {
				rows = append(rows, codec.Seq(
					codec.F("clientAddress", encodeFeatureRef(remote)),
					codec.F("serverAddress", encodeFeatureRef(f.Address())),
				))
			}
		}
	}
	return codec.Seq(codec.F("binding", rows))
}

func (nm *NodeManagement) buildUseCaseData() codec.Node {
	nm.mu.Lock()
	rows := make([]UseCaseSupport, len(nm.useCases))
	copy(rows, nm.useCases)
	nm.mu.Unlock()

	out := make(codec.Array, 0, len(rows))
	for _, uc := range rows {
		scenarios := make(codec.Array, 0, len(uc.Scenarios))
		for _, s := range uc.Scenarios {
			scenarios = append(scenarios, codec.Int(int64(s)))
		}
		out = append(out, codec.Seq(
			codec.F("actor", codec.String(uc.Actor)),
			codec.F("useCaseName", codec.String(uc.UseCaseName)),
			codec.F("useCaseVersion", codec.String(uc.UseCaseVersion)),
			codec.F("useCaseAvailable", codec.Bool(uc.Available)),
			codec.F("scenarioSupport", scenarios),
		))
	}
	return codec.Seq(codec.F("useCaseSupport", out))
}

// --- reply decoding ---

// handleDiscoveryReply is the inverse of buildDetailedDiscovery: it
// installs the peer's whole described device/entity/feature/function tree
// into its DeviceRemote mirror and publishes the EntityChange{Add} events
// §4.6 requires for each entity seen for the first time. Installed as
// DetailedDiscoveryData's ReplyHook, so spine.DeviceLocal routes both the
// Bootstrap read's reply and any later notify of this function here
// instead of through the generic one-slot-per-function mirror.
func (nm *NodeManagement) handleDiscoveryReply(ski string, data codec.Node) {
	seq, err := codec.AsSequence(data)
	if err != nil {
		return
	}
	remote := nm.device.RemoteDevice(ski)
	if deviceNode, ok := seq.Get("device"); ok {
		if desc, err := decodeDeviceDescription(deviceNode); err == nil && desc.Address != "" {
			remote.SetAddress(desc.Address)
		}
	}
	entityNode, ok := seq.Get("entity")
	if !ok {
		return
	}
	entityArr, err := codec.AsArray(entityNode)
	if err != nil {
		return
	}
	deviceAddr := remote.Address()
	for _, en := range entityArr {
		entity, err := decodeEntity(deviceAddr, en)
		if err != nil {
			continue
		}
		if remote.InstallEntity(entity) {
			nm.device.Events().Publish(eventbus.Event{
				Kind:       eventbus.EntityChange,
				Change:     eventbus.Add,
				Device:     ski,
				EntityAddr: entity.Address().String(),
			})
		}
	}
}

func decodeEntity(device string, n codec.Node) (*spine.Entity, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return nil, err
	}
	pathNode, ok := seq.Get("entity")
	if !ok {
		return nil, errkind.InputArgumentNull("entity")
	}
	path, err := decodeEntityPath(pathNode)
	if err != nil {
		return nil, err
	}
	typNode, _ := seq.Get("entityType")
	typStr, _ := codec.AsString(typNode)

	entity := spine.NewEntity(device, path, eebus.EntityType(typStr))

	featureNode, ok := seq.Get("feature")
	if !ok {
		return entity, nil
	}
	featureArr, err := codec.AsArray(featureNode)
	if err != nil {
		return entity, nil
	}
	for _, fn := range featureArr {
		id, feat, err := decodeFeature(device, path, fn)
		if err != nil {
			continue
		}
		entity.SetFeature(id, feat)
	}
	return entity, nil
}

func decodeEntityPath(n codec.Node) (eebus.EntityPath, error) {
	arr, err := codec.AsArray(n)
	if err != nil {
		return nil, err
	}
	path := make(eebus.EntityPath, 0, len(arr))
	for _, v := range arr {
		i, err := codec.AsInt(v)
		if err != nil {
			return nil, err
		}
		path = append(path, uint(i))
	}
	return path, nil
}

func decodeFeature(device string, entity eebus.EntityPath, n codec.Node) (uint, *spine.Feature, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return 0, nil, err
	}
	idNode, ok := seq.Get("feature")
	if !ok {
		return 0, nil, errkind.InputArgumentNull("feature")
	}
	id, err := codec.AsInt(idNode)
	if err != nil {
		return 0, nil, err
	}
	typNode, _ := seq.Get("featureType")
	typStr, _ := codec.AsString(typNode)
	roleNode, _ := seq.Get("role")
	roleStr, _ := codec.AsString(roleNode)

	addr := eebus.FeatureAddress{Device: device, Entity: entity, FeatureID: uint(id)}
	feat := spine.NewRemoteFeature(addr, eebus.FeatureType(typStr), eebus.FeatureRole(roleStr))

	if supportedNode, ok := seq.Get("supportedFunction"); ok {
		if supportedArr, err := codec.AsArray(supportedNode); err == nil {
			for _, sfn := range supportedArr {
				if fn, err := decodeSupportedFunction(sfn); err == nil {
					feat.AddFunction(fn)
				}
			}
		}
	}
	return uint(id), feat, nil
}

func decodeSupportedFunction(n codec.Node) (*spine.Function, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return nil, err
	}
	typNode, ok := seq.Get("functionType")
	if !ok {
		return nil, errkind.InputArgumentNull("functionType")
	}
	typStr, err := codec.AsString(typNode)
	if err != nil {
		return nil, err
	}
	ops := spine.Operations{}
	if v, ok := seq.Get("read"); ok {
		ops.Read, _ = codec.AsBool(v)
	}
	if v, ok := seq.Get("readPartial"); ok {
		ops.ReadPartial, _ = codec.AsBool(v)
	}
	if v, ok := seq.Get("write"); ok {
		ops.Write, _ = codec.AsBool(v)
	}
	if v, ok := seq.Get("writePartial"); ok {
		ops.WritePartial, _ = codec.AsBool(v)
	}
	return spine.NewFunction(spine.FunctionType(typStr), ops), nil
}

func decodeDeviceDescription(n codec.Node) (eebus.DeviceDescription, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return eebus.DeviceDescription{}, err
	}
	str := func(key string) string {
		v, ok := seq.Get(key)
		if !ok {
			return ""
		}
		s, _ := codec.AsString(v)
		return s
	}
	return eebus.DeviceDescription{
		Address:     str("address"),
		Vendor:      str("vendor"),
		Brand:       str("brand"),
		Model:       str("model"),
		Serial:      str("serial"),
		DeviceType:  str("deviceType"),
		FeatureSet:  eebus.FeatureSetType(str("featureSet")),
		NetworkFeat: str("networkFeatureSet"),
	}, nil
}

// handleUseCaseReply is the inverse of buildUseCaseData: it decodes the
// peer's advertised use-case support rows into its own per-ski table
// (separate from this device's own useCases, which SetUseCases manages).
// Installed as UseCaseData's ReplyHook.
func (nm *NodeManagement) handleUseCaseReply(ski string, data codec.Node) {
	seq, err := codec.AsSequence(data)
	if err != nil {
		return
	}
	rowsNode, ok := seq.Get("useCaseSupport")
	if !ok {
		return
	}
	rowsArr, err := codec.AsArray(rowsNode)
	if err != nil {
		return
	}
	rows := make([]UseCaseSupport, 0, len(rowsArr))
	for _, rn := range rowsArr {
		row, err := decodeUseCaseSupport(rn)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}

	nm.mu.Lock()
	if nm.remoteUseCases == nil {
		nm.remoteUseCases = make(map[string][]UseCaseSupport)
	}
	nm.remoteUseCases[ski] = rows
	nm.mu.Unlock()

	nm.device.Events().Publish(eventbus.Event{Kind: eventbus.DataChange, Device: ski})
}

func decodeUseCaseSupport(n codec.Node) (UseCaseSupport, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return UseCaseSupport{}, err
	}
	str := func(key string) string {
		v, ok := seq.Get(key)
		if !ok {
			return ""
		}
		s, _ := codec.AsString(v)
		return s
	}
	var available bool
	if v, ok := seq.Get("useCaseAvailable"); ok {
		available, _ = codec.AsBool(v)
	}
	var scenarios []int
	if v, ok := seq.Get("scenarioSupport"); ok {
		if arr, err := codec.AsArray(v); err == nil {
			for _, s := range arr {
				if i, err := codec.AsInt(s); err == nil {
					scenarios = append(scenarios, int(i))
				}
			}
		}
	}
	return UseCaseSupport{
		Actor:          str("actor"),
		UseCaseName:    str("useCaseName"),
		UseCaseVersion: str("useCaseVersion"),
		Available:      available,
		Scenarios:      scenarios,
	}, nil
}

func (nm *NodeManagement) buildDestinationListData() codec.Node {
	nm.mu.Lock()
	provider := nm.destinations
	nm.mu.Unlock()

	var entries []DestinationEntry
	if provider != nil {
		entries = provider()
	}
	rows := make(codec.Array, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, encodeDeviceDescription(e.DeviceDescription))
	}
	return codec.Seq(codec.F("destination", rows))
}
