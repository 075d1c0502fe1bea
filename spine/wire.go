package spine

import (
	"eebus"
	"eebus/codec"
	"eebus/internal/errkind"
)

// Filter is the partial-update selector from §3. The core encodes it on
// outbound commands but does not interpret data-selectors/data-elements,
// which are schema-specific per function type (see
// Function.ApplyPartialWrite). Inbound filters are not decoded, and
// notifies to subscribers carry none.
type Filter struct {
	FilterID      *int
	DataSelectors codec.Node
	DataElements  codec.Node
}

func encodeFilter(label string, f *Filter) *codec.Field {
	if f == nil {
		return nil
	}
	body := codec.Sequence{}
	if f.FilterID != nil {
		body = append(body, codec.F("filterId", codec.Int(int64(*f.FilterID))))
	}
	if f.DataSelectors != nil {
		body = append(body, codec.F("dataSelectors", f.DataSelectors))
	}
	if f.DataElements != nil {
		body = append(body, codec.F("dataElements", f.DataElements))
	}
	field := codec.F(label, body)
	return &field
}

// Command carries one function's typed data, per §3.
type Command struct {
	FunctionType  FunctionType
	Data          codec.Node
	FilterPartial *Filter
	FilterDelete  *Filter
}

func encodeCommand(c Command) codec.Sequence {
	body := codec.Seq(
		codec.F("functionType", codec.String(c.FunctionType)),
		codec.F("data", orNull(c.Data)),
	)
	if f := encodeFilter("filterPartial", c.FilterPartial); f != nil {
		body = append(body, *f)
	}
	if f := encodeFilter("filterDelete", c.FilterDelete); f != nil {
		body = append(body, *f)
	}
	return body
}

func orNull(n codec.Node) codec.Node {
	if n == nil {
		return codec.Null{}
	}
	return n
}

func decodeCommand(n codec.Node) (Command, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return Command{}, err
	}
	typNode, ok := seq.Get("functionType")
	if !ok {
		return Command{}, errkind.InputArgumentNull("command.functionType")
	}
	typ, err := codec.AsString(typNode)
	if err != nil {
		return Command{}, err
	}
	data, _ := seq.Get("data")
	return Command{FunctionType: FunctionType(typ), Data: data}, nil
}

// Header is the SPINE datagram header from §6, order-significant on the
// wire.
type Header struct {
	SpecVersion    string
	Source         eebus.FeatureAddress
	Destination    eebus.FeatureAddress
	MsgCounter     uint64
	MsgCounterRef  *uint64
	Classifier     eebus.CmdClassifier
	AckRequest     bool
}

func encodeAddress(a eebus.FeatureAddress) codec.Node {
	entity := make(codec.Array, 0, len(a.Entity))
	for _, e := range a.Entity {
		entity = append(entity, codec.Int(int64(e)))
	}
	return codec.Seq(
		codec.F("device", codec.String(a.Device)),
		codec.F("entity", entity),
		codec.F("feature", codec.Int(int64(a.FeatureID))),
	)
}

func decodeAddress(n codec.Node) (eebus.FeatureAddress, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	deviceNode, ok := seq.Get("device")
	if !ok {
		return eebus.FeatureAddress{}, errkind.InputArgumentNull("address.device")
	}
	device, err := codec.AsString(deviceNode)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	entityNode, ok := seq.Get("entity")
	if !ok {
		return eebus.FeatureAddress{}, errkind.InputArgumentNull("address.entity")
	}
	entityArr, err := codec.AsArray(entityNode)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	path := make(eebus.EntityPath, 0, len(entityArr))
	for _, e := range entityArr {
		v, err := codec.AsInt(e)
		if err != nil {
			return eebus.FeatureAddress{}, err
		}
		path = append(path, uint(v))
	}
	featureNode, ok := seq.Get("feature")
	if !ok {
		return eebus.FeatureAddress{}, errkind.InputArgumentNull("address.feature")
	}
	featureID, err := codec.AsInt(featureNode)
	if err != nil {
		return eebus.FeatureAddress{}, err
	}
	return eebus.FeatureAddress{Device: device, Entity: path, FeatureID: uint(featureID)}, nil
}

func encodeHeader(h Header) codec.Sequence {
	body := codec.Seq(
		codec.F("specificationVersion", codec.String(h.SpecVersion)),
		codec.F("addressSource", encodeAddress(h.Source)),
		codec.F("addressDestination", encodeAddress(h.Destination)),
		codec.F("msgCounter", codec.Int(int64(h.MsgCounter))),
	)
	if h.MsgCounterRef != nil {
		body = append(body, codec.F("msgCounterReference", codec.Int(int64(*h.MsgCounterRef))))
	}
	body = append(body, codec.F("cmdClassifier", codec.String(h.Classifier)))
	if h.AckRequest {
		body = append(body, codec.F("ackRequest", codec.Bool(true)))
	}
	return body
}

func decodeHeader(n codec.Node) (Header, error) {
	seq, err := codec.AsSequence(n)
	if err != nil {
		return Header{}, err
	}
	var h Header
	if v, ok := seq.Get("specificationVersion"); ok {
		h.SpecVersion, _ = codec.AsString(v)
	}
	srcNode, ok := seq.Get("addressSource")
	if !ok {
		return Header{}, errkind.InputArgumentNull("header.addressSource")
	}
	if h.Source, err = decodeAddress(srcNode); err != nil {
		return Header{}, err
	}
	dstNode, ok := seq.Get("addressDestination")
	if !ok {
		return Header{}, errkind.InputArgumentNull("header.addressDestination")
	}
	if h.Destination, err = decodeAddress(dstNode); err != nil {
		return Header{}, err
	}
	counterNode, ok := seq.Get("msgCounter")
	if !ok {
		return Header{}, errkind.InputArgumentNull("header.msgCounter")
	}
	counter, err := codec.AsInt(counterNode)
	if err != nil {
		return Header{}, err
	}
	h.MsgCounter = uint64(counter)
	if refNode, ok := seq.Get("msgCounterReference"); ok {
		ref, err := codec.AsInt(refNode)
		if err != nil {
			return Header{}, err
		}
		u := uint64(ref)
		h.MsgCounterRef = &u
	}
	classNode, ok := seq.Get("cmdClassifier")
	if !ok {
		return Header{}, errkind.InputArgumentNull("header.cmdClassifier")
	}
	class, err := codec.AsString(classNode)
	if err != nil {
		return Header{}, err
	}
	h.Classifier = eebus.CmdClassifier(class)
	if ackNode, ok := seq.Get("ackRequest"); ok {
		h.AckRequest, _ = codec.AsBool(ackNode)
	}
	return h, nil
}

// Datagram is one SPINE message: a header plus one or more commands (§3).
type Datagram struct {
	Header   Header
	Commands []Command
}

// EncodeDataPhase wraps d as the SHIP data-phase payload bytes described
// in §6 — the value passed to ship.Connection.SendData.
func EncodeDataPhase(d Datagram) ([]byte, error) {
	cmds := make(codec.Array, 0, len(d.Commands))
	for _, c := range d.Commands {
		cmds = append(cmds, encodeCommand(c))
	}
	datagramBody := codec.Seq(
		codec.F("header", encodeHeader(d.Header)),
		codec.F("payload", codec.Seq(codec.F("cmd", cmds))),
	)
	outer := codec.Sequence{codec.F("data", codec.Seq(
		codec.F("header", codec.Seq(codec.F("protocolId", codec.String("ee1.0")))),
		codec.F("payload", codec.Seq(codec.F("datagram", datagramBody))),
	))}
	return codec.Serialize(outer)
}

// DecodeDataPhase is the inverse of EncodeDataPhase, except that a
// command's filterPartial/filterDelete are not decoded: decoded commands
// have nil filters.
func DecodeDataPhase(raw []byte) (Datagram, error) {
	n, err := codec.Deserialize(raw)
	if err != nil {
		return Datagram{}, err
	}
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "data" {
		return Datagram{}, errkind.InputArgument("spine: not a data-phase payload")
	}
	dataBody, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return Datagram{}, err
	}
	payloadNode, ok := dataBody.Get("payload")
	if !ok {
		return Datagram{}, errkind.InputArgumentNull("data.payload")
	}
	payloadSeq, err := codec.AsSequence(payloadNode)
	if err != nil {
		return Datagram{}, err
	}
	datagramNode, ok := payloadSeq.Get("datagram")
	if !ok {
		return Datagram{}, errkind.InputArgumentNull("data.payload.datagram")
	}
	datagramSeq, err := codec.AsSequence(datagramNode)
	if err != nil {
		return Datagram{}, err
	}
	headerNode, ok := datagramSeq.Get("header")
	if !ok {
		return Datagram{}, errkind.InputArgumentNull("datagram.header")
	}
	header, err := decodeHeader(headerNode)
	if err != nil {
		return Datagram{}, err
	}
	innerPayloadNode, ok := datagramSeq.Get("payload")
	if !ok {
		return Datagram{}, errkind.InputArgumentNull("datagram.payload")
	}
	innerPayloadSeq, err := codec.AsSequence(innerPayloadNode)
	if err != nil {
		return Datagram{}, err
	}
	cmdNode, ok := innerPayloadSeq.Get("cmd")
	if !ok {
		return Datagram{}, errkind.InputArgumentNull("datagram.payload.cmd")
	}
	cmdArr, err := codec.AsArray(cmdNode)
	if err != nil {
		return Datagram{}, err
	}
	commands := make([]Command, 0, len(cmdArr))
	for _, c := range cmdArr {
		cmd, err := decodeCommand(c)
		if err != nil {
			return Datagram{}, err
		}
		commands = append(commands, cmd)
	}
	return Datagram{Header: header, Commands: commands}, nil
}
