// Package ship implements the SHIP connection state machine (SME) from
// SPEC_FULL.md §4.3/§6: the handshake that takes a raw transport from
// acceptance through CMI, hello, protocol handshake, PIN, access methods,
// into the data phase, and through close.
package ship

import (
	"fmt"

	"eebus/codec"
	"eebus/internal/errkind"
)

// HelloPhase is the connectionHello.phase enum from §6.
type HelloPhase string

const (
	HelloReady   HelloPhase = "ready"
	HelloPending HelloPhase = "pending"
	HelloAborted HelloPhase = "aborted"
)

// HandshakeType is messageProtocolHandshake.handshakeType.
type HandshakeType string

const (
	HandshakeAnnounceMax HandshakeType = "announceMax"
	HandshakeSelect      HandshakeType = "select"
)

// HandshakeFormat is the wire format negotiated in the protocol handshake.
type HandshakeFormat string

const (
	FormatJSONUTF8  HandshakeFormat = "JSON-UTF8"
	FormatJSONUTF16 HandshakeFormat = "JSON-UTF16"
)

// HandshakeError is messageProtocolHandshakeError.error.
type HandshakeError int

const (
	HandshakeErrorRFU               HandshakeError = 0
	HandshakeErrorTimeout           HandshakeError = 1
	HandshakeErrorUnexpectedMessage HandshakeError = 2
	HandshakeErrorSelectionMismatch HandshakeError = 3
)

// PinState is connectionPinState.pinState.
type PinState string

const (
	PinRequired PinState = "required"
	PinOptional PinState = "optional"
	PinOk       PinState = "pinOk"
	PinNone     PinState = "none"
)

// PinError is connectionPinError.error.
type PinError int

const (
	PinErrorWrongPin PinError = 1
)

// ClosePhase is connectionClose.phase.
type ClosePhase string

const (
	CloseAnnounce ClosePhase = "announce"
	CloseConfirm  ClosePhase = "confirm"
)

// --- connectionHello ---

func buildHello(phase HelloPhase, waitingMs int64, prolongationRequest bool) codec.Sequence {
	fields := codec.Sequence{{Key: "connectionHello", Value: codec.Seq(
		codec.F("phase", codec.String(phase)),
	)}}
	body := fields[0].Value.(codec.Sequence)
	if waitingMs > 0 {
		body = append(body, codec.F("waiting", codec.Int(waitingMs)))
	}
	if prolongationRequest {
		body = append(body, codec.F("prolongationRequest", codec.Bool(true)))
	}
	fields[0].Value = body
	return fields
}

type hello struct {
	phase                HelloPhase
	waitingMs            int64
	prolongationRequest  bool
}

func parseHello(n codec.Node) (hello, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "connectionHello" {
		return hello{}, errkind.InputArgument("ship: not a connectionHello message")
	}
	body, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return hello{}, err
	}
	var h hello
	phaseNode, ok := body.Get("phase")
	if !ok {
		return hello{}, errkind.InputArgumentNull("connectionHello.phase")
	}
	ps, err := codec.AsString(phaseNode)
	if err != nil {
		return hello{}, err
	}
	h.phase = HelloPhase(ps)
	if w, ok := body.Get("waiting"); ok {
		v, err := codec.AsInt(w)
		if err != nil {
			return hello{}, err
		}
		h.waitingMs = v
	}
	if p, ok := body.Get("prolongationRequest"); ok {
		v, err := codec.AsBool(p)
		if err != nil {
			return hello{}, err
		}
		h.prolongationRequest = v
	}
	return h, nil
}

// --- messageProtocolHandshake ---

func buildHandshake(kind HandshakeType, major, minor int64, formats []HandshakeFormat) codec.Sequence {
	formatNodes := make(codec.Array, 0, len(formats))
	for _, f := range formats {
		formatNodes = append(formatNodes, codec.String(f))
	}
	body := codec.Seq(
		codec.F("handshakeType", codec.String(kind)),
		codec.F("version", codec.Seq(
			codec.F("major", codec.Int(major)),
			codec.F("minor", codec.Int(minor)),
		)),
		codec.F("formats", codec.Seq(codec.F("format", formatNodes))),
	)
	return codec.Sequence{{Key: "messageProtocolHandshake", Value: body}}
}

type handshake struct {
	kind          HandshakeType
	major, minor  int64
	formats       []HandshakeFormat
}

func parseHandshake(n codec.Node) (handshake, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "messageProtocolHandshake" {
		return handshake{}, errkind.InputArgument("ship: not a messageProtocolHandshake message")
	}
	body, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return handshake{}, err
	}
	var h handshake
	kindNode, ok := body.Get("handshakeType")
	if !ok {
		return handshake{}, errkind.InputArgumentNull("messageProtocolHandshake.handshakeType")
	}
	kindStr, err := codec.AsString(kindNode)
	if err != nil {
		return handshake{}, err
	}
	h.kind = HandshakeType(kindStr)

	versionNode, ok := body.Get("version")
	if !ok {
		return handshake{}, errkind.InputArgumentNull("messageProtocolHandshake.version")
	}
	version, err := codec.AsSequence(versionNode)
	if err != nil {
		return handshake{}, err
	}
	if m, ok := version.Get("major"); ok {
		h.major, _ = codec.AsInt(m)
	}
	if m, ok := version.Get("minor"); ok {
		h.minor, _ = codec.AsInt(m)
	}

	formatsNode, ok := body.Get("formats")
	if !ok {
		return handshake{}, errkind.InputArgumentNull("messageProtocolHandshake.formats")
	}
	formatsSeq, err := codec.AsSequence(formatsNode)
	if err != nil {
		return handshake{}, err
	}
	formatNode, ok := formatsSeq.Get("format")
	if !ok {
		return handshake{}, errkind.InputArgumentNull("messageProtocolHandshake.formats.format")
	}
	formatArr, err := codec.AsArray(formatNode)
	if err != nil {
		return handshake{}, err
	}
	for _, f := range formatArr {
		s, err := codec.AsString(f)
		if err != nil {
			return handshake{}, err
		}
		h.formats = append(h.formats, HandshakeFormat(s))
	}
	return h, nil
}

func buildHandshakeError(e HandshakeError) codec.Sequence {
	body := codec.Seq(codec.F("error", codec.Int(int64(e))))
	return codec.Sequence{{Key: "messageProtocolHandshakeError", Value: body}}
}

// --- connectionPinState / connectionPinInput / connectionPinError ---

func buildPinState(state PinState) codec.Sequence {
	body := codec.Seq(codec.F("pinState", codec.String(state)))
	return codec.Sequence{{Key: "connectionPinState", Value: body}}
}

func parsePinState(n codec.Node) (PinState, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "connectionPinState" {
		return "", errkind.InputArgument("ship: not a connectionPinState message")
	}
	body, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return "", err
	}
	stateNode, ok := body.Get("pinState")
	if !ok {
		return "", errkind.InputArgumentNull("connectionPinState.pinState")
	}
	s, err := codec.AsString(stateNode)
	return PinState(s), err
}

func buildPinError(e PinError) codec.Sequence {
	body := codec.Seq(codec.F("error", codec.Int(int64(e))))
	return codec.Sequence{{Key: "connectionPinError", Value: body}}
}

// --- accessMethodsRequest / accessMethods ---

func buildAccessMethodsRequest() codec.Sequence {
	return codec.Sequence{{Key: "accessMethodsRequest", Value: codec.Array{}}}
}

func buildAccessMethods(id string) codec.Sequence {
	body := codec.Seq(codec.F("id", codec.String(id)))
	return codec.Sequence{{Key: "accessMethods", Value: body}}
}

func parseAccessMethods(n codec.Node) (string, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "accessMethods" {
		return "", errkind.InputArgument("ship: not an accessMethods message")
	}
	body, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return "", err
	}
	idNode, ok := body.Get("id")
	if !ok {
		return "", errkind.InputArgumentNull("accessMethods.id")
	}
	return codec.AsString(idNode)
}

// --- connectionClose ---

func buildClose(phase ClosePhase, maxTimeMs int64, reason string) codec.Sequence {
	body := codec.Seq(codec.F("phase", codec.String(phase)))
	if maxTimeMs > 0 {
		body = append(body, codec.F("maxTime", codec.Int(maxTimeMs)))
	}
	if reason != "" {
		body = append(body, codec.F("reason", codec.String(reason)))
	}
	return codec.Sequence{{Key: "connectionClose", Value: body}}
}

func parseClose(n codec.Node) (ClosePhase, string, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 || top[0].Key != "connectionClose" {
		return "", "", errkind.InputArgument("ship: not a connectionClose message")
	}
	body, err := codec.AsSequence(top[0].Value)
	if err != nil {
		return "", "", err
	}
	phaseNode, ok := body.Get("phase")
	if !ok {
		return "", "", errkind.InputArgumentNull("connectionClose.phase")
	}
	p, err := codec.AsString(phaseNode)
	if err != nil {
		return "", "", err
	}
	var reason string
	if r, ok := body.Get("reason"); ok {
		reason, _ = codec.AsString(r)
	}
	return ClosePhase(p), reason, nil
}

// topLevelKey returns the single key present at the root of a control
// message tree, used to classify an inbound frame before full parsing.
func topLevelKey(n codec.Node) (string, error) {
	top, err := codec.AsSequence(n)
	if err != nil || len(top) != 1 {
		return "", errkind.InputArgument("ship: control message must have exactly one top-level key, got %T", n)
	}
	return top[0].Key, nil
}

var errUnexpectedMessage = fmt.Errorf("ship: unexpected message for current phase")
