package ship

import (
	"testing"

	"eebus/codec"
)

func roundTrip(t *testing.T, seq codec.Sequence) codec.Node {
	t.Helper()
	raw, err := codec.Serialize(seq)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	n, err := codec.Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return n
}

func TestHelloRoundTrip(t *testing.T) {
	seq := buildHello(HelloPending, 5000, true)
	h, err := parseHello(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseHello: %v", err)
	}
	if h.phase != HelloPending || h.waitingMs != 5000 || !h.prolongationRequest {
		t.Fatalf("unexpected hello: %+v", h)
	}
}

func TestHelloMinimal(t *testing.T) {
	seq := buildHello(HelloReady, 0, false)
	h, err := parseHello(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseHello: %v", err)
	}
	if h.phase != HelloReady || h.waitingMs != 0 || h.prolongationRequest {
		t.Fatalf("unexpected hello: %+v", h)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	seq := buildHandshake(HandshakeAnnounceMax, 1, 0, []HandshakeFormat{FormatJSONUTF8, FormatJSONUTF16})
	h, err := parseHandshake(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseHandshake: %v", err)
	}
	if h.kind != HandshakeAnnounceMax || h.major != 1 || h.minor != 0 {
		t.Fatalf("unexpected handshake: %+v", h)
	}
	if len(h.formats) != 2 || h.formats[0] != FormatJSONUTF8 {
		t.Fatalf("unexpected formats: %v", h.formats)
	}
}

func TestParseHandshakeWrongMessage(t *testing.T) {
	seq := buildHello(HelloReady, 0, false)
	if _, err := parseHandshake(roundTrip(t, seq)); err == nil {
		t.Fatal("expected error parsing hello as handshake")
	}
}

func TestPinStateRoundTrip(t *testing.T) {
	seq := buildPinState(PinNone)
	p, err := parsePinState(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parsePinState: %v", err)
	}
	if p != PinNone {
		t.Fatalf("got %v, want PinNone", p)
	}
}

func TestAccessMethodsRoundTrip(t *testing.T) {
	seq := buildAccessMethods("device-shipid-1")
	id, err := parseAccessMethods(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseAccessMethods: %v", err)
	}
	if id != "device-shipid-1" {
		t.Fatalf("got %q", id)
	}
}

func TestCloseRoundTrip(t *testing.T) {
	seq := buildClose(CloseAnnounce, 1000, "")
	phase, reason, err := parseClose(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseClose: %v", err)
	}
	if phase != CloseAnnounce || reason != "" {
		t.Fatalf("unexpected close: %v %q", phase, reason)
	}
}

func TestCloseWithReason(t *testing.T) {
	seq := buildClose(CloseConfirm, 0, "peer requested")
	phase, reason, err := parseClose(roundTrip(t, seq))
	if err != nil {
		t.Fatalf("parseClose: %v", err)
	}
	if phase != CloseConfirm || reason != "peer requested" {
		t.Fatalf("unexpected close: %v %q", phase, reason)
	}
}

func TestTopLevelKey(t *testing.T) {
	key, err := topLevelKey(roundTrip(t, buildHello(HelloReady, 0, false)))
	if err != nil {
		t.Fatalf("topLevelKey: %v", err)
	}
	if key != "connectionHello" {
		t.Fatalf("got %q", key)
	}
}

func TestTopLevelKeyRejectsMultiKey(t *testing.T) {
	bad := codec.Sequence{
		codec.F("connectionHello", codec.Int(1)),
		codec.F("extra", codec.Int(2)),
	}
	if _, err := topLevelKey(roundTrip(t, bad)); err == nil {
		t.Fatal("expected error for multi-key top level")
	}
}
