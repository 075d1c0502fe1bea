package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"eebus/codec"
)

// pipeTransport is a minimal in-memory ship.Transport, independent of the
// one in package ship (unexported there), used to drive Accept/Connect
// against a scripted raw peer.
type pipeTransport struct {
	ski  string
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
}

func newPipePair(peerSKI, localSKI string) (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeTransport{ski: peerSKI, out: ab, in: ba, done: make(chan struct{})}
	b := &pipeTransport{ski: localSKI, out: ba, in: ab, done: make(chan struct{})}
	return a, b
}

func (p *pipeTransport) Send(ctx context.Context, raw []byte) error {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	select {
	case p.out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("pipe: closed")
	}
}

func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-p.in:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("pipe: closed")
	}
}

func (p *pipeTransport) PeerSKI() string { return p.ski }

func (p *pipeTransport) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

// rawPeer scripts the client side of a full, trusting SHIP handshake so
// tests can exercise Node.Accept end to end.
type rawPeer struct {
	t  *testing.T
	tr *pipeTransport
}

func (p *rawPeer) sendFrame(typ codec.MessageType, payload []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.tr.Send(ctx, codec.EncodeFrame(typ, payload)); err != nil {
		p.t.Fatalf("rawPeer send: %v", err)
	}
}

func (p *rawPeer) recvFrame() (codec.MessageType, []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := p.tr.Recv(ctx)
	if err != nil {
		p.t.Fatalf("rawPeer recv: %v", err)
	}
	typ, payload, err := codec.DecodeFrame(raw)
	if err != nil {
		p.t.Fatalf("decode frame: %v", err)
	}
	return typ, payload
}

func (p *rawPeer) sendControl(seq codec.Sequence) {
	p.t.Helper()
	data, err := codec.Serialize(seq)
	if err != nil {
		p.t.Fatalf("serialize: %v", err)
	}
	p.sendFrame(0x01, data)
}

func (p *rawPeer) sendClose(seq codec.Sequence) {
	p.t.Helper()
	data, err := codec.Serialize(seq)
	if err != nil {
		p.t.Fatalf("serialize: %v", err)
	}
	p.sendFrame(0x03, data)
}

func (p *rawPeer) recvControl() codec.Node {
	p.t.Helper()
	_, payload := p.recvFrame()
	n, err := codec.Deserialize(payload)
	if err != nil {
		p.t.Fatalf("deserialize: %v", err)
	}
	return n
}

// runHandshake drives peer through CMI/hello/protocol-handshake/pin/access
// methods as the client side of a server-role Node.Accept call.
func (p *rawPeer) runHandshake() {
	p.t.Helper()
	p.sendFrame(0x04, []byte(`{"cmi":1}`))
	p.recvFrame() // server CMI echo

	p.recvControl() // server hello (ready)
	p.sendControl(codec.Sequence{codec.F("connectionHello", codec.Seq(codec.F("phase", codec.String("ready"))))})

	p.recvControl() // server announceMax
	p.sendControl(codec.Sequence{codec.F("messageProtocolHandshake", codec.Seq(
		codec.F("handshakeType", codec.String("select")),
		codec.F("version", codec.Seq(codec.F("major", codec.Int(1)), codec.F("minor", codec.Int(0)))),
		codec.F("formats", codec.Seq(codec.F("format", codec.Array{codec.String("JSON-UTF8")}))),
	))})

	p.recvControl() // server pin state (none)
	p.sendControl(codec.Sequence{codec.F("connectionPinState", codec.Seq(codec.F("pinState", codec.String("none"))))})

	p.recvControl() // server accessMethodsRequest
	p.recvControl() // server accessMethods
	p.sendControl(codec.Sequence{codec.F("accessMethodsRequest", codec.Array{})})
	p.sendControl(codec.Sequence{codec.F("accessMethods", codec.Seq(codec.F("id", codec.String("peer-id"))))})
}

func TestNodeTrustRegistry(t *testing.T) {
	n := New("local-id")
	if n.IsTrusted("ski-1") {
		t.Fatal("expected ski-1 untrusted by default")
	}
	n.RegisterTrusted("ski-1")
	if !n.IsTrusted("ski-1") {
		t.Fatal("expected ski-1 trusted after registration")
	}
	n.UnregisterSKI(context.Background(), "ski-1")
	if n.IsTrusted("ski-1") {
		t.Fatal("expected ski-1 untrusted after unregister")
	}
}

func TestNodeWaitingForTrustAllowedDefaultsFalse(t *testing.T) {
	n := New("local-id")
	if n.WaitingForTrustAllowed("anyone") {
		t.Fatal("expected default predicate to deny trust prompts")
	}
}

func TestNodeWaitingForTrustAllowedCustom(t *testing.T) {
	n := New("local-id", WithWaitingForTrustAllowed(func(ski string) bool { return ski == "allowed" }))
	if !n.WaitingForTrustAllowed("allowed") {
		t.Fatal("expected predicate to allow configured ski")
	}
	if n.WaitingForTrustAllowed("other") {
		t.Fatal("expected predicate to deny other ski")
	}
}

func TestNodeAcceptTracksAndForgetsConnection(t *testing.T) {
	serverT, peerT := newPipePair("peer-ski", "server-ski")
	n := New("server-id")
	n.RegisterTrusted("peer-ski")
	peer := &rawPeer{t: t, tr: peerT}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- n.Accept(ctx, serverT, nil, nil) }()

	peer.runHandshake()

	deadline := time.After(time.Second)
	for {
		if _, ok := n.Connection("peer-ski"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	peer.sendClose(codec.Sequence{codec.F("connectionClose", codec.Seq(codec.F("phase", codec.String("announce"))))})

	if err := <-runDone; err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	deadline = time.After(time.Second)
	for {
		if _, ok := n.Connection("peer-ski"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("connection was not forgotten after close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNodeUnregisterClosesLiveConnection(t *testing.T) {
	serverT, peerT := newPipePair("peer-ski", "server-ski")
	n := New("server-id")
	n.RegisterTrusted("peer-ski")
	peer := &rawPeer{t: t, tr: peerT}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- n.Accept(ctx, serverT, nil, nil) }()

	peer.runHandshake()

	deadline := time.After(time.Second)
	for {
		if _, ok := n.Connection("peer-ski"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	n.UnregisterSKI(ctx, "peer-ski")

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after unregister closed the connection")
	}
}
