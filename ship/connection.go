package ship

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"eebus"
	"eebus/codec"
	"eebus/internal/errkind"
)

// SME timers, §4.3.
const (
	TimeoutCMI            = 60 * time.Second
	TimeoutHello          = 60 * time.Second
	TimeoutHelloProlong   = 30 * time.Second
	TimeoutHandshake      = 10 * time.Second
	TimeoutPin            = 600 * time.Second
	defaultPendingTimeout = 10 * time.Second
)

// TrustDecider is the Ship Node's admission policy, consulted by the SME
// during the hello phase (§4.4).
type TrustDecider interface {
	// IsTrusted reports whether ski is already a registered, trusted peer.
	IsTrusted(ski string) bool
	// WaitingForTrustAllowed is the embedding application's predicate,
	// consulted once per inbound SME arrival from an untrusted SKI.
	WaitingForTrustAllowed(ski string) bool
}

// DataHandler is invoked with every inbound data-phase SPINE payload. It is
// the SME's only contract with the SPINE router (§2's "Data Reader"
// adapter is this callback plus the Connection's SendData method used as the
// "Data Writer").
type DataHandler func(payload []byte)

// Config configures a Connection's local identity for the handshake.
type Config struct {
	Role        eebus.Role
	LocalShipID string
	Trust       TrustDecider
	OnData      DataHandler
	OnReady     func(ski string) // invoked once the session enters the data phase
	OnClosed    func(reason string)
	PinRequired bool   // local policy: require a PIN (unsupported path, see §9)
	ExpectedPin string // hex PIN value; not read by the PIN phase, which only accepts "none"
}

// Connection drives one SHIP session end to end. Run drives the handshake
// and data phase on the caller's goroutine; Close may be called from
// another goroutine, so state and ski are guarded by mu.
type Connection struct {
	id        string
	transport Transport
	cfg       Config

	mu    sync.Mutex
	state State
	ski   string

	tracer trace.Tracer
	log    *slog.Logger
}

// New creates a Connection ready to Run.
func New(transport Transport, cfg Config) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:        id,
		transport: transport,
		cfg:       cfg,
		state:     StateInitial,
		tracer:    otel.Tracer("eebus/ship"),
		log:       slog.Default().With("component", "ship.connection", "conn_id", id),
	}
}

// ID returns the connection's process-local correlation id, assigned
// before the peer SKI is known (it is not known until CMI/hello begins).
func (c *Connection) ID() string { return c.id }

// State returns the connection's current SME state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SKI returns the peer's subject key identifier, populated once the
// transport has completed its TLS handshake.
func (c *Connection) SKI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ski
}

// setState records an SME transition under mu and emits a span for it
// (§4.3). It is called from Run's phases and from Close.
func (c *Connection) setState(ctx context.Context, s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "ship.sme.transition", trace.WithAttributes(
		attribute.String("ship.state.from", prev.String()),
		attribute.String("ship.state.to", s.String()),
	))
	span.End()

	c.log.Debug("sme transition", "state", s.String())
}

// Run drives the connection from Initial through Closed. It returns once
// the session has ended, whether cleanly or aborted.
func (c *Connection) Run(ctx context.Context) error {
	c.ski = c.transport.PeerSKI()

	if err := c.runCMI(ctx); err != nil {
		return c.abort(ctx, "CMI mismatch")
	}
	if err := c.runHello(ctx); err != nil {
		return c.abort(ctx, err.Error())
	}
	if err := c.runHandshake(ctx); err != nil {
		return err // runHandshake sends its own error frame before closing
	}
	if err := c.runPin(ctx); err != nil {
		return c.abort(ctx, err.Error())
	}
	if err := c.runAccessMethods(ctx); err != nil {
		return c.abort(ctx, err.Error())
	}

	c.setState(ctx, StateComplete)
	c.log.Info("ship session entered data phase", "ski", c.ski)
	if c.cfg.OnReady != nil {
		c.cfg.OnReady(c.ski)
	}
	return c.runDataPhase(ctx)
}

// --- CMI ---

func (c *Connection) runCMI(ctx context.Context) error {
	c.setState(ctx, StateCMI)

	if c.cfg.Role == eebus.RoleClient {
		if err := c.transport.Send(ctx, codec.EncodeCMI()); err != nil {
			return err
		}
	}

	raw, err := c.recvWithTimeout(ctx, TimeoutCMI)
	if err != nil {
		return err
	}
	typ, payload, err := codec.DecodeFrame(raw)
	if err != nil {
		return err
	}
	if typ != 0x04 || !codec.IsCMI(payload) {
		return fmt.Errorf("expected CMI frame, got type %v", typ)
	}

	if c.cfg.Role == eebus.RoleServer {
		if err := c.transport.Send(ctx, codec.EncodeCMI()); err != nil {
			return err
		}
	}
	return nil
}

// --- Hello ---

func (c *Connection) runHello(ctx context.Context) error {
	c.setState(ctx, StateHello)

	trusted := c.cfg.Trust == nil || c.cfg.Trust.IsTrusted(c.ski)
	if !trusted && c.cfg.Trust != nil && !c.cfg.Trust.WaitingForTrustAllowed(c.ski) {
		_ = c.sendControl(ctx, buildHello(HelloAborted, 0, false))
		return fmt.Errorf("hello: trust prompt not allowed for ski %q", c.ski)
	}

	phase := HelloReady
	if !trusted {
		phase = HelloPending
	}
	if err := c.sendControl(ctx, buildHello(phase, int64(TimeoutHelloProlong/time.Millisecond), false)); err != nil {
		return err
	}

	timeout := TimeoutHello
	prolonged := false
	for {
		raw, err := c.recvWithTimeout(ctx, timeout)
		if err != nil {
			return fmt.Errorf("hello: %w", err)
		}
		n, err := decodeControl(raw)
		if err != nil {
			return err
		}
		key, err := topLevelKey(n)
		if err != nil {
			return err
		}
		if key != "connectionHello" {
			return errUnexpectedMessage
		}
		h, err := parseHello(n)
		if err != nil {
			return err
		}
		switch h.phase {
		case HelloReady:
			return nil
		case HelloAborted:
			return fmt.Errorf("hello: aborted by peer")
		case HelloPending:
			if h.prolongationRequest && !prolonged {
				prolonged = true
				timeout = TimeoutHelloProlong
				continue
			}
			timeout = TimeoutHelloProlong
			continue
		default:
			return errUnexpectedMessage
		}
	}
}

// --- Protocol handshake ---

func (c *Connection) runHandshake(ctx context.Context) error {
	c.setState(ctx, StateProtocolHandshake)

	if c.cfg.Role == eebus.RoleServer {
		if err := c.sendControl(ctx, buildHandshake(HandshakeAnnounceMax, 1, 0, []HandshakeFormat{FormatJSONUTF8})); err != nil {
			return err
		}
	}

	raw, err := c.recvWithTimeout(ctx, TimeoutHandshake)
	if err != nil {
		return c.abort(ctx, err.Error())
	}
	n, err := decodeControl(raw)
	if err != nil {
		return c.abort(ctx, err.Error())
	}
	key, err := topLevelKey(n)
	if err != nil {
		return c.abort(ctx, err.Error())
	}
	if key != "messageProtocolHandshake" {
		return c.handshakeMismatch(ctx, "expected messageProtocolHandshake")
	}
	h, err := parseHandshake(n)
	if err != nil {
		return c.abort(ctx, err.Error())
	}

	if !supportsJSONUTF8(h.formats) || h.major != 1 || h.minor != 0 {
		return c.handshakeMismatch(ctx, "version/format mismatch")
	}

	if c.cfg.Role == eebus.RoleClient {
		if err := c.sendControl(ctx, buildHandshake(HandshakeSelect, 1, 0, []HandshakeFormat{FormatJSONUTF8})); err != nil {
			return err
		}
	}
	return nil
}

func supportsJSONUTF8(formats []HandshakeFormat) bool {
	for _, f := range formats {
		if f == FormatJSONUTF8 {
			return true
		}
	}
	return false
}

func (c *Connection) handshakeMismatch(ctx context.Context, reason string) error {
	_ = c.sendControl(ctx, buildHandshakeError(HandshakeErrorSelectionMismatch))
	return c.abort(ctx, reason)
}

// --- PIN ---

func (c *Connection) runPin(ctx context.Context) error {
	c.setState(ctx, StatePin)

	local := PinNone
	if c.cfg.PinRequired {
		local = PinRequired
	}
	if err := c.sendControl(ctx, buildPinState(local)); err != nil {
		return err
	}

	raw, err := c.recvWithTimeout(ctx, TimeoutHandshake)
	if err != nil {
		return err
	}
	n, err := decodeControl(raw)
	if err != nil {
		return err
	}
	key, err := topLevelKey(n)
	if err != nil {
		return err
	}
	if key != "connectionPinState" {
		return errUnexpectedMessage
	}
	remote, err := parsePinState(n)
	if err != nil {
		return err
	}

	// §9: only pinState=none is supported end to end; required/optional on
	// either side is accepted on input but rejected on entry to the data
	// phase, per the open question resolution.
	if local == PinRequired || remote == PinRequired || remote == PinOptional {
		_ = c.sendControl(ctx, buildPinError(PinErrorWrongPin))
		return fmt.Errorf("pin: required/optional PIN negotiation is not supported")
	}
	return nil
}

// --- Access methods ---

func (c *Connection) runAccessMethods(ctx context.Context) error {
	c.setState(ctx, StateAccessMethods)

	if err := c.sendControl(ctx, buildAccessMethodsRequest()); err != nil {
		return err
	}
	if err := c.sendControl(ctx, buildAccessMethods(c.cfg.LocalShipID)); err != nil {
		return err
	}

	sawRequest, sawMethods := false, false
	for !sawRequest || !sawMethods {
		raw, err := c.recvWithTimeout(ctx, TimeoutHandshake)
		if err != nil {
			return err
		}
		n, err := decodeControl(raw)
		if err != nil {
			return err
		}
		key, err := topLevelKey(n)
		if err != nil {
			return err
		}
		switch key {
		case "accessMethodsRequest":
			sawRequest = true
		case "accessMethods":
			if _, err := parseAccessMethods(n); err != nil {
				return err
			}
			sawMethods = true
		default:
			return errUnexpectedMessage
		}
	}
	return nil
}

// --- Data phase ---

func (c *Connection) runDataPhase(ctx context.Context) error {
	for {
		raw, err := c.transport.Recv(ctx)
		if err != nil {
			return err
		}
		typ, payload, err := codec.DecodeFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed data-phase frame", "err", err)
			continue
		}
		switch typ {
		case 0x02: // data
			if c.cfg.OnData != nil {
				c.cfg.OnData(payload)
			}
		case 0x03: // end / close
			return c.handleIncomingClose(ctx, payload)
		default:
			c.log.Warn("unexpected frame type in data phase", "type", typ)
		}
	}
}

// SendData writes one SPINE datagram payload as a SHIP data frame (0x02).
// This is the "Data Writer" adapter of §2's data-flow diagram.
func (c *Connection) SendData(ctx context.Context, payload []byte) error {
	if c.State() != StateComplete {
		return errkind.NoChange("ship: connection not in data phase")
	}
	return c.transport.Send(ctx, codec.EncodeFrame(0x02, payload))
}

// Close initiates a shutdown: sends connectionClose{announce} and then
// tears down the transport at once; it does not wait for the peer's
// confirm. Per §5, destructing a Connection in the data phase emits
// SmeClose{announce} first.
func (c *Connection) Close(ctx context.Context) error {
	c.setState(ctx, StateClosingAnnounce)
	_ = c.sendControl(ctx, buildClose(CloseAnnounce, 0, ""))
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed("local close")
	}
	c.setState(ctx, StateClosed)
	return c.transport.Close()
}

func (c *Connection) handleIncomingClose(ctx context.Context, payload []byte) error {
	n, err := decodeControl(payload)
	if err == nil {
		if key, kerr := topLevelKey(n); kerr == nil && key == "connectionClose" {
			if phase, reason, perr := parseClose(n); perr == nil {
				switch phase {
				case CloseAnnounce:
					c.setState(ctx, StateClosingConfirm)
					_ = c.sendControl(ctx, buildClose(CloseConfirm, 0, ""))
					c.setState(ctx, StateClosed)
					if c.cfg.OnClosed != nil {
						c.cfg.OnClosed(reason)
					}
					return c.transport.Close()
				case CloseConfirm:
					c.setState(ctx, StateClosed)
					if c.cfg.OnClosed != nil {
						c.cfg.OnClosed(reason)
					}
					return c.transport.Close()
				}
			}
		}
	}
	return c.abort(ctx, "malformed close frame")
}

// abort sends SmeClose{announce} (best-effort), closes the transport, and
// transitions to Closed. Every unexpected frame or timer expiration in a
// waiting state funnels through here, per §4.3's failure policy.
func (c *Connection) abort(ctx context.Context, reason string) error {
	c.log.Warn("aborting ship connection", "reason", reason, "state", c.State())
	c.setState(ctx, StateClosingAnnounce)
	_ = c.sendControl(ctx, buildClose(CloseAnnounce, 0, reason))
	c.setState(ctx, StateClosed)
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(reason)
	}
	_ = c.transport.Close()
	return fmt.Errorf("ship: connection aborted: %s", reason)
}

func (c *Connection) sendControl(ctx context.Context, msg codec.Sequence) error {
	data, err := codec.Serialize(msg)
	if err != nil {
		return err
	}
	typ := byte(0x01)
	if c.State() == StateClosingAnnounce || c.State() == StateClosingConfirm {
		typ = 0x03
	}
	return c.transport.Send(ctx, codec.EncodeFrame(codec.MessageType(typ), data))
}

func (c *Connection) recvWithTimeout(ctx context.Context, timeout time.Duration) ([]byte, error) {
	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := c.transport.Recv(recvCtx)
	if err != nil {
		if recvCtx.Err() != nil {
			return nil, errkind.Timeout("ship: no frame within %s", timeout)
		}
		return nil, err
	}
	return raw, nil
}

func decodeControl(raw []byte) (codec.Node, error) {
	_, payload, err := codec.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	return codec.Deserialize(payload)
}
