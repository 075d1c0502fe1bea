package ship

import "context"

// Transport is the pluggable collaborator §1/§6 describes: a
// mutually-authenticated TLS/WebSocket connection to exactly one peer. The
// concrete implementation (TLS termination, WebSocket framing, mDNS-derived
// dial target) is explicitly out of the core's scope; the core only needs
// this interface.
type Transport interface {
	// Send writes one complete binary WebSocket message.
	Send(ctx context.Context, raw []byte) error
	// Recv blocks for the next complete binary WebSocket message, honoring
	// ctx's deadline.
	Recv(ctx context.Context) ([]byte, error)
	// PeerSKI returns the subject key identifier extracted from the peer's
	// TLS certificate. Certificate handling and SKI extraction live outside
	// the core (§1); Connection.Run reads it once at the start, before CMI,
	// so the transport has it ready when Run is called.
	PeerSKI() string
	// Close tears down the underlying connection.
	Close() error
}
