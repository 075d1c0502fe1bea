// Package node implements the Ship Node from SPEC_FULL.md §4.4: the SKI
// registry and admission policy that owns the map of live Connections and
// decides whether an unregistered peer is even allowed to start a trust
// prompt.
package node

import (
	"context"
	"log/slog"
	"sync"

	"eebus"
	"eebus/ship"
)

// RemoteRemover is consulted when a SKI is unregistered or a connection is
// torn down, so the SPINE mirror for that device is removed too (§4.4,
// §3's "deleting a remote device removes all subscriptions and bindings").
type RemoteRemover interface {
	RemoveRemoteDevice(ski string)
}

// WaitingForTrustAllowed is the embedding application's predicate for
// whether an untrusted SKI may even start a trust prompt.
type WaitingForTrustAllowed func(ski string) bool

// Node owns every live Connection, keyed by peer SKI, plus the trust
// registry gating admission.
type Node struct {
	mu          sync.Mutex
	connections map[string]*ship.Connection
	trusted     map[string]bool

	waitingAllowed WaitingForTrustAllowed
	remover        RemoteRemover
	localShipID    string

	log *slog.Logger
}

// Option configures a Node at construction.
type Option func(*Node)

// WithWaitingForTrustAllowed sets the embedding application's trust-prompt
// predicate. Defaults to always-false (no unsolicited trust prompts).
func WithWaitingForTrustAllowed(f WaitingForTrustAllowed) Option {
	return func(n *Node) { n.waitingAllowed = f }
}

// WithRemoteRemover wires the SPINE device whose mirrors must be torn down
// when a SKI is unregistered or disconnects.
func WithRemoteRemover(r RemoteRemover) Option {
	return func(n *Node) { n.remover = r }
}

// New creates an empty Node for the given local SHIP id (used in the
// access-methods exchange).
func New(localShipID string, opts ...Option) *Node {
	n := &Node{
		connections:    make(map[string]*ship.Connection),
		trusted:        make(map[string]bool),
		waitingAllowed: func(string) bool { return false },
		localShipID:    localShipID,
		log:            slog.Default().With("component", "ship.node"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// IsTrusted implements ship.TrustDecider.
func (n *Node) IsTrusted(ski string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.trusted[ski]
}

// WaitingForTrustAllowed implements ship.TrustDecider.
func (n *Node) WaitingForTrustAllowed(ski string) bool {
	return n.waitingAllowed(ski)
}

// RegisterTrusted marks ski as trusted, allowing future SMEs from it to
// skip the pending-trust prompt.
func (n *Node) RegisterTrusted(ski string) {
	n.mu.Lock()
	n.trusted[ski] = true
	n.mu.Unlock()
}

// UnregisterSKI removes ski from the trust registry, closes any live
// connection from it, and tears down its SPINE mirror.
func (n *Node) UnregisterSKI(ctx context.Context, ski string) {
	n.mu.Lock()
	delete(n.trusted, ski)
	conn, ok := n.connections[ski]
	delete(n.connections, ski)
	n.mu.Unlock()

	if ok {
		_ = conn.Close(ctx)
	}
	if n.remover != nil {
		n.remover.RemoveRemoteDevice(ski)
	}
}

// Accept drives an inbound Connection to completion: runs its SME, tracks
// it in the connection map while live, and cleans up on exit. Blocks until
// the session ends. onReady, if non-nil, fires once the session enters the
// data phase — the signal the Node Management bootstrap handshake (§4.6)
// waits on before issuing its first read.
func (n *Node) Accept(ctx context.Context, transport ship.Transport, onData ship.DataHandler, onReady func(ski string)) error {
	return n.serve(ctx, transport, eebus.RoleServer, onData, onReady)
}

// Connect drives an outbound Connection to completion, symmetric to Accept.
func (n *Node) Connect(ctx context.Context, transport ship.Transport, onData ship.DataHandler, onReady func(ski string)) error {
	return n.serve(ctx, transport, eebus.RoleClient, onData, onReady)
}

func (n *Node) serve(ctx context.Context, transport ship.Transport, role eebus.Role, onData ship.DataHandler, onReady func(ski string)) error {
	conn := ship.New(transport, ship.Config{
		Role:        role,
		LocalShipID: n.localShipID,
		Trust:       n,
		OnData:      onData,
		OnReady:     onReady,
		OnClosed: func(reason string) {
			n.forget(transport.PeerSKI())
			if n.remover != nil {
				n.remover.RemoveRemoteDevice(transport.PeerSKI())
			}
			n.log.Info("ship connection closed", "ski", transport.PeerSKI(), "reason", reason)
		},
	})

	n.mu.Lock()
	n.connections[transport.PeerSKI()] = conn
	n.mu.Unlock()

	return conn.Run(ctx)
}

func (n *Node) forget(ski string) {
	n.mu.Lock()
	delete(n.connections, ski)
	n.mu.Unlock()
}

// Connection returns the live connection for ski, if any.
func (n *Node) Connection(ski string) (*ship.Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.connections[ski]
	return c, ok
}

// Close tears down every live connection.
func (n *Node) Close(ctx context.Context) {
	n.mu.Lock()
	conns := make([]*ship.Connection, 0, len(n.connections))
	for _, c := range n.connections {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(ctx)
	}
}
