// Package service wires a SPINE local device, its Node Management feature,
// and a SHIP Node together into the thing an embedding application
// constructs — the Go analogue of the original C service/eebus_service.c
// and of the teacher's daemon package, which pairs a machine.Machine with
// a daemon.Server the same way.
package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"eebus"
	"eebus/config"
	"eebus/internal/errkind"
	"eebus/ship"
	"eebus/ship/node"
	"eebus/spine"
	"eebus/spine/nodemanagement"
	"eebus/spine/pending"
)

// Service owns one local SPINE device, its Node Management feature, and
// the SHIP Node that admits and tracks peer connections for it.
type Service struct {
	cfg *config.Device

	Device         *spine.DeviceLocal
	Node           *node.Node
	NodeManagement *nodemanagement.NodeManagement

	entity *spine.Entity
}

// nodeSender implements spine.Sender by looking up the live connection for
// a SKI on a ship.Node and writing through it. It is constructed empty and
// wired to its Node after New assembles both halves, since DeviceLocal
// needs a Sender before the Node that backs it exists.
type nodeSender struct {
	node *node.Node
}

func (s *nodeSender) SendTo(ctx context.Context, ski string, payload []byte) error {
	conn, ok := s.node.Connection(ski)
	if !ok {
		return errkind.NoChange("service: no live connection for ski %s", ski)
	}
	return conn.SendData(ctx, payload)
}

// deviceRemoteRemover adapts DeviceLocal.UnregisterRemoteSKI to
// node.RemoteRemover, so the Node tears down a peer's SPINE mirror the
// moment its SKI is unregistered or its connection drops.
type deviceRemoteRemover struct{ device *spine.DeviceLocal }

func (r deviceRemoteRemover) RemoveRemoteDevice(ski string) { r.device.UnregisterRemoteSKI(ski) }

// New assembles a Service from a loaded device configuration: a
// DeviceLocal with its device-information entity and Node Management
// feature installed, and a Node that routes peer connections into it.
func New(cfg *config.Device, opts ...node.Option) *Service {
	sender := &nodeSender{}
	device := spine.NewDeviceLocal(cfg.Address(), sender)

	entity := spine.NewEntity(cfg.Address(), eebus.EntityPath{0}, eebus.EntityTypeDeviceInformation)
	nm := nodemanagement.New(device, entity, cfg.Description())
	device.AddEntity(entity)

	if cfg.HeartbeatPeriod > 0 {
		entity.EnableHeartbeat(pending.NewHeartbeatManager(cfg.HeartbeatPeriod))
	}

	allOpts := append([]node.Option{node.WithRemoteRemover(deviceRemoteRemover{device})}, opts...)
	n := node.New(cfg.Address(), allOpts...)
	sender.node = n

	return &Service{cfg: cfg, Device: device, Node: n, NodeManagement: nm, entity: entity}
}

// Accept drives an inbound SHIP session to completion and routes its data
// phase into the SPINE device. It blocks until the session ends.
func (s *Service) Accept(ctx context.Context, transport ship.Transport) error {
	return s.Node.Accept(ctx, transport, s.Device.HandleIncomingData(transport.PeerSKI()), s.onReady(transport))
}

// Connect drives an outbound SHIP session to completion, symmetric to
// Accept, and runs the Node Management bootstrap handshake once the
// session reaches the data phase.
func (s *Service) Connect(ctx context.Context, transport ship.Transport) error {
	return s.Node.Connect(ctx, transport, s.Device.HandleIncomingData(transport.PeerSKI()), s.onReady(transport))
}

func (s *Service) onReady(transport ship.Transport) func(ski string) {
	return func(ski string) {
		local := eebus.FeatureAddress{Device: s.cfg.Address(), Entity: eebus.EntityPath{0}, FeatureID: 0}
		remote := eebus.FeatureAddress{Device: "", Entity: eebus.EntityPath{0}, FeatureID: 0}
		// The peer's wire device address is not yet known at this point —
		// only its SKI is. Bootstrap addresses the peer by SKI for
		// transport and by its (still device-address-empty) node
		// management address; DetailedDiscoveryData's reply hook installs
		// the peer's address, entities and features into the mirror as a
		// side effect of the read itself.
		go func() {
			ctx := context.Background()
			if err := nodemanagement.Bootstrap(ctx, s.Device, ski, local, remote); err != nil {
				s.Device.UnregisterRemoteSKI(ski)
			}
		}()
	}
}

// Run starts the SPINE device's background worker alongside a caller-
// supplied accept loop (the concrete TLS/WebSocket listener is an external
// collaborator per the core's own scope boundary, not something this
// package constructs), propagating the first error — the same pairing the
// teacher's daemon.Run does for its machine and gRPC server.
func (s *Service) Run(ctx context.Context, acceptLoop func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Device.Start(gctx)
		<-gctx.Done()
		s.Device.Stop()
		return gctx.Err()
	})
	if acceptLoop != nil {
		g.Go(func() error { return acceptLoop(gctx) })
	}
	err := g.Wait()
	s.Node.Close(context.Background())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}
