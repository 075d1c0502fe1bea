package service

import (
	"context"
	"testing"
	"time"

	"eebus"
	"eebus/config"
	"eebus/eventbus"
)

func testConfig() *config.Device {
	return &config.Device{
		Vendor: "acme",
		Model:  "Demo",
		Serial: "0001",
		Role:   eebus.RoleServer,
	}
}

func TestNewWiresNodeManagementAtEntityZeroFeatureZero(t *testing.T) {
	s := New(testConfig())

	addr := s.NodeManagement.Feature().Address()
	if addr.FeatureID != 0 || !addr.Entity.Equal(eebus.EntityPath{0}) {
		t.Fatalf("expected node management at entity 0 feature 0, got %+v", addr)
	}
	if addr.Device != s.Device.Address() {
		t.Fatalf("expected node management device to match the service's device address, got %s", addr.Device)
	}

	entity, ok := s.Device.Entity(eebus.EntityPath{0})
	if !ok {
		t.Fatal("expected entity 0 registered on the device")
	}
	if _, ok := entity.Feature(0); !ok {
		t.Fatal("expected feature 0 on entity 0")
	}
}

func TestNodeSenderReturnsNoChangeWithoutLiveConnection(t *testing.T) {
	s := New(testConfig())
	sender := &nodeSender{node: s.Node}

	err := sender.SendTo(context.Background(), "no-such-ski", []byte("x"))
	if err == nil {
		t.Fatal("expected an error sending to an unknown ski")
	}
}

func TestDeviceRemoteRemoverUnregistersSKI(t *testing.T) {
	s := New(testConfig())

	var events []eventbus.Event
	s.Device.Events().Subscribe(func(e eventbus.Event) { events = append(events, e) })

	s.Device.RemoteDevice("peer-ski")
	deviceRemoteRemover{s.Device}.RemoveRemoteDevice("peer-ski")

	var sawAdd, sawRemove bool
	for _, e := range events {
		if e.Kind != eventbus.DeviceChange || e.Device != "peer-ski" {
			continue
		}
		switch e.Change {
		case eventbus.Add:
			sawAdd = true
		case eventbus.Remove:
			sawRemove = true
		}
	}
	if !sawAdd || !sawRemove {
		t.Fatalf("expected add then remove device-change events, got %+v", events)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	s := New(testConfig())

	acceptLoopDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() {
		runDone <- s.Run(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			close(acceptLoopDone)
			return ctx.Err()
		})
	}()

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected Run to report a clean shutdown on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	select {
	case <-acceptLoopDone:
	default:
		t.Fatal("expected the accept loop to observe cancellation")
	}
}

func TestRunWithoutAcceptLoopStopsOnCancel(t *testing.T) {
	s := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx, nil) }()

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
