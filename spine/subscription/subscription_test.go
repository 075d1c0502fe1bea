package subscription

import (
	"context"
	"testing"

	"eebus"
)

type recordingSender struct {
	sent []eebus.FeatureAddress
	fail map[string]bool
}

func (s *recordingSender) SendNotify(ctx context.Context, from, to eebus.FeatureAddress, payload Payload) error {
	if s.fail[to.Key()] {
		return context.DeadlineExceeded
	}
	s.sent = append(s.sent, to)
	return nil
}

func addr(device string, entity eebus.EntityPath, feature uint) eebus.FeatureAddress {
	return eebus.FeatureAddress{Device: device, Entity: entity, FeatureID: feature}
}

func TestSubscriptionFanOut(t *testing.T) {
	m := New()
	local := addr("d1", eebus.EntityPath{1}, 0)
	remoteA := addr("d2", eebus.EntityPath{1}, 0)
	remoteB := addr("d3", eebus.EntityPath{1}, 0)

	m.Add(local, remoteA)
	m.Add(local, remoteB)

	sender := &recordingSender{}
	errs := m.Publish(context.Background(), sender, local, Payload{FunctionType: "X"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 notifies, got %d", len(sender.sent))
	}
}

func TestSubscriptionNoFanOutToUnsubscribed(t *testing.T) {
	m := New()
	local := addr("d1", eebus.EntityPath{1}, 0)
	subscribed := addr("d2", eebus.EntityPath{1}, 0)
	other := addr("d9", eebus.EntityPath{1}, 0)

	m.Add(local, subscribed)

	sender := &recordingSender{}
	m.Publish(context.Background(), sender, local, Payload{FunctionType: "X"})
	if len(sender.sent) != 1 || sender.sent[0].Key() != subscribed.Key() {
		t.Fatalf("unexpected fan-out: %+v", sender.sent)
	}
	_ = other
}

func TestSubscriptionRemove(t *testing.T) {
	m := New()
	local := addr("d1", nil, 0)
	remote := addr("d2", nil, 0)
	m.Add(local, remote)
	if !m.Has(local, remote) {
		t.Fatal("expected subscription present")
	}
	m.Remove(local, remote)
	if m.Has(local, remote) {
		t.Fatal("expected subscription removed")
	}
}

func TestSubscriptionRemoveDevice(t *testing.T) {
	m := New()
	localA := addr("d1", nil, 0)
	localB := addr("d1", nil, 1)
	remote := addr("d2", nil, 0)
	m.Add(localA, remote)
	m.Add(localB, remote)

	m.RemoveDevice("d2")

	if m.Has(localA, remote) || m.Has(localB, remote) {
		t.Fatal("expected all subscriptions from d2 removed")
	}
}

func TestSubscriptionPartialFailureStillFansOut(t *testing.T) {
	m := New()
	local := addr("d1", nil, 0)
	ok := addr("d2", nil, 0)
	bad := addr("d3", nil, 0)
	m.Add(local, ok)
	m.Add(local, bad)

	sender := &recordingSender{fail: map[string]bool{bad.Key(): true}}
	errs := m.Publish(context.Background(), sender, local, Payload{FunctionType: "X"})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected delivery to the healthy subscriber despite the other failing, got %d", len(sender.sent))
	}
}
