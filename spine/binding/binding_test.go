package binding

import (
	"testing"

	"eebus"
)

func addr(device string, feature uint) eebus.FeatureAddress {
	return eebus.FeatureAddress{Device: device, Entity: eebus.EntityPath{1}, FeatureID: feature}
}

func TestBindingGatesWrite(t *testing.T) {
	m := New()
	local := addr("d1", 0)
	remote := addr("d2", 0)

	if m.Has(local, remote) {
		t.Fatal("expected no binding by default")
	}
	m.Add(local, remote)
	if !m.Has(local, remote) {
		t.Fatal("expected binding present after Add")
	}
}

func TestBindingRemove(t *testing.T) {
	m := New()
	local, remote := addr("d1", 0), addr("d2", 0)
	m.Add(local, remote)
	m.Remove(local, remote)
	if m.Has(local, remote) {
		t.Fatal("expected binding removed")
	}
}

func TestBindingRemoveDevice(t *testing.T) {
	m := New()
	localA, localB := addr("d1", 0), addr("d1", 1)
	remote := addr("d2", 0)
	m.Add(localA, remote)
	m.Add(localB, remote)

	m.RemoveDevice("d2")

	if m.Has(localA, remote) || m.Has(localB, remote) {
		t.Fatal("expected bindings from d2 removed")
	}
}

func TestBindingBindersSnapshot(t *testing.T) {
	m := New()
	local := addr("d1", 0)
	r1, r2 := addr("d2", 0), addr("d3", 0)
	m.Add(local, r1)
	m.Add(local, r2)

	binders := m.Binders(local)
	if len(binders) != 2 {
		t.Fatalf("expected 2 binders, got %d", len(binders))
	}
}
