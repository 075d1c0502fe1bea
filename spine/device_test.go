package spine

import (
	"context"
	"sync"
	"testing"
	"time"

	"eebus"
	"eebus/codec"
	"eebus/spine/subscription"
)

// recordingSender fakes Sender, capturing every outbound datagram keyed
// by SKI without any real transport.
type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]Datagram
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]Datagram)}
}

func (s *recordingSender) SendTo(ctx context.Context, ski string, payload []byte) error {
	dg, err := DecodeDataPhase(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent[ski] = append(s.sent[ski], dg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) last(ski string) (Datagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sent[ski]
	if len(all) == 0 {
		return Datagram{}, false
	}
	return all[len(all)-1], true
}

func newTestDevice(address string, sender Sender) *DeviceLocal {
	return NewDeviceLocal(address, sender)
}

func addrOf(device string, entity eebus.EntityPath, feature uint) eebus.FeatureAddress {
	return eebus.FeatureAddress{Device: device, Entity: entity, FeatureID: feature}
}

func TestDeviceLocalHandleReadRepliesWithStoredData(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d:_n:acme_Demo-0001", sender)
	entity := NewEntity(dev.Address(), eebus.EntityPath{1}, eebus.EntityTypeDeviceInformation)
	feat := NewLocalFeature(eebus.FeatureTypeMeasurement, eebus.FeatureRoleServer)
	fn := NewFunction(FunctionUseCaseData, Operations{Read: true})
	fn.SetData(codec.String("42"))
	feat.AddFunction(fn)
	entity.AddFeature(feat)
	dev.AddEntity(entity)

	incoming := Datagram{
		Header: Header{
			Source:      addrOf("peer", eebus.EntityPath{1}, 0),
			Destination: feat.Address(),
			MsgCounter:  1,
			Classifier:  eebus.CmdRead,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData}},
	}
	dev.routeDatagram(context.Background(), "peer-ski", incoming)

	reply, ok := sender.last("peer-ski")
	if !ok {
		t.Fatal("expected a reply to be sent")
	}
	if reply.Header.Classifier != eebus.CmdReply {
		t.Fatalf("expected reply classifier, got %q", reply.Header.Classifier)
	}
	if reply.Header.MsgCounterRef == nil || *reply.Header.MsgCounterRef != 1 {
		t.Fatalf("expected msgCounterReference 1, got %+v", reply.Header.MsgCounterRef)
	}
	if len(reply.Commands) != 1 || reply.Commands[0].Data != codec.String("42") {
		t.Fatalf("unexpected reply data: %+v", reply.Commands)
	}
}

func TestDeviceLocalHandleReadUnknownFunctionSendsResult(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	entity := NewEntity(dev.Address(), eebus.EntityPath{1}, eebus.EntityTypeDeviceInformation)
	feat := NewLocalFeature(eebus.FeatureTypeMeasurement, eebus.FeatureRoleServer)
	entity.AddFeature(feat)
	dev.AddEntity(entity)

	dev.routeDatagram(context.Background(), "peer-ski", Datagram{
		Header: Header{
			Source:      addrOf("peer", eebus.EntityPath{1}, 0),
			Destination: feat.Address(),
			MsgCounter:  1,
			Classifier:  eebus.CmdRead,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData}},
	})

	reply, ok := sender.last("peer-ski")
	if !ok {
		t.Fatal("expected a result to be sent")
	}
	if reply.Header.Classifier != eebus.CmdResult {
		t.Fatalf("expected result classifier, got %q", reply.Header.Classifier)
	}
}

func TestDeviceLocalHandleWriteRejectedWithoutBinding(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	entity := NewEntity(dev.Address(), eebus.EntityPath{1}, eebus.EntityTypeDeviceInformation)
	feat := NewLocalFeature(eebus.FeatureTypeLoadControl, eebus.FeatureRoleServer)
	fn := NewFunction(FunctionUseCaseData, Operations{Write: true})
	feat.AddFunction(fn)
	entity.AddFeature(feat)
	dev.AddEntity(entity)

	dev.routeDatagram(context.Background(), "peer-ski", Datagram{
		Header: Header{
			Source:      addrOf("peer", eebus.EntityPath{1}, 0),
			Destination: feat.Address(),
			MsgCounter:  1,
			Classifier:  eebus.CmdWrite,
			AckRequest:  true,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData, Data: codec.String("10")}},
	})

	reply, ok := sender.last("peer-ski")
	if !ok {
		t.Fatal("expected a result to be sent for acked write")
	}
	if reply.Header.Classifier != eebus.CmdResult {
		t.Fatalf("expected result, got %q", reply.Header.Classifier)
	}
	if fn.Data() != nil {
		t.Fatalf("expected write to be rejected and not applied, got %+v", fn.Data())
	}
}

func TestDeviceLocalHandleWriteAppliedWithBindingAndFansOutNotify(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	entity := NewEntity(dev.Address(), eebus.EntityPath{1}, eebus.EntityTypeDeviceInformation)
	feat := NewLocalFeature(eebus.FeatureTypeLoadControl, eebus.FeatureRoleServer)
	fn := NewFunction(FunctionUseCaseData, Operations{Write: true})
	feat.AddFunction(fn)
	entity.AddFeature(feat)
	dev.AddEntity(entity)

	peerFeature := addrOf("peer", eebus.EntityPath{1}, 0)
	subscriber := addrOf("subscriber", eebus.EntityPath{1}, 0)
	dev.remotes["subscriber-ski"] = newDeviceRemote("subscriber-ski")
	dev.remotes["subscriber-ski"].SetAddress("subscriber")
	dev.Subscriptions().Add(feat.Address(), subscriber)
	dev.Bindings().Add(feat.Address(), peerFeature)

	dev.routeDatagram(context.Background(), "peer-ski", Datagram{
		Header: Header{
			Source:      peerFeature,
			Destination: feat.Address(),
			MsgCounter:  1,
			Classifier:  eebus.CmdWrite,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData, Data: codec.String("10")}},
	})

	if fn.Data() != codec.String("10") {
		t.Fatalf("expected write applied, got %+v", fn.Data())
	}
	notify, ok := sender.last("subscriber-ski")
	if !ok {
		t.Fatal("expected a notify fanned out to the subscriber")
	}
	if notify.Header.Classifier != eebus.CmdNotify {
		t.Fatalf("expected notify classifier, got %q", notify.Header.Classifier)
	}
}

func TestDeviceLocalHandleNotifyUpdatesRemoteMirror(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)

	dev.routeDatagram(context.Background(), "peer-ski", Datagram{
		Header: Header{
			Source:      addrOf("peer", eebus.EntityPath{1}, 0),
			Destination: addrOf("d1", eebus.EntityPath{1}, 0),
			MsgCounter:  1,
			Classifier:  eebus.CmdNotify,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData, Data: codec.String("mirrored")}},
	})

	remote := dev.RemoteDevice("peer-ski")
	if remote.Address() != "peer" {
		t.Fatalf("expected remote address learned, got %q", remote.Address())
	}
	entities := remote.Entities()
	if len(entities) != 1 {
		t.Fatalf("expected 1 mirrored entity, got %d", len(entities))
	}
	mirroredFeature, ok := entities[0].Feature(0)
	if !ok {
		t.Fatal("expected mirrored feature")
	}
	fn, ok := mirroredFeature.Function(FunctionUseCaseData)
	if !ok || fn.Data() != codec.String("mirrored") {
		t.Fatalf("unexpected mirrored data: %+v", fn)
	}
}

func TestDeviceLocalHandleReplyResolvesPending(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	var gotPayload codec.Node
	var gotErr error
	ref := uint64(5)
	dev.pending.Register("peer-ski", 5, time.Minute, func(payload codec.Node, err error) {
		gotPayload, gotErr = payload, err
	})

	dev.routeDatagram(context.Background(), "peer-ski", Datagram{
		Header: Header{
			Source:        addrOf("peer", eebus.EntityPath{1}, 0),
			Destination:   addrOf("d1", eebus.EntityPath{1}, 0),
			MsgCounter:    9,
			MsgCounterRef: &ref,
			Classifier:    eebus.CmdReply,
		},
		Commands: []Command{{FunctionType: FunctionUseCaseData, Data: codec.String("value")}},
	})

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotPayload != codec.String("value") {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
}

func TestDeviceLocalUnregisterRemoteSKICleansUpState(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	local := addrOf("d1", eebus.EntityPath{1}, 0)
	remote := dev.RemoteDevice("peer-ski")
	remote.SetAddress("peer")
	dev.Subscriptions().Add(local, addrOf("peer", eebus.EntityPath{1}, 0))
	dev.Bindings().Add(local, addrOf("peer", eebus.EntityPath{1}, 0))
	dev.pending.Register("peer-ski", 1, time.Minute, func(codec.Node, error) {})

	dev.UnregisterRemoteSKI("peer-ski")

	if dev.Subscriptions().Has(local, addrOf("peer", eebus.EntityPath{1}, 0)) {
		t.Fatal("expected subscription removed")
	}
	if dev.Bindings().Has(local, addrOf("peer", eebus.EntityPath{1}, 0)) {
		t.Fatal("expected binding removed")
	}
	if dev.pending.Len() != 0 {
		t.Fatal("expected pending entries removed")
	}
}

func TestDeviceLocalStartStopJoinsWorker(t *testing.T) {
	sender := newRecordingSender()
	dev := newTestDevice("d1", sender)
	dev.Start(context.Background())
	dev.Stop()
	// Stop must return only once the worker goroutine has exited.
	select {
	case <-dev.done:
	default:
		t.Fatal("expected worker goroutine to have exited")
	}
}

var _ subscription.Sender = (*DeviceLocal)(nil)
