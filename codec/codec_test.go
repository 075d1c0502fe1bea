package codec

import (
	"reflect"
	"testing"
)

func TestSerializeSequencePreservesFieldOrder(t *testing.T) {
	tree := Seq(
		F("phase", String("ready")),
		F("waiting", Int(1000)),
	)

	got, err := Serialize(tree)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	want := `[{"phase":"ready"},{"waiting":1000}]`
	if string(got) != want {
		t.Fatalf("serialize = %s, want %s", got, want)
	}
}

func TestSerializeChoiceSingleKeyObject(t *testing.T) {
	// The message-level choice is built as a one-field Sequence, so it is
	// written inside an array (a codec.Choice node would be a bare object).
	tree := Sequence{
		{Key: "connectionHello", Value: Seq(F("phase", String("aborted")))},
	}
	got, err := Serialize(tree)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := `[{"connectionHello":[{"phase":"aborted"}]}]`
	if string(got) != want {
		t.Fatalf("serialize = %s, want %s", got, want)
	}
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	_, err := Deserialize([]byte(`{"cmi":1}garbage`))
	if err == nil {
		t.Fatal("expected error for trailing bytes, got nil")
	}
}

func TestRoundTripSequence(t *testing.T) {
	tree := Seq(
		F("phase", String("ready")),
		F("prolongationRequest", Bool(true)),
	)

	data, err := Serialize(tree)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	back, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !reflect.DeepEqual(tree, back) {
		t.Fatalf("round trip mismatch: got %#v, want %#v", back, tree)
	}
}

func TestDeserializeDistinguishesSequenceFromArray(t *testing.T) {
	seq, err := Deserialize([]byte(`[{"a":1},{"b":2}]`))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if _, ok := seq.(Sequence); !ok {
		t.Fatalf("got %T, want Sequence", seq)
	}

	arr, err := Deserialize([]byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if _, ok := arr.(Array); !ok {
		t.Fatalf("got %T, want Array", arr)
	}
}

func TestDeserializeRejectsBareObject(t *testing.T) {
	_, err := Deserialize([]byte(`{"a":1,"b":2}`))
	if err == nil {
		t.Fatal("expected error for bare multi-key object, got nil")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`[{"phase":"ready"}]`)
	raw := EncodeFrame(MsgData, payload)

	typ, body, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != MsgData {
		t.Fatalf("type = %v, want MsgData", typ)
	}
	if string(body) != string(payload) {
		t.Fatalf("body = %s, want %s", body, payload)
	}
}

func TestFrameRejectsOutOfRangeType(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x06, '{', '}'})
	if err == nil {
		t.Fatal("expected error for message type above 0x05, got nil")
	}
}

func TestCMIFrameLiteral(t *testing.T) {
	raw := EncodeCMI()
	typ, body, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typ != MsgCMI {
		t.Fatalf("type = %v, want MsgCMI", typ)
	}
	if !IsCMI(body) {
		t.Fatalf("body = %s, want exact CMI payload", body)
	}
}
