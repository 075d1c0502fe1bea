package codec

import "eebus/internal/errkind"

// MessageType is the single-byte SHIP frame type prefix from §6.
type MessageType byte

const (
	MsgInit    MessageType = 0x01
	MsgData    MessageType = 0x02
	MsgEnd     MessageType = 0x03
	MsgCMI     MessageType = 0x04
	MsgControl MessageType = 0x05
)

func (t MessageType) String() string {
	switch t {
	case MsgInit:
		return "init"
	case MsgData:
		return "data"
	case MsgEnd:
		return "end"
	case MsgCMI:
		return "cmi"
	case MsgControl:
		return "control"
	default:
		return "unknown"
	}
}

// cmiPayload is the exact byte sequence the CMI frame always carries.
const cmiPayload = `{"cmi":1}`

// EncodeFrame prepends the message-type byte to payload.
func EncodeFrame(t MessageType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...)
}

// EncodeCMI returns the literal CMI frame: 0x04 followed by {"cmi":1}.
func EncodeCMI() []byte {
	return EncodeFrame(MsgCMI, []byte(cmiPayload))
}

// DecodeFrame splits a raw WebSocket binary message into its message type
// and payload. A type byte greater than MsgControl aborts the connection
// per §4.1 ("any higher value aborts the connection").
func DecodeFrame(raw []byte) (MessageType, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, errkind.InputArgument("codec: empty frame")
	}
	t := MessageType(raw[0])
	if t < MsgInit || t > MsgControl {
		return 0, nil, errkind.InputArgumentOutOfRange("codec: message type 0x%02x exceeds 0x%02x", raw[0], byte(MsgControl))
	}
	return t, raw[1:], nil
}

// IsCMI reports whether payload is the exact CMI message content.
func IsCMI(payload []byte) bool {
	return string(payload) == cmiPayload
}
