package ship

// State is the SME's current position in the lifecycle diagram from §4.3.
// It is intentionally coarse — CMI/Hello/Handshake/Pin/AccessMethods each
// collapse several sub-states named in the spec's diagram into one State
// plus the phase-local bookkeeping the runXxx step holds on its stack,
// mirroring how the teacher's machine.Phase only tracks the handful of
// states callers actually branch on.
type State int

const (
	StateInitial State = iota
	StateCMI
	StateHello
	StateProtocolHandshake
	StatePin
	StateAccessMethods
	StateComplete
	StateClosingAnnounce
	StateClosingConfirm
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateCMI:
		return "cmi"
	case StateHello:
		return "hello"
	case StateProtocolHandshake:
		return "protocol-handshake"
	case StatePin:
		return "pin"
	case StateAccessMethods:
		return "access-methods"
	case StateComplete:
		return "complete"
	case StateClosingAnnounce:
		return "closing-announce"
	case StateClosingConfirm:
		return "closing-confirm"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
