package board

// State is the lifecycle state of a Session.
type State int32

const (
	StateCreated State = iota
	StatePrepared
	StateStreaming
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePrepared:
		return "prepared"
	case StateStreaming:
		return "streaming"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}
