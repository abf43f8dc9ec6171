package device

// State is the session's position in its lifecycle state
// machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Idle
	Running
	Hold
	Alarm
	FatalError
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Hold:
		return "Hold"
	case Alarm:
		return "Alarm"
	case FatalError:
		return "FatalError"
	case Disconnecting:
		return "Disconnecting"
	}
	return "Unknown"
}

// Terminal reports whether the session is done until an explicit
// reconnect creates a fresh one.
func (s State) Terminal() bool {
	return s == FatalError || s == Disconnected
}
