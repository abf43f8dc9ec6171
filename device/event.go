package device

import (
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/dialect"
)

// EventKind classifies a session event.
type EventKind int

const (
	EventState EventKind = iota
	EventPosition
	EventProgress
	EventAlarm
	EventError
	EventProbe
	EventWarning
	EventJobDone
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventPosition:
		return "position"
	case EventProgress:
		return "progress"
	case EventAlarm:
		return "alarm"
	case EventError:
		return "error"
	case EventProbe:
		return "probe"
	case EventWarning:
		return "warning"
	case EventJobDone:
		return "job-done"
	}
	return "unknown"
}

// Event is one normalized session occurrence, delivered in
// arrival order per session. No ordering is defined across
// sessions.
type Event struct {
	Session string
	Device  string
	Kind    EventKind
	Time    time.Time

	State    State
	Position coord.Point

	// Code is the controller error or alarm number for
	// EventError / EventAlarm.
	Code    int
	Message string

	Probe *dialect.ProbeResult

	// Job progress: blocks queued, sent (unacked) and acked.
	JobID  string
	Queued int
	Sent   int
	Acked  int
}
