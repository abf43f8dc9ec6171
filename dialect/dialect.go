// Package dialect maps controller-neutral operations onto the
// command and status vocabulary of a specific controller family.
package dialect

import (
	"fmt"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/job"
)

type ID string

const (
	GRBL11      ID = "grbl_1_1"
	MarlinCNC   ID = "marlin_cnc"
	Smoothie    ID = "smoothie"
	LinuxCNC    ID = "linuxcnc"
	Mach3       ID = "mach3"
	Mach4       ID = "mach4"
	FanucSubset ID = "fanuc_subset"
	HPGL        ID = "hpgl"
)

// ArcMode selects how arc centers are emitted.
type ArcMode int

const (
	// ArcIJ emits the center as an offset from the start point.
	ArcIJ ArcMode = iota
	// ArcIJK emits the center in absolute coordinates, always
	// including K (0 for planar arcs).
	ArcIJK
)

// Control is an out-of-band intent.
type Control int

const (
	ControlStatus Control = iota
	ControlHold
	ControlResume
	ControlReset
)

func (c Control) String() string {
	switch c {
	case ControlStatus:
		return "status"
	case ControlHold:
		return "hold"
	case ControlResume:
		return "resume"
	case ControlReset:
		return "reset"
	}
	return "unknown"
}

// Capabilities describe dialect behavior the session and flow
// controller consult. Flags, not subtypes: a dialect without
// realtime hold queues a control block instead.
type Capabilities struct {
	RealtimeHold   bool
	RealtimeResume bool
	RealtimeStatus bool
	RealtimeReset  bool

	ArcMode ArcMode

	// BufferSize is the controller's receive buffer in bytes,
	// used as the default character-counting budget.
	BufferSize int
}

// UnsupportedError is returned when a dialect has no rendering
// for a logical operation. It is a job-validation failure; it
// must never first surface at the machine.
type UnsupportedError struct {
	Dialect ID
	Op      string
}

func (e UnsupportedError) Error() string {
	return fmt.Sprintf("dialect %s: unsupported operation %q", e.Dialect, e.Op)
}

// Table renders neutral blocks and parses status lines for one
// dialect.
type Table struct {
	ID   ID
	Caps Capabilities

	tokens   map[job.Kind]string
	controls map[Control]string
	realtime map[Control]byte

	render func(t *Table, start coord.Point, b job.Block) (string, error)
	parse  func(line string) Status
}

// Lookup returns the table for the given dialect id.
func Lookup(id ID) (*Table, error) {
	t, ok := tables[id]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", id)
	}
	return t, nil
}

// MustLookup is Lookup for known-constant ids.
func MustLookup(id ID) *Table {
	t, err := Lookup(id)
	if err != nil {
		panic(err)
	}
	return t
}

// IDs lists all supported dialect ids.
func IDs() []ID {
	ids := make([]ID, 0, len(tables))
	for id := range tables {
		ids = append(ids, id)
	}
	return ids
}

// Render returns the command text (no line terminator) for the
// block. start is the position before the block executes; it is
// needed for absolute arc centers and plotter arcs.
func (t *Table) Render(start coord.Point, b job.Block) (string, error) {
	return t.render(t, start, b)
}

// ParseStatus decodes one received line into a normalized status.
func (t *Table) ParseStatus(line string) Status {
	return t.parse(line)
}

// Realtime returns the single-byte control character, if the
// dialect supports out-of-band signaling for the control.
func (t *Table) Realtime(c Control) (byte, bool) {
	b, ok := t.realtime[c]
	return b, ok
}

// ControlBlock returns the queued command equivalent for a
// control on dialects without realtime signaling.
func (t *Table) ControlBlock(c Control) (string, error) {
	s, ok := t.controls[c]
	if !ok {
		return "", UnsupportedError{Dialect: t.ID, Op: c.String()}
	}
	return s, nil
}

// Validate checks that every block of the job can be rendered.
func (t *Table) Validate(j job.Job) error {
	var pos coord.Point
	for _, b := range j.Blocks {
		if _, err := t.Render(pos, b); err != nil {
			return err
		}
		if b.Kind.IsMotion() {
			pos = b.Target
		}
	}
	return nil
}
