package job

import (
	"github.com/openpcb/sender/coord"
)

// Kind identifies a controller-neutral operation.
type Kind int

const (
	Rapid Kind = iota
	Linear
	ArcCW
	ArcCCW
	Probe
	Dwell
	SpindleOn
	SpindleOff
	CoolantOn
	CoolantOff
)

func (k Kind) String() string {
	switch k {
	case Rapid:
		return "rapid"
	case Linear:
		return "linear"
	case ArcCW:
		return "arc-cw"
	case ArcCCW:
		return "arc-ccw"
	case Probe:
		return "probe"
	case Dwell:
		return "dwell"
	case SpindleOn:
		return "spindle-on"
	case SpindleOff:
		return "spindle-off"
	case CoolantOn:
		return "coolant-on"
	case CoolantOff:
		return "coolant-off"
	}
	return "unknown"
}

// IsMotion reports whether the kind moves the tool.
func (k Kind) IsMotion() bool {
	switch k {
	case Rapid, Linear, ArcCW, ArcCCW, Probe:
		return true
	}
	return false
}

// Block is one motion or auxiliary operation in absolute
// millimeter coordinates.
//
// Motion kinds use Target; arcs additionally use Center, the
// offset from the block's start point to the arc center in the
// XY plane. Feed applies to Linear, arcs and Probe. Speed is
// spindle RPM (or laser power) for SpindleOn. Seconds is the
// dwell duration.
type Block struct {
	Kind   Kind
	Target coord.Point
	Center coord.Point
	Feed   float64
	Speed  float64

	Seconds float64
}
