package gcode

import (
	"errors"

	"github.com/openpcb/sender/coord"
)

// VM will track modal state and interpret gcode.
type VM struct {
	pos coord.Point
	wco coord.Point

	modal [256]float64

	feed  float64
	speed float64
}

// NewVM constructs a new VM with default state.
func NewVM() *VM {
	vm := &VM{}

	// using grbl defaults
	vm.modal[ModalGroupMotion] = 0
	vm.modal[ModalGroupCoordinateSystem] = 54
	vm.modal[ModalGroupPlaneSelection] = 17
	vm.modal[ModalGroupDistanceMode] = 90
	vm.modal[ModalGroupArcDistanceMode] = 91.1
	vm.modal[ModalGroupFeedRateMode] = 94
	vm.modal[ModalGroupUnits] = 21
	vm.modal[ModalGroupCutterCompensationMode] = 40
	vm.modal[ModalGroupToolLength] = 49
	vm.modal[ModalGroupStopping] = 0
	vm.modal[ModalGroupSpindle] = 5
	vm.modal[ModalGroupCoolant] = 9

	return vm
}

func (vm VM) Inches() bool         { return vm.modal[ModalGroupUnits] == 20 }
func (vm VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == 91 }

// AbsoluteArcCenters reports G90.1 mode, where I/J give the arc
// center in absolute coordinates rather than offsets from the
// start point.
func (vm VM) AbsoluteArcCenters() bool { return vm.modal[ModalGroupArcDistanceMode] == 90.1 }

// Motion returns the active motion-group code (0, 1, 2, 3, 38.2, ...).
func (vm VM) Motion() float64 { return vm.modal[ModalGroupMotion] }

func (vm VM) Feed() float64  { return vm.feed }
func (vm VM) Speed() float64 { return vm.speed }

func (vm VM) WPos() coord.Point {
	return vm.pos.Sub(vm.wco)
}
func (vm VM) MPos() coord.Point {
	return vm.pos
}
func (vm *VM) SetMPos(p coord.Point) {
	vm.pos = p
}
func (vm *VM) SetWCO(p coord.Point) {
	vm.wco = p
}
func (vm VM) WCO() coord.Point {
	return vm.wco
}

func isSupported(g Word) bool {
	if g.IsAxis() {
		return true
	}

	switch g.W {
	case 'F', 'S', 'I', 'J', 'K', 'P':
		return true
	case 'G':
		switch g.Arg {
		case 0, 1, 2, 3, 4, 17, 20, 21, 38.2, 53, 90, 90.1, 91, 91.1, 94:
			return true
		}
	case 'M':
		switch g.Arg {
		case 0, 2, 3, 4, 5, 7, 8, 9, 30:
			return true
		}
	}

	return false
}

func applyBlock(p coord.Point, b Block, mul float64) coord.Point {
	for _, g := range b {
		switch g.W {
		case 'X':
			p.X = g.Arg * mul
		case 'Y':
			p.Y = g.Arg * mul
		case 'Z':
			p.Z = g.Arg * mul
		}
	}

	return p
}

// Scale converts an input value to millimeters under the
// current units mode.
func (vm VM) Scale(v float64) float64 {
	if vm.Inches() {
		return v * 25.4
	}
	return v
}

func (vm *VM) Run(b Block) error {
	err := b.Validate()
	if err != nil {
		return err
	}
	var machineCoords bool
	for _, g := range b {
		mg := g.ModalGroup()
		if mg != ModalGroupNone && mg != ModalGroupNonModal {
			vm.modal[mg] = g.Arg
		}
		if g == (Word{W: 'G', Arg: 53.0}) {
			machineCoords = true
		}
		if g.W == 'F' {
			vm.feed = vm.Scale(g.Arg)
		}
		if g.W == 'S' {
			vm.speed = g.Arg
		}
		if !isSupported(g) {
			return errors.New("unsupported code: " + g.String())
		}
	}

	args := b.Args()
	hasAxis := false
	for _, g := range args {
		if g.IsAxis() {
			hasAxis = true
			break
		}
	}
	if !hasAxis {
		return nil
	}

	mul := 1.0
	if vm.Inches() {
		mul = 25.4
	}
	// apply motion
	if vm.RelativeMotion() {
		vm.pos = vm.pos.Add(applyBlock(coord.Point{}, args, mul))
	} else if machineCoords {
		vm.pos = applyBlock(vm.pos, args, 1)
	} else {
		vm.pos = applyBlock(vm.WPos(), args, mul).Add(vm.wco)
	}

	return nil
}
