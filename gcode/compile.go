package gcode

import (
	"fmt"
	"io"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/job"
)

// Compiler turns gcode text into controller-neutral job blocks
// with absolute millimeter coordinates. Relative motion, inch
// units and absolute arc centers are all resolved away so the
// downstream sender and leveler never deal with modal state.
type Compiler struct {
	vm *VM
	r  Reader

	out []job.Block
}

func NewCompiler(r io.Reader) *Compiler {
	return &Compiler{vm: NewVM(), r: NewParser(r)}
}

// NewBlockCompiler compiles from an already-parsed block stream.
func NewBlockCompiler(r Reader) *Compiler {
	return &Compiler{vm: NewVM(), r: r}
}

// Compile reads the whole stream and returns the neutral blocks.
func Compile(r io.Reader) ([]job.Block, error) {
	return NewCompiler(r).All()
}

func (c *Compiler) All() ([]job.Block, error) {
	var res []job.Block
	for {
		b, err := c.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res = append(res, b...)
	}
}

// Next compiles one gcode line, which may yield zero or more
// neutral blocks (e.g. `G1 X5 M8` yields coolant-on then linear).
func (c *Compiler) Next() ([]job.Block, error) {
	b, err := c.r.Read()
	if err != nil {
		return nil, err
	}

	c.out = c.out[:0]

	for _, g := range b {
		if g.W != 'M' {
			continue
		}
		switch g.Arg {
		case 3, 4:
			c.out = append(c.out, job.Block{Kind: job.SpindleOn, Speed: c.spindleSpeed(b)})
		case 5:
			c.out = append(c.out, job.Block{Kind: job.SpindleOff})
		case 7, 8:
			c.out = append(c.out, job.Block{Kind: job.CoolantOn})
		case 9:
			c.out = append(c.out, job.Block{Kind: job.CoolantOff})
		}
	}

	if ok, p := b.Arg('P'); ok && hasWord(b, 'G', 4) {
		c.out = append(c.out, job.Block{Kind: job.Dwell, Seconds: p})
	}

	start := c.vm.MPos()
	err = c.vm.Run(b)
	if err != nil {
		return nil, err
	}
	end := c.vm.MPos()

	if !start.Equal(end) || hasMotionWords(b) {
		mb, err := c.motionBlock(b, start, end)
		if err != nil {
			return nil, err
		}
		if mb != nil {
			c.out = append(c.out, *mb)
		}
	}

	res := make([]job.Block, len(c.out))
	copy(res, c.out)
	return res, nil
}

func (c *Compiler) motionBlock(b Block, start, end coord.Point) (*job.Block, error) {
	var kind job.Kind
	switch c.vm.Motion() {
	case 0:
		kind = job.Rapid
	case 1:
		kind = job.Linear
	case 2:
		kind = job.ArcCW
	case 3:
		kind = job.ArcCCW
	case 38.2:
		kind = job.Probe
	default:
		return nil, fmt.Errorf("unsupported motion mode G%v", c.vm.Motion())
	}

	jb := &job.Block{Kind: kind, Target: end, Feed: c.vm.Feed()}

	if kind == job.ArcCW || kind == job.ArcCCW {
		okI, i := b.Arg('I')
		okJ, j := b.Arg('J')
		if !okI && !okJ {
			return nil, fmt.Errorf("arc without I/J center: %s", b.String())
		}
		center := coord.Point{X: c.vm.Scale(i), Y: c.vm.Scale(j)}
		if c.vm.AbsoluteArcCenters() {
			center = center.Sub(coord.Point{X: start.X, Y: start.Y})
		}
		jb.Center = center
	}

	return jb, nil
}

func (c *Compiler) spindleSpeed(b Block) float64 {
	if ok, s := b.Arg('S'); ok {
		return s
	}
	return c.vm.Speed()
}

func hasWord(b Block, w byte, arg float64) bool {
	for _, g := range b {
		if g.W == w && g.Arg == arg {
			return true
		}
	}
	return false
}

func hasMotionWords(b Block) bool {
	for _, g := range b {
		if g.IsAxis() {
			return true
		}
	}
	return false
}
