// Package probe plans grid Z-probe sequences and collects their
// results into a height map.
package probe

import (
	"errors"
	"fmt"
	"math"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/job"
)

// defaultRetract is the clearance above the highest pre-scan
// reading when the profile does not configure one.
const defaultRetract = 0.2

// GridOptions configure a grid-pattern z-probe over a rectangle.
type GridOptions struct {
	// Origin is the lower-left corner of the probed rectangle at
	// a safe travel height.
	Origin coord.Point

	DistanceX, DistanceY float64

	// Granularity is the max spacing between neighboring probe
	// points.
	Granularity float64

	// FeedFast is the plunge feed for the quick pre-scan.
	// FeedFine is the measuring feed for the grid pass; zero
	// means FeedFast.
	FeedFast float64
	FeedFine float64

	// Retract is the clearance kept above the highest pre-scan
	// reading between grid points; zero means defaultRetract.
	// MaxTravel is how far below the travel height a probe may
	// plunge before it fails.
	Retract   float64
	MaxTravel float64
}

func (opt GridOptions) validate() error {
	if opt.DistanceX <= 0 || opt.DistanceY <= 0 {
		return errors.New("probe: grid distances must be positive")
	}
	if opt.Granularity <= 0 {
		return errors.New("probe: granularity must be positive")
	}
	if opt.FeedFast <= 0 {
		return errors.New("probe: feed must be positive")
	}
	if opt.MaxTravel <= 0 {
		return errors.New("probe: max travel must be positive")
	}
	return nil
}

// Planner generates the two probing phases. Quick scans the corners
// and center from the original travel height; Grid runs the full
// serpentine scan from a safe height derived from the quick pass.
type Planner struct {
	opt GridOptions
}

func NewPlanner(opt GridOptions) (*Planner, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if opt.FeedFine <= 0 {
		opt.FeedFine = opt.FeedFast
	}
	if opt.Retract <= 0 {
		opt.Retract = defaultRetract
	}
	return &Planner{opt: opt}, nil
}

// probeAt moves to x,y at height z, probes down at the given feed,
// and lifts back.
func (p *Planner) probeAt(x, y, z, feed float64) []job.Block {
	return []job.Block{
		{Kind: job.Rapid, Target: coord.Point{X: x, Y: y, Z: z}},
		{Kind: job.Probe, Target: coord.Point{X: x, Y: y, Z: z - p.opt.MaxTravel}, Feed: feed},
		{Kind: job.Rapid, Target: coord.Point{X: x, Y: y, Z: z}},
	}
}

// Quick is the preliminary scan: corners and center at the fast
// feed from the original height, ending back at the origin.
func (p *Planner) Quick() []job.Block {
	o := p.opt.Origin

	var b []job.Block
	b = append(b, p.probeAt(o.X, o.Y, o.Z, p.opt.FeedFast)...)
	b = append(b, p.probeAt(o.X, o.Y+p.opt.DistanceY, o.Z, p.opt.FeedFast)...)
	b = append(b, p.probeAt(o.X+p.opt.DistanceX/2, o.Y+p.opt.DistanceY/2, o.Z, p.opt.FeedFast)...)
	b = append(b, p.probeAt(o.X+p.opt.DistanceX, o.Y, o.Z, p.opt.FeedFast)...)
	b = append(b, p.probeAt(o.X+p.opt.DistanceX, o.Y+p.opt.DistanceY, o.Z, p.opt.FeedFast)...)
	b = append(b, job.Block{Kind: job.Rapid, Target: o})
	return b
}

// SafeHeight derives the grid-scan travel height from the quick
// pass results: the highest reading plus the retract clearance.
func (p *Planner) SafeHeight(points []coord.Point) (float64, error) {
	if len(points) == 0 {
		return 0, errors.New("probe: no probe data returned")
	}
	maxZ := points[0].Z
	for _, pt := range points[1:] {
		maxZ = math.Max(maxZ, pt.Z)
	}
	return maxZ + p.opt.Retract, nil
}

// Grid is the full serpentine scan at the given travel height,
// probing at the fine feed. No two neighboring probe points are
// farther than Granularity apart. The sequence ends back at the
// origin.
func (p *Planner) Grid(safeZ float64) []job.Block {
	o := p.opt.Origin

	// spacing so the diagonal between row neighbors stays within
	// granularity
	xyDist := math.Sqrt(p.opt.Granularity * p.opt.Granularity / 2)
	xCount := int(math.Ceil(p.opt.DistanceX / xyDist))
	yCount := int(math.Ceil(p.opt.DistanceY / xyDist))

	b := []job.Block{
		{Kind: job.Rapid, Target: coord.Point{X: o.X, Y: o.Y, Z: safeZ}},
	}
	for y := 0; y <= yCount; y++ {
		for x := 0; x <= xCount; x++ {
			xVal := p.opt.DistanceX / float64(xCount) * float64(x)
			if y%2 != 0 {
				xVal = p.opt.DistanceX - xVal
			}
			yVal := p.opt.DistanceY / float64(yCount) * float64(y)
			b = append(b, p.probeAt(o.X+xVal, o.Y+yVal, safeZ, p.opt.FeedFine)...)
		}
	}

	b = append(b,
		job.Block{Kind: job.Rapid, Target: coord.Point{X: o.X, Y: o.Y, Z: safeZ}},
		job.Block{Kind: job.Rapid, Target: o},
	)
	return b
}

// Count returns how many probe points the grid phase emits.
func (p *Planner) Count() int {
	xyDist := math.Sqrt(p.opt.Granularity * p.opt.Granularity / 2)
	xCount := int(math.Ceil(p.opt.DistanceX / xyDist))
	yCount := int(math.Ceil(p.opt.DistanceY / xyDist))
	return (xCount + 1) * (yCount + 1)
}

// QuickJob and GridJob wrap the phases as submittable jobs.
func (p *Planner) QuickJob(id string) job.Job {
	return job.Job{ID: fmt.Sprintf("%s-quick", id), Blocks: p.Quick()}
}

func (p *Planner) GridJob(id string, safeZ float64) job.Job {
	return job.Job{ID: fmt.Sprintf("%s-grid", id), Blocks: p.Grid(safeZ)}
}
