package probe

import (
	"errors"
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/dialect"
	"github.com/openpcb/sender/heightmap"
)

// Collector accumulates probe reports from a session's event stream
// and assembles them into a height map.
type Collector struct {
	points []coord.Point
	failed bool
}

// Add records one probe report. A report with no contact marks the
// collection failed.
func (c *Collector) Add(r dialect.ProbeResult) {
	if !r.Valid {
		c.failed = true
		return
	}
	c.points = append(c.points, r.Point)
}

func (c *Collector) Len() int { return len(c.points) }

// Points returns a copy of the collected points.
func (c *Collector) Points() []coord.Point {
	p := make([]coord.Point, len(c.points))
	copy(p, c.points)
	return p
}

// Reset discards collected state before a new sequence.
func (c *Collector) Reset() {
	c.points = nil
	c.failed = false
}

// Map builds a height map from the collected points.
func (c *Collector) Map(source string) (*heightmap.Map, error) {
	if c.failed {
		return nil, errors.New("probe: sequence had probes with no contact")
	}
	return heightmap.Build(c.points, heightmap.Meta{
		Units:     "mm",
		CreatedAt: time.Now(),
		Source:    source,
	})
}

// OffsetFrom rebases probed Z values so the surface is expressed as
// offsets from a reference height, usually the Z zero at the first
// probe.
func OffsetFrom(z float64, points []coord.Point) []coord.Point {
	p := make([]coord.Point, len(points))
	copy(p, points)

	for i := range p {
		p[i].Z -= z
	}
	return p
}
