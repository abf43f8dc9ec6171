// Package heightmap builds immutable probed-surface maps and
// interpolates Z offsets from them.
package heightmap

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openpcb/sender/coord"
)

// ErrInsufficientData indicates the probe points cannot support the
// requested interpolation method.
var ErrInsufficientData = errors.New("heightmap: insufficient probe data")

// Region is the XY bounding box covered by a map.
type Region struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Contains reports whether x,y falls inside the region, with the
// usual epsilon slack on the edges.
func (r Region) Contains(x, y float64) bool {
	return x >= r.MinX-coord.Epsilon && x <= r.MaxX+coord.Epsilon &&
		y >= r.MinY-coord.Epsilon && y <= r.MaxY+coord.Epsilon
}

// Meta describes where a map came from.
type Meta struct {
	Units     string    `json:"units"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}

// Map is a set of probed points over a region. A Map is never
// modified after Build returns; re-probing creates a new one so
// jobs that reference a map id stay reproducible.
type Map struct {
	Points []coord.Point
	Region Region
	Meta   Meta
}

// Build validates the probe points and assembles a Map. It requires
// at least 4 points and rejects duplicate (x,y) positions.
func Build(points []coord.Point, meta Meta) (*Map, error) {
	if len(points) < 4 {
		return nil, fmt.Errorf("%w: got %d points, need at least 4", ErrInsufficientData, len(points))
	}

	m := &Map{
		Points: make([]coord.Point, len(points)),
		Meta:   meta,
		Region: Region{
			MinX: points[0].X, MaxX: points[0].X,
			MinY: points[0].Y, MaxY: points[0].Y,
		},
	}
	copy(m.Points, points)
	if m.Meta.Units == "" {
		m.Meta.Units = "mm"
	}
	if m.Meta.CreatedAt.IsZero() {
		m.Meta.CreatedAt = time.Now()
	}

	for i, p := range m.Points {
		m.Region.MinX = math.Min(m.Region.MinX, p.X)
		m.Region.MinY = math.Min(m.Region.MinY, p.Y)
		m.Region.MaxX = math.Max(m.Region.MaxX, p.X)
		m.Region.MaxY = math.Max(m.Region.MaxY, p.Y)

		for _, q := range m.Points[:i] {
			if math.Abs(p.X-q.X) < coord.Epsilon && math.Abs(p.Y-q.Y) < coord.Epsilon {
				return nil, fmt.Errorf("heightmap: duplicate probe position (%v,%v)", p.X, p.Y)
			}
		}
	}

	return m, nil
}
