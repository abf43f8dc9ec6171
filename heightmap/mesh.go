package heightmap

import (
	"fmt"
	"math"

	"github.com/fogleman/delaunay"
	"github.com/openpcb/sender/coord"
)

// TriMesh interpolates scattered probe points on their Delaunay
// triangulation. Outside the convex hull it reports no offset.
type TriMesh struct {
	minX, minY, maxX, maxY float64
	triangles              []coord.Triangle
}

func NewMesh(points []coord.Point) (*TriMesh, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: mesh needs at least 3 points", ErrInsufficientData)
	}

	points2d := make([]delaunay.Point, len(points))
	byXY := make(map[delaunay.Point]coord.Point, len(points))

	m := &TriMesh{
		minX: points[0].X,
		minY: points[0].Y,
		maxX: points[0].X,
		maxY: points[0].Y,
	}
	var d delaunay.Point
	for i, p := range points {
		m.minX = math.Min(m.minX, p.X)
		m.minY = math.Min(m.minY, p.Y)
		m.maxX = math.Max(m.maxX, p.X)
		m.maxY = math.Max(m.maxY, p.Y)

		d.X = p.X
		d.Y = p.Y
		byXY[d] = p
		points2d[i] = d
	}
	m.minX -= coord.Epsilon
	m.minY -= coord.Epsilon
	m.maxX += coord.Epsilon
	m.maxY += coord.Epsilon

	tri, err := delaunay.Triangulate(points2d)
	if err != nil {
		return nil, err
	}

	m.triangles = make([]coord.Triangle, 0, len(tri.Triangles)/3)
	for i := 0; i < len(tri.Triangles); i += 3 {
		m.triangles = append(m.triangles, coord.Triangle{
			A: byXY[tri.Points[tri.Triangles[i]]],
			B: byXY[tri.Points[tri.Triangles[i+1]]],
			C: byXY[tri.Points[tri.Triangles[i+2]]],
		})
	}

	return m, nil
}

func (m *TriMesh) OffsetZ(x, y float64) (bool, float64) {
	if x < m.minX || m.maxX < x || y < m.minY || m.maxY < y {
		return false, 0
	}
	for _, t := range m.triangles {
		if !t.Contains(x, y) {
			continue
		}
		return true, t.ZAt(x, y)
	}

	return false, 0
}
