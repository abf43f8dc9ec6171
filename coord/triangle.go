package coord

const (
	// Epsilon is the max error when checking containment.
	Epsilon   = 0.001
	epsilonSq = Epsilon * Epsilon
)

// Triangle is one face of a probed surface mesh. Its vertices
// carry measured Z values; the face defines the surface plane
// between them.
type Triangle struct{ A, B, C Point }

// Contains reports whether x,y falls inside the triangle's XY
// projection. Points within Epsilon of an edge count as inside so
// adjacent faces tile without gaps.
func (t Triangle) Contains(x, y float64) bool {
	d1 := edgeSide(t.A, t.B, x, y)
	d2 := edgeSide(t.B, t.C, x, y)
	d3 := edgeSide(t.C, t.A, x, y)

	neg := d1 < 0 || d2 < 0 || d3 < 0
	pos := d1 > 0 || d2 > 0 || d3 > 0
	if !neg || !pos {
		return true
	}

	return segDistSq(t.A, t.B, x, y) <= epsilonSq ||
		segDistSq(t.B, t.C, x, y) <= epsilonSq ||
		segDistSq(t.C, t.A, x, y) <= epsilonSq
}

// ZAt returns the height of the triangle's plane at x,y.
func (t Triangle) ZAt(x, y float64) float64 {
	n := t.B.Sub(t.A).Cross(t.C.Sub(t.A))
	return t.A.Z - (n.X*(x-t.A.X)+n.Y*(y-t.A.Y))/n.Z
}

// edgeSide is the cross product of a->b with a->(x,y): its sign
// says which side of the edge the point is on.
func edgeSide(a, b Point, x, y float64) float64 {
	return (b.X-a.X)*(y-a.Y) - (b.Y-a.Y)*(x-a.X)
}

// segDistSq is the squared XY distance from x,y to the segment
// a-b.
func segDistSq(a, b Point, x, y float64) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	px, py := x-a.X, y-a.Y

	ll := dx*dx + dy*dy
	if ll == 0 {
		return px*px + py*py
	}
	f := (px*dx + py*dy) / ll
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	ex, ey := px-f*dx, py-f*dy
	return ex*ex + ey*ey
}
