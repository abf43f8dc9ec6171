package heightmap

import (
	"fmt"
	"math"
	"sort"

	"github.com/openpcb/sender/coord"
)

// Method selects an interpolation scheme. Selection is explicit per
// job, never inferred from the data.
type Method string

const (
	// Bilinear interpolates over the enclosing grid cell. The
	// points must lie on a (near-)regular rectangular grid.
	Bilinear Method = "bilinear"
	// IDW is inverse-distance weighting over all points. Works
	// for scattered data.
	IDW Method = "idw"
	// RBF fits a gaussian radial basis surface. Smoothest and
	// most expensive; offline precompute only.
	RBF Method = "rbf"
	// Mesh triangulates the points and interpolates on the
	// triangle planes. Works for scattered data; returns no
	// offset outside the convex hull.
	Mesh Method = "mesh"
)

// Interpolator yields the probed Z offset at an XY position. The
// bool result is false where the map gives no usable value.
type Interpolator interface {
	OffsetZ(x, y float64) (bool, float64)
}

// Options tune method-specific parameters.
type Options struct {
	// Power is the IDW distance exponent. Zero means 2.
	Power float64
}

// Interpolator builds the named interpolator over the map. RBF and
// mesh construction do their expensive work here so OffsetZ stays
// cheap.
func (m *Map) Interpolator(method Method, opts Options) (Interpolator, error) {
	switch method {
	case Bilinear:
		return newBilinear(m)
	case IDW:
		p := opts.Power
		if p == 0 {
			p = 2
		}
		return &idw{points: m.Points, power: p}, nil
	case RBF:
		return newRBF(m)
	case Mesh:
		return NewMesh(m.Points)
	}
	return nil, fmt.Errorf("heightmap: unknown interpolation method %q", method)
}

// bilinear holds a regular grid: zs[iy*len(xs)+ix] is the probed Z
// at (xs[ix], ys[iy]).
type bilinear struct {
	xs, ys []float64
	zs     []float64
}

func newBilinear(m *Map) (*bilinear, error) {
	xs := axisValues(m.Points, func(p coord.Point) float64 { return p.X })
	ys := axisValues(m.Points, func(p coord.Point) float64 { return p.Y })
	if len(xs) < 2 || len(ys) < 2 || len(xs)*len(ys) != len(m.Points) {
		return nil, fmt.Errorf("%w: bilinear needs a rectangular grid, got %d points over a %dx%d lattice",
			ErrInsufficientData, len(m.Points), len(xs), len(ys))
	}

	b := &bilinear{xs: xs, ys: ys, zs: make([]float64, len(xs)*len(ys))}
	seen := make([]bool, len(b.zs))
	for _, p := range m.Points {
		ix := axisIndex(xs, p.X)
		iy := axisIndex(ys, p.Y)
		b.zs[iy*len(xs)+ix] = p.Z
		seen[iy*len(xs)+ix] = true
	}
	for _, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: bilinear grid has unprobed cells", ErrInsufficientData)
		}
	}
	return b, nil
}

// axisValues collects the distinct coordinate values on one axis,
// merging values within epsilon of each other.
func axisValues(points []coord.Point, get func(coord.Point) float64) []float64 {
	vals := make([]float64, 0, len(points))
	for _, p := range points {
		v := get(p)
		found := false
		for _, u := range vals {
			if math.Abs(u-v) < coord.Epsilon {
				found = true
				break
			}
		}
		if !found {
			vals = append(vals, v)
		}
	}
	sort.Float64s(vals)
	return vals
}

func axisIndex(vals []float64, v float64) int {
	best, bestD := 0, math.Inf(1)
	for i, u := range vals {
		if d := math.Abs(u - v); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// OffsetZ interpolates within the enclosing cell. Positions outside
// the grid are clamped to the nearest edge, never extrapolated.
func (b *bilinear) OffsetZ(x, y float64) (bool, float64) {
	x = clamp(x, b.xs[0], b.xs[len(b.xs)-1])
	y = clamp(y, b.ys[0], b.ys[len(b.ys)-1])

	ix := cellIndex(b.xs, x)
	iy := cellIndex(b.ys, y)

	x0, x1 := b.xs[ix], b.xs[ix+1]
	y0, y1 := b.ys[iy], b.ys[iy+1]
	tx := (x - x0) / (x1 - x0)
	ty := (y - y0) / (y1 - y0)

	nx := len(b.xs)
	z00 := b.zs[iy*nx+ix]
	z10 := b.zs[iy*nx+ix+1]
	z01 := b.zs[(iy+1)*nx+ix]
	z11 := b.zs[(iy+1)*nx+ix+1]

	z := z00*(1-tx)*(1-ty) + z10*tx*(1-ty) + z01*(1-tx)*ty + z11*tx*ty
	return true, z
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// cellIndex finds i such that vals[i] <= v <= vals[i+1].
func cellIndex(vals []float64, v float64) int {
	i := sort.SearchFloat64s(vals, v)
	if i > 0 {
		i--
	}
	if i > len(vals)-2 {
		i = len(vals) - 2
	}
	return i
}

type idw struct {
	points []coord.Point
	power  float64
}

// OffsetZ returns the inverse-distance weighted mean of all probed
// points. A position within epsilon of a probed point returns that
// point's measured Z exactly.
func (w *idw) OffsetZ(x, y float64) (bool, float64) {
	var num, den float64
	for _, p := range w.points {
		d := p.DistanceXY(x, y)
		if d < coord.Epsilon {
			return true, p.Z
		}
		wt := 1 / math.Pow(d, w.power)
		num += wt * p.Z
		den += wt
	}
	return true, num / den
}

// rbf is a gaussian radial basis fit: z(x,y) = sum w_i
// exp(-(eps*r_i)^2) with the weights solved once at construction.
type rbf struct {
	points  []coord.Point
	weights []float64
	eps     float64
}

func newRBF(m *Map) (*rbf, error) {
	n := len(m.Points)

	// shape the basis to the average point spacing so the fit
	// neither rings nor flattens
	span := math.Max(m.Region.MaxX-m.Region.MinX, m.Region.MaxY-m.Region.MinY)
	if span < coord.Epsilon {
		return nil, fmt.Errorf("%w: rbf needs spatial extent", ErrInsufficientData)
	}
	eps := math.Sqrt(float64(n)) / span

	a := make([][]float64, n)
	rhs := make([]float64, n)
	for i, p := range m.Points {
		a[i] = make([]float64, n)
		for j, q := range m.Points {
			r := p.DistanceXY(q.X, q.Y)
			a[i][j] = math.Exp(-(eps * r) * (eps * r))
		}
		rhs[i] = p.Z
	}

	w, err := solve(a, rhs)
	if err != nil {
		return nil, err
	}
	return &rbf{points: m.Points, weights: w, eps: eps}, nil
}

func (f *rbf) OffsetZ(x, y float64) (bool, float64) {
	var z float64
	for i, p := range f.points {
		r := p.DistanceXY(x, y)
		z += f.weights[i] * math.Exp(-(f.eps*r)*(f.eps*r))
	}
	return true, z
}

// solve does gaussian elimination with partial pivoting. The basis
// matrices here are small (one row per probe point).
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		if math.Abs(a[col][col]) < 1e-12 {
			return nil, fmt.Errorf("%w: rbf basis is singular", ErrInsufficientData)
		}
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}
