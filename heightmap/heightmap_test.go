package heightmap

import (
	"testing"
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 3x3 grid over [0,20]x[0,20], tilted: z rises 0.1 per mm of x.
func gridPoints() []coord.Point {
	var pts []coord.Point
	for _, y := range []float64{0, 10, 20} {
		for _, x := range []float64{0, 10, 20} {
			pts = append(pts, coord.Point{X: x, Y: y, Z: x * 0.1})
		}
	}
	return pts
}

func TestBuild(t *testing.T) {
	m, err := Build(gridPoints(), Meta{Source: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, Region{MinX: 0, MinY: 0, MaxX: 20, MaxY: 20}, m.Region)
	assert.Equal(t, "mm", m.Meta.Units)
	assert.False(t, m.Meta.CreatedAt.IsZero())

	_, err = Build(gridPoints()[:3], Meta{})
	assert.ErrorIs(t, err, ErrInsufficientData)

	dup := append(gridPoints(), coord.Point{X: 10, Y: 10, Z: 5})
	_, err = Build(dup, Meta{})
	assert.Error(t, err)
}

func TestBilinear(t *testing.T) {
	m, err := Build(gridPoints(), Meta{})
	require.NoError(t, err)
	in, err := m.Interpolator(Bilinear, Options{})
	require.NoError(t, err)

	// exact at probed points
	for _, p := range m.Points {
		ok, z := in.OffsetZ(p.X, p.Y)
		require.True(t, ok)
		assert.InDelta(t, p.Z, z, 1e-9)
	}

	// linear in between
	ok, z := in.OffsetZ(5, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, z, 1e-9)
	ok, z = in.OffsetZ(13, 7)
	require.True(t, ok)
	assert.InDelta(t, 1.3, z, 1e-9)

	// outside the grid: clamped to the nearest edge, never
	// extrapolated
	ok, z = in.OffsetZ(100, 10)
	require.True(t, ok)
	assert.InDelta(t, 2.0, z, 1e-9)
	ok, z = in.OffsetZ(-50, -50)
	require.True(t, ok)
	assert.InDelta(t, 0.0, z, 1e-9)
}

func TestBilinear_NonRectangular(t *testing.T) {
	pts := []coord.Point{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 5, Y: 17},
	}
	m, err := Build(pts, Meta{})
	require.NoError(t, err)
	_, err = m.Interpolator(Bilinear, Options{})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestIDW(t *testing.T) {
	m, err := Build(gridPoints(), Meta{})
	require.NoError(t, err)
	in, err := m.Interpolator(IDW, Options{})
	require.NoError(t, err)

	for _, p := range m.Points {
		ok, z := in.OffsetZ(p.X, p.Y)
		require.True(t, ok)
		assert.Equal(t, p.Z, z)
	}

	// between points: bounded by the probed extremes
	ok, z := in.OffsetZ(5, 5)
	require.True(t, ok)
	assert.Greater(t, z, 0.0)
	assert.Less(t, z, 2.0)
}

func TestRBF(t *testing.T) {
	m, err := Build(gridPoints(), Meta{})
	require.NoError(t, err)
	in, err := m.Interpolator(RBF, Options{})
	require.NoError(t, err)

	// exact at probed points within fit tolerance
	for _, p := range m.Points {
		ok, z := in.OffsetZ(p.X, p.Y)
		require.True(t, ok)
		assert.InDelta(t, p.Z, z, 1e-6)
	}
}

func TestMesh(t *testing.T) {
	in, err := NewMesh(gridPoints())
	require.NoError(t, err)

	ok, z := in.OffsetZ(5, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, z, 1e-9)

	// outside the hull there is no value
	ok, _ = in.OffsetZ(100, 100)
	assert.False(t, ok)
}

type memPersistence map[string][]byte

func (m memPersistence) Save(id string, data []byte) error { m[id] = data; return nil }
func (m memPersistence) Load(id string) ([]byte, error)    { return m[id], nil }

func TestStore(t *testing.T) {
	p := memPersistence{}
	s := NewStore(p)
	assert.Nil(t, s.Current())
	assert.Error(t, s.Save("grid"))

	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m, err := Build(gridPoints(), Meta{Units: "mm", CreatedAt: created, Source: "job-1"})
	require.NoError(t, err)
	s.Publish(m)
	assert.Same(t, m, s.Current())

	require.NoError(t, s.Save("grid"))

	s2 := NewStore(p)
	m2, err := s2.Load("grid")
	require.NoError(t, err)
	assert.Same(t, m2, s2.Current())
	assert.Equal(t, m.Points, m2.Points)
	assert.Equal(t, m.Region, m2.Region)
	assert.Equal(t, m.Meta, m2.Meta)
}
