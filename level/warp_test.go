package level

import (
	"math"
	"testing"
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/heightmap"
	"github.com/openpcb/sender/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tilted surface: z = 0.01*x over [0,100]x[0,100]
func tiltedInterp(t *testing.T) heightmap.Interpolator {
	t.Helper()
	var pts []coord.Point
	for _, y := range []float64{0, 100} {
		for _, x := range []float64{0, 100} {
			pts = append(pts, coord.Point{X: x, Y: y, Z: x * 0.01})
		}
	}
	m, err := heightmap.Build(pts, heightmap.Meta{})
	require.NoError(t, err)
	in, err := m.Interpolator(heightmap.Bilinear, heightmap.Options{})
	require.NoError(t, err)
	return in
}

func TestWarp_Linear(t *testing.T) {
	cfg := Config{Interp: tiltedInterp(t), DZMax: 2, LMax: 10}

	blocks := []job.Block{
		{Kind: job.Linear, Target: coord.Point{X: 100, Y: 0, Z: -1}, Feed: 200},
	}
	out, err := Warp(coord.Point{}, blocks, cfg)
	require.NoError(t, err)
	require.Len(t, out, 10)

	prev := coord.Point{}
	for i, b := range out {
		assert.Equal(t, job.Linear, b.Kind)
		assert.Equal(t, 200.0, b.Feed)

		// sub-segment length stays within LMax (on the nominal
		// path; the correction only shifts Z)
		nominal := b.Target
		nominal.Z = -1 * float64(i+1) / 10
		assert.LessOrEqual(t, prev.DistanceXY(nominal.X, nominal.Y), cfg.LMax+coord.Epsilon)

		// corrected Z is nominal plus the surface offset
		assert.InDelta(t, nominal.Z+0.01*nominal.X, b.Target.Z, 1e-9)
		assert.LessOrEqual(t, math.Abs(b.Target.Z-nominal.Z), cfg.DZMax)

		prev = nominal
	}
	// ends exactly at the corrected target
	assert.Equal(t, 100.0, out[9].Target.X)
}

func TestWarp_Clamp(t *testing.T) {
	var warned []coord.Point
	cfg := Config{
		Interp: tiltedInterp(t),
		DZMax:  0.5,
		LMax:   1000,
		Warn:   func(at coord.Point, wanted float64) { warned = append(warned, at) },
	}

	blocks := []job.Block{
		{Kind: job.Linear, Target: coord.Point{X: 100, Y: 0, Z: 0}, Feed: 100},
	}
	out, err := Warp(coord.Point{}, blocks, cfg)
	require.NoError(t, err)
	require.Len(t, out, 1)

	// surface wants +1.0 at x=100, clamped to +0.5 with a warning
	assert.InDelta(t, 0.5, out[0].Target.Z, 1e-9)
	require.Len(t, warned, 1)
	assert.Equal(t, 100.0, warned[0].X)
}

func TestWarp_ClampStreakAborts(t *testing.T) {
	cfg := Config{
		Interp:         tiltedInterp(t),
		DZMax:          0.1,
		LMax:           10,
		MaxClampStreak: 3,
	}

	// every waypoint past x=10 wants more than 0.1
	blocks := []job.Block{
		{Kind: job.Linear, Target: coord.Point{X: 100, Y: 0, Z: 0}, Feed: 100},
	}
	_, err := Warp(coord.Point{}, blocks, cfg)
	assert.ErrorIs(t, err, ErrCorrectionOutOfBounds)
}

func TestWarp_PassesNonMotion(t *testing.T) {
	cfg := Config{Interp: tiltedInterp(t), DZMax: 2, LMax: 10}

	blocks := []job.Block{
		{Kind: job.SpindleOn, Speed: 10000},
		{Kind: job.Dwell, Seconds: 2},
		{Kind: job.Probe, Target: coord.Point{Z: -5}, Feed: 25},
	}
	out, err := Warp(coord.Point{}, blocks, cfg)
	require.NoError(t, err)
	assert.Equal(t, blocks, out)
}

func TestWarp_ArcFlattening(t *testing.T) {
	cfg := Config{Interp: tiltedInterp(t), DZMax: 2, LMax: 1000, ChordTol: 0.01}

	// half circle from (60,50) around (50,50), radius 10, ccw
	start := coord.Point{X: 60, Y: 50, Z: -1}
	blocks := []job.Block{
		{Kind: job.ArcCCW, Target: coord.Point{X: 40, Y: 50, Z: -1}, Center: coord.Point{X: -10}, Feed: 150},
	}
	out, err := Warp(start, blocks, cfg)
	require.NoError(t, err)
	require.Greater(t, len(out), 10)

	for _, b := range out {
		assert.Equal(t, job.Linear, b.Kind)
		// every chord endpoint lies on the circle with the
		// surface offset applied
		d := math.Hypot(b.Target.X-50, b.Target.Y-50)
		assert.InDelta(t, 10.0, d, 1e-6)
		assert.InDelta(t, -1+0.01*b.Target.X, b.Target.Z, 1e-9)
	}
	last := out[len(out)-1].Target
	assert.InDelta(t, 40.0, last.X, 1e-9)
	assert.InDelta(t, 50.0, last.Y, 1e-9)
}

func TestStream_BudgetRetry(t *testing.T) {
	cfg := Config{Interp: tiltedInterp(t), DZMax: 2, LMax: 10}
	s := NewStream(coord.Point{}, cfg, 50*time.Millisecond)

	// clock jumps past the deadline on the first attempt
	base := time.Now()
	calls := 0
	s.now = func() time.Time {
		calls++
		if calls <= 2 {
			return base.Add(time.Duration(calls-1) * time.Hour)
		}
		return base
	}

	b := job.Block{Kind: job.Linear, Target: coord.Point{X: 20, Y: 0, Z: 0}, Feed: 100}
	out, retry, err := s.Next(b)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Nil(t, out)

	// retry succeeds and picks up from the original position
	out, retry, err = s.Next(b)
	require.NoError(t, err)
	assert.False(t, retry)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.1, out[0].Target.Z, 1e-9)
	assert.InDelta(t, 0.2, out[1].Target.Z, 1e-9)
}
