// Package level applies height-map Z corrections to motion blocks,
// either over a whole toolpath ahead of time or block-by-block while
// a job streams.
package level

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/heightmap"
	"github.com/openpcb/sender/job"
)

// DefaultChordTol is the max deviation between an arc and its chord
// approximation, in mm.
const DefaultChordTol = 0.01

// ErrCorrectionOutOfBounds indicates the surface demanded more
// consecutive clamped corrections than the configured safety
// threshold allows.
var ErrCorrectionOutOfBounds = errors.New("level: correction out of bounds")

// Config controls warping.
type Config struct {
	Interp heightmap.Interpolator

	// DZMax caps the correction magnitude. A correction beyond
	// it is clamped and surfaced through Warn, not rejected.
	DZMax float64
	// LMax is the max uncorrected segment length; longer moves
	// are subdivided.
	LMax float64
	// ChordTol is the arc flattening tolerance. Zero means
	// DefaultChordTol.
	ChordTol float64
	// MaxClampStreak aborts after this many consecutive clamped
	// corrections. Zero disables the abort.
	MaxClampStreak int

	// Warn receives clamp notifications. Optional.
	Warn func(at coord.Point, wanted float64)
}

func (cfg Config) chordTol() float64 {
	if cfg.ChordTol <= 0 {
		return DefaultChordTol
	}
	return cfg.ChordTol
}

// Warp corrects a whole toolpath offline. start is the nominal
// position before the first block. The input is not modified.
func Warp(start coord.Point, blocks []job.Block, cfg Config) ([]job.Block, error) {
	if cfg.Interp == nil {
		return nil, errors.New("level: no interpolator configured")
	}

	w := warper{cfg: cfg, pos: start}
	out := make([]job.Block, 0, len(blocks))
	for _, b := range blocks {
		wb, err := w.block(b)
		if err != nil {
			return nil, err
		}
		out = append(out, wb...)
	}
	return out, nil
}

// warper holds the per-toolpath state shared by offline and
// streaming modes: the nominal position and the clamp streak.
type warper struct {
	cfg    Config
	pos    coord.Point
	streak int

	// online mode only
	deadline time.Time
	clock    func() time.Time
}

// errBudget aborts a block expansion that ran past the online
// deadline.
var errBudget = errors.New("level: budget exceeded")

// blockWithin expands one block under a deadline for online mode.
func (w *warper) blockWithin(b job.Block, deadline time.Time, now func() time.Time) ([]job.Block, error) {
	w.deadline = deadline
	w.clock = now
	out, err := w.block(b)
	w.clock = nil
	return out, err
}

// block expands one block into its corrected form and advances the
// nominal position.
func (w *warper) block(b job.Block) ([]job.Block, error) {
	if !b.Kind.IsMotion() || b.Kind == job.Probe {
		return []job.Block{b}, nil
	}

	var out []job.Block
	var err error
	switch b.Kind {
	case job.ArcCW, job.ArcCCW:
		out, err = w.arc(b)
	default:
		out, err = w.linear(b)
	}
	if err != nil {
		return nil, err
	}
	w.pos = b.Target
	return out, nil
}

// linear subdivides a straight move into sub-segments no longer
// than LMax and corrects each waypoint.
func (w *warper) linear(b job.Block) ([]job.Block, error) {
	dist := w.pos.Distance(b.Target)
	n := 1
	if w.cfg.LMax > 0 && dist > w.cfg.LMax {
		n = int(math.Ceil(dist / w.cfg.LMax))
	}

	out := make([]job.Block, 0, n)
	for _, p := range w.pos.Split(b.Target, n) {
		dz, err := w.offset(p)
		if err != nil {
			return nil, err
		}
		sb := b
		sb.Target = p
		sb.Target.Z += dz
		sb.Center = coord.Point{}
		out = append(out, sb)
	}
	return out, nil
}

// arc flattens an arc to chords within ChordTol, then corrects the
// chords like linear moves. Z advances linearly along the sweep so
// helical arcs stay helical.
func (w *warper) arc(b job.Block) ([]job.Block, error) {
	c := w.pos.Add(b.Center)
	r := c.DistanceXY(w.pos.X, w.pos.Y)
	if r < coord.Epsilon {
		return nil, fmt.Errorf("level: arc with zero radius at (%v,%v)", w.pos.X, w.pos.Y)
	}

	a0 := math.Atan2(w.pos.Y-c.Y, w.pos.X-c.X)
	a1 := math.Atan2(b.Target.Y-c.Y, b.Target.X-c.X)
	sweep := a1 - a0
	if b.Kind == job.ArcCW {
		// clockwise sweeps are negative
		for sweep >= 0 {
			sweep -= 2 * math.Pi
		}
	} else {
		for sweep <= 0 {
			sweep += 2 * math.Pi
		}
	}

	// chord count from the sagitta bound: a chord spanning angle
	// a deviates from the arc by r*(1-cos(a/2))
	tol := math.Min(w.cfg.chordTol(), r)
	maxAngle := 2 * math.Acos(1-tol/r)
	n := int(math.Ceil(math.Abs(sweep) / maxAngle))
	if n < 1 {
		n = 1
	}

	start := w.pos
	out := make([]job.Block, 0, n)
	for i := 1; i <= n; i++ {
		a := a0 + sweep*float64(i)/float64(n)
		p := coord.Point{
			X: c.X + r*math.Cos(a),
			Y: c.Y + r*math.Sin(a),
			Z: start.Z + (b.Target.Z-start.Z)*float64(i)/float64(n),
		}
		if i == n {
			p = b.Target
		}

		chord := job.Block{Kind: job.Linear, Target: p, Feed: b.Feed, Speed: b.Speed}
		sub, err := w.linear(chord)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		w.pos = p
	}
	return out, nil
}

// offset looks up the clamped correction for one waypoint and
// tracks the clamp streak.
func (w *warper) offset(p coord.Point) (float64, error) {
	if w.clock != nil && w.clock().After(w.deadline) {
		return 0, errBudget
	}

	ok, dz := w.cfg.Interp.OffsetZ(p.X, p.Y)
	if !ok {
		// outside the mapped surface: leave the move alone
		w.streak = 0
		return 0, nil
	}

	if w.cfg.DZMax > 0 && math.Abs(dz) > w.cfg.DZMax {
		clamped := math.Copysign(w.cfg.DZMax, dz)
		logrus.WithFields(logrus.Fields{
			"x": p.X, "y": p.Y, "wanted": dz, "clamped": clamped,
		}).Warn("level: correction clamped")
		if w.cfg.Warn != nil {
			w.cfg.Warn(p, dz)
		}
		w.streak++
		if w.cfg.MaxClampStreak > 0 && w.streak >= w.cfg.MaxClampStreak {
			return 0, fmt.Errorf("%w: %d consecutive clamped corrections at (%v,%v)",
				ErrCorrectionOutOfBounds, w.streak, p.X, p.Y)
		}
		return clamped, nil
	}

	w.streak = 0
	return dz, nil
}
