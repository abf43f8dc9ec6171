package dialect

import (
	"math"
	"strconv"
	"strings"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/job"
)

func num(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// renderGcode covers every G-code family dialect; the token map
// supplies the family-specific words.
func renderGcode(t *Table, start coord.Point, b job.Block) (string, error) {
	tok, ok := t.tokens[b.Kind]
	if !ok {
		return "", UnsupportedError{Dialect: t.ID, Op: b.Kind.String()}
	}

	var sb strings.Builder
	sb.WriteString(tok)

	switch b.Kind {
	case job.Rapid, job.Linear, job.Probe:
		writeAxes(&sb, b.Target)
		if b.Kind != job.Rapid && b.Feed > 0 {
			sb.WriteString(" F" + num(b.Feed))
		}
	case job.ArcCW, job.ArcCCW:
		writeAxes(&sb, b.Target)
		if t.Caps.ArcMode == ArcIJK {
			center := start.Add(b.Center)
			sb.WriteString(" I" + num(center.X))
			sb.WriteString(" J" + num(center.Y))
			sb.WriteString(" K0")
		} else {
			sb.WriteString(" I" + num(b.Center.X))
			sb.WriteString(" J" + num(b.Center.Y))
		}
		if b.Feed > 0 {
			sb.WriteString(" F" + num(b.Feed))
		}
	case job.SpindleOn:
		if b.Speed > 0 {
			sb.WriteString(" S" + num(b.Speed))
		}
	case job.Dwell:
		if t.ID == FanucSubset {
			// FANUC dwells take seconds in X.
			sb.WriteString(" X" + num(b.Seconds))
		} else {
			sb.WriteString(" P" + num(b.Seconds))
		}
	}

	return sb.String(), nil
}

func writeAxes(sb *strings.Builder, p coord.Point) {
	sb.WriteString(" X" + num(p.X))
	sb.WriteString(" Y" + num(p.Y))
	sb.WriteString(" Z" + num(p.Z))
}

// hpglUnits is plotter units per millimeter (0.025 mm grid).
const hpglUnits = 40

func hpglNum(mm float64) string {
	return strconv.Itoa(int(math.Round(mm * hpglUnits)))
}

// renderHPGL emits pen plotter commands. Z is collapsed into pen
// state: rapids travel pen-up, cutting moves pen-down.
func renderHPGL(t *Table, start coord.Point, b job.Block) (string, error) {
	switch b.Kind {
	case job.Rapid:
		return "PU" + hpglNum(b.Target.X) + "," + hpglNum(b.Target.Y) + ";", nil
	case job.Linear:
		return "PD" + hpglNum(b.Target.X) + "," + hpglNum(b.Target.Y) + ";", nil
	case job.ArcCW, job.ArcCCW:
		center := start.Add(b.Center)
		sweep := arcSweepDeg(start, center, b.Target, b.Kind == job.ArcCW)
		return "AA" + hpglNum(center.X) + "," + hpglNum(center.Y) + "," +
			strconv.Itoa(int(math.Round(sweep))) + ";", nil
	case job.SpindleOn:
		return "SP1;", nil
	case job.SpindleOff:
		return "SP0;", nil
	}

	return "", UnsupportedError{Dialect: t.ID, Op: b.Kind.String()}
}

// arcSweepDeg returns the signed sweep angle in degrees for AA
// (positive is counter-clockwise, per HPGL).
func arcSweepDeg(start, center, end coord.Point, cw bool) float64 {
	a0 := math.Atan2(start.Y-center.Y, start.X-center.X)
	a1 := math.Atan2(end.Y-center.Y, end.X-center.X)
	sweep := a1 - a0
	if cw {
		for sweep >= 0 {
			sweep -= 2 * math.Pi
		}
	} else {
		for sweep <= 0 {
			sweep += 2 * math.Pi
		}
	}
	return sweep * 180 / math.Pi
}
