package gcode

import (
	"strconv"
	"strings"
)

// Word is one letter/value pair in a G-code block, e.g. X10.5.
type Word struct {
	W   byte
	Arg float64
}

// IsAxis reports whether the word addresses a linear axis. Rotary
// axes are not supported.
func (w Word) IsAxis() bool {
	return w.W == 'X' || w.W == 'Y' || w.W == 'Z'
}

func (w Word) IsValid() bool {
	return w.W >= 'A' && w.W <= 'Z'
}

func (w Word) String() string {
	return string(w.W) + trimFloat(w.Arg)
}

// trimFloat renders with up to three decimals, dropping trailing
// zeros and a bare decimal point.
func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	if !strings.ContainsRune(s, '.') {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
