package gcode

import (
	"errors"
	"io"
	"strings"
)

// Parse reads every block of a G-code document.
func Parse(data string) ([]Block, error) {
	p := NewParser(strings.NewReader(data))

	var blocks []Block
	for {
		b, err := p.Read()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

// MustParse is Parse for compile-time-constant input, e.g. test
// fixtures.
func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}
