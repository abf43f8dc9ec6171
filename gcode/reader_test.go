package gcode

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlocksReader(t *testing.T) {
	blocks := []Block{
		{{W: 'G', Arg: 1}, {W: 'G', Arg: 2}},

		{{W: 'M', Arg: 2}},
	}

	gr := &BlocksReader{Blocks: blocks}

	b, err := gr.Read()
	assert.NoError(t, err)
	assert.Equal(t, Block{{W: 'G', Arg: 1}, {W: 'G', Arg: 2}}, b)

	b, err = gr.Read()
	assert.NoError(t, err)
	assert.Equal(t, Block{{W: 'M', Arg: 2}}, b)

	b, err = gr.Read()
	assert.Error(t, err)
	assert.Equal(t, io.EOF, err)
	assert.Nil(t, b)
}

func TestParser_Read(t *testing.T) {
	blocks, err := Parse("G0 X1.5 Y-2 ; comment\n(inline) G1 Z0.1 F100\n\n")
	assert.NoError(t, err)
	assert.Equal(t, []Block{
		{{W: 'G', Arg: 0}, {W: 'X', Arg: 1.5}, {W: 'Y', Arg: -2}},
		{{W: 'G', Arg: 1}, {W: 'Z', Arg: 0.1}, {W: 'F', Arg: 100}},
	}, blocks)
}
