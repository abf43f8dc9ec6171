package gcode

import "io"

// Reader yields successive G-code blocks, reporting io.EOF when
// the source is exhausted.
type Reader interface {
	Read() (Block, error)
}

// BlocksReader replays an in-memory block slice.
type BlocksReader struct {
	Blocks []Block
	next   int
}

func (r *BlocksReader) Read() (Block, error) {
	if r.next >= len(r.Blocks) {
		return nil, io.EOF
	}

	b := r.Blocks[r.next]
	r.next++
	return b, nil
}
