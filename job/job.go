package job

// Job is an ordered sequence of blocks bound for one device.
// Immutable once submitted; the coordinator clones it per session.
type Job struct {
	ID     string
	Device string

	Blocks []Block
}

func (j Job) Clone() Job {
	b := make([]Block, len(j.Blocks))
	copy(b, j.Blocks)
	j.Blocks = b
	return j
}
