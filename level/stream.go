package level

import (
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/job"
)

// DefaultBudget bounds how long one online correction may take
// before the block is held and retried.
const DefaultBudget = 50 * time.Millisecond

// Stream corrects blocks one at a time inside a session's dequeue
// path. It satisfies the session's Leveler contract: when a
// correction cannot complete within the time budget the block is
// held and retried on the next drain tick rather than sent
// uncorrected.
//
// A Stream belongs to a single session goroutine and is not safe
// for concurrent use.
type Stream struct {
	w      warper
	budget time.Duration

	now func() time.Time
}

// NewStream builds an online leveler. start is the nominal position
// before the first block of the job.
func NewStream(start coord.Point, cfg Config, budget time.Duration) *Stream {
	if budget <= 0 {
		budget = DefaultBudget
	}
	s := &Stream{
		w:      warper{cfg: cfg, pos: start},
		budget: budget,
		now:    time.Now,
	}
	return s
}

// Next corrects one block. retry=true means the budget ran out:
// nothing is consumed and the same block must be offered again.
func (s *Stream) Next(b job.Block) ([]job.Block, bool, error) {
	deadline := s.now().Add(s.budget)

	// work on a copy so a budget overrun leaves the stream
	// exactly where it was
	w := s.w
	out, err := w.blockWithin(b, deadline, s.now)
	if err == errBudget {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.w = w
	return out, false, nil
}
