package device

import (
	"errors"
)

// ErrAckUnderflow is reported when the controller acknowledges a
// block that was never sent. Acks are strictly FIFO per
// controller semantics, so this is a protocol violation.
var ErrAckUnderflow = errors.New("ack received with no block in flight")

// FlowController implements character-counting flow control: it
// tracks bytes sent against the controller's receive buffer and
// releases them as the controller acknowledges, strictly in FIFO
// order.
type FlowController struct {
	budget int

	inflight []int
	pending  int
}

func NewFlowController(budget int) *FlowController {
	return &FlowController{budget: budget}
}

// CanSend reports whether a block of n bytes fits in the
// remaining buffer budget.
func (f *FlowController) CanSend(n int) bool {
	return f.pending+n <= f.budget
}

// Sent records n bytes as in flight.
func (f *FlowController) Sent(n int) {
	f.pending += n
	f.inflight = append(f.inflight, n)
}

// Ack releases the oldest in-flight block and returns its size.
func (f *FlowController) Ack() (int, error) {
	if len(f.inflight) == 0 {
		return 0, ErrAckUnderflow
	}
	n := f.inflight[0]
	f.inflight = f.inflight[1:]
	f.pending -= n
	return n, nil
}

// InFlight returns the number of unacknowledged bytes.
func (f *FlowController) InFlight() int { return f.pending }

// Budget returns the configured receive-buffer size.
func (f *FlowController) Budget() int { return f.budget }

// Outstanding returns the number of unacknowledged blocks.
func (f *FlowController) Outstanding() int { return len(f.inflight) }

// Reset clears all in-flight accounting, e.g. after a
// controller error aborts the job or a soft reset flushes the
// controller's buffer.
func (f *FlowController) Reset() {
	f.inflight = nil
	f.pending = 0
}
