package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowController(t *testing.T) {
	f := NewFlowController(64)

	assert.Equal(t, 64, f.Budget())
	assert.True(t, f.CanSend(20))
	f.Sent(20)
	f.Sent(20)
	f.Sent(20)
	assert.Equal(t, 60, f.InFlight())
	assert.Equal(t, 3, f.Outstanding())

	// 4th block would overrun the 64-byte budget
	assert.False(t, f.CanSend(20))
	assert.True(t, f.CanSend(4))

	n, err := f.Ack()
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.True(t, f.CanSend(20))
	assert.Equal(t, 40, f.InFlight())
}

func TestFlowController_Underflow(t *testing.T) {
	f := NewFlowController(64)

	_, err := f.Ack()
	assert.ErrorIs(t, err, ErrAckUnderflow)

	f.Sent(10)
	_, err = f.Ack()
	require.NoError(t, err)
	_, err = f.Ack()
	assert.ErrorIs(t, err, ErrAckUnderflow)
}

// For any sequence of sends and acks the in-flight byte count
// never exceeds the budget when the caller honors CanSend.
func TestFlowController_NeverExceedsBudget(t *testing.T) {
	f := NewFlowController(100)

	sizes := []int{30, 30, 30, 30, 30, 10, 90, 5, 5, 5}
	queued := sizes
	for len(queued) > 0 {
		for len(queued) > 0 && f.CanSend(queued[0]) {
			f.Sent(queued[0])
			queued = queued[1:]
			assert.LessOrEqual(t, f.InFlight(), 100)
		}
		_, err := f.Ack()
		require.NoError(t, err)
		assert.LessOrEqual(t, f.InFlight(), 100)
	}

	f.Reset()
	assert.Zero(t, f.InFlight())
	assert.Zero(t, f.Outstanding())
}
