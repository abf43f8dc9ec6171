package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/dialect"
	"github.com/openpcb/sender/job"
	"github.com/openpcb/sender/transport"
)

// fakeConn is an in-memory controller endpoint: session writes
// are captured on a channel, controller replies are injected
// through a pipe.
type fakeConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	writes chan string

	mx     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	pr, pw := io.Pipe()
	return &fakeConn{pr: pr, pw: pw, writes: make(chan string, 1024)}
}

func (f *fakeConn) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.writes <- string(p)
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.pw.Close()
	f.pr.Close()
	return nil
}

// reply injects a controller output line.
func (f *fakeConn) reply(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(f.pw, line+"\n")
	require.NoError(t, err)
}

// next returns the next non-poll write from the session.
func (f *fakeConn) next(t *testing.T) string {
	t.Helper()
	for {
		select {
		case w := <-f.writes:
			if w == "?" {
				continue
			}
			return w
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for session write")
			return ""
		}
	}
}

// quiet asserts no non-poll write arrives for the duration.
func (f *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case w := <-f.writes:
			if w == "?" {
				continue
			}
			t.Fatalf("unexpected write %q", w)
		case <-deadline:
			return
		}
	}
}

func testProfile(id dialect.ID, bufSize int) Profile {
	return Profile{
		ID:         "dev1",
		Transport:  transport.Descriptor{Kind: "tcp", Addr: "test"},
		Dialect:    id,
		BufferSize: bufSize,
	}
}

func newTestSession(t *testing.T, id dialect.ID, bufSize int, opts ...Option) (*Session, *fakeConn, chan Event) {
	t.Helper()
	fake := newFakeConn()
	events := make(chan Event, 1024)

	opts = append(opts, WithDialer(func(transport.Descriptor, time.Duration) (transport.Conn, error) {
		return fake, nil
	}))
	s, err := NewSession("s1", testProfile(id, bufSize), events, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { fake.Close() })

	waitState(t, events, Idle)
	return s, fake, events
}

func waitState(t *testing.T, events chan Event, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventState && e.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func waitEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %s", kind)
			return Event{}
		}
	}
}

// tenBlockJob renders on grbl_1_1 as ten 20-byte lines
// (19 chars + newline).
func tenBlockJob() job.Job {
	var blocks []job.Block
	for i := 0; i < 10; i++ {
		blocks = append(blocks, job.Block{
			Kind:   job.Rapid,
			Target: coord.Point{X: 10.25 + float64(i), Y: 10.25, Z: 0},
		})
	}
	return job.Job{ID: "job1", Device: "dev1", Blocks: blocks}
}

func TestSession_SubmitToCompletion(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 64)

	require.NoError(t, s.Submit(tenBlockJob()))
	waitState(t, events, Running)

	// 64-byte budget, 20-byte blocks: exactly 3 in flight
	first := fake.next(t)
	assert.Equal(t, "G0 X10.25 Y10.25 Z0\n", first)
	assert.Len(t, first, 20)
	fake.next(t)
	fake.next(t)
	fake.quiet(t, 100*time.Millisecond)

	// each ack drains exactly one block's worth of budget
	got := 3
	for got < 10 {
		fake.reply(t, "ok")
		fake.next(t)
		got++
	}
	fake.quiet(t, 100*time.Millisecond)

	// drain the remaining acks; job completes
	for i := 0; i < 3; i++ {
		fake.reply(t, "ok")
	}
	done := waitEvent(t, events, EventJobDone)
	assert.Equal(t, "job1", done.JobID)
	assert.Equal(t, 10, done.Acked)
	waitState(t, events, Idle)
	assert.Equal(t, Idle, s.State())
}

func TestSession_HoldResume(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 20)

	require.NoError(t, s.Submit(tenBlockJob()))

	// only one 20-byte block fits the budget
	fake.next(t)
	fake.quiet(t, 50*time.Millisecond)

	require.NoError(t, s.Hold())
	waitState(t, events, Hold)
	assert.Equal(t, "!", fake.next(t))

	// freeing budget while held must not transmit anything
	fake.reply(t, "ok")
	fake.quiet(t, 100*time.Millisecond)

	require.NoError(t, s.Resume())
	waitState(t, events, Running)
	assert.Equal(t, "~", fake.next(t))

	// transmission continues with the next un-acked block, not a
	// re-send
	assert.Equal(t, "G0 X11.25 Y10.25 Z0\n", fake.next(t))
}

func TestSession_QueuedHold(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.Mach4, 40)

	require.NoError(t, s.Submit(tenBlockJob()))
	fake.next(t)
	fake.next(t)

	require.NoError(t, s.Hold())
	// no realtime signaling: the hold command is queued ahead of
	// all pending blocks and goes out as soon as budget frees
	fake.reply(t, "ok")
	assert.Equal(t, "M0\n", fake.next(t))
	waitState(t, events, Hold)

	fake.reply(t, "ok")
	fake.reply(t, "ok")
	fake.quiet(t, 100*time.Millisecond)

	require.NoError(t, s.Resume())
	waitState(t, events, Running)
	assert.Equal(t, "M99\n", fake.next(t))

	// then the job continues where it left off
	assert.Equal(t, "G0 X12.25 Y10.25 Z0\n", fake.next(t))
}

func TestSession_ControllerError(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 64)

	require.NoError(t, s.Submit(tenBlockJob()))
	fake.next(t)
	fake.next(t)
	fake.next(t)

	fake.reply(t, "ok")
	fake.next(t)
	fake.reply(t, "error:20")

	e := waitEvent(t, events, EventError)
	assert.Equal(t, 20, e.Code)

	// exactly one error event per controller error
	errs := 0
	deadline := time.After(2 * time.Second)
	for idle := false; !idle; {
		select {
		case e := <-events:
			if e.Kind == EventError {
				errs++
			}
			idle = e.Kind == EventState && e.State == Idle
		case <-deadline:
			t.Fatal("timeout waiting for Idle")
		}
	}
	assert.Zero(t, errs)

	// the job is aborted: nothing further is transmitted even
	// after the remaining in-flight blocks ack
	fake.reply(t, "ok")
	fake.reply(t, "ok")
	fake.quiet(t, 150*time.Millisecond)
	assert.Equal(t, Idle, s.State())
}

func TestSession_AlarmAndReset(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 64)

	require.NoError(t, s.Submit(tenBlockJob()))
	fake.next(t)

	fake.reply(t, "ALARM:1")
	e := waitEvent(t, events, EventAlarm)
	assert.Equal(t, 1, e.Code)
	waitState(t, events, Alarm)

	// frozen: no transmission while alarmed
	fake.quiet(t, 100*time.Millisecond)

	require.NoError(t, s.Reset())
	assert.Equal(t, string(rune(0x18)), fake.next(t))

	fake.reply(t, "Grbl 1.1h ['$' for help]")
	waitState(t, events, Idle)
}

func TestSession_ResetTimeout(t *testing.T) {
	p := testProfile(dialect.GRBL11, 64)
	p.Timeouts.ResetAck = 50 * time.Millisecond

	fake := newFakeConn()
	events := make(chan Event, 1024)
	s, err := NewSession("s1", p, events, WithDialer(func(transport.Descriptor, time.Duration) (transport.Conn, error) {
		return fake, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { fake.Close() })
	waitState(t, events, Idle)

	require.NoError(t, s.Reset())
	waitState(t, events, FatalError)
	assert.Equal(t, FatalError, s.State())
}

func TestSession_OutOfOrderAck(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 64)

	// nothing in flight: an ack is a protocol violation
	fake.reply(t, "ok")
	waitState(t, events, FatalError)
	assert.Equal(t, FatalError, s.State())
	assert.ErrorIs(t, s.Submit(tenBlockJob()), ErrClosed)
}

func TestSession_UnparsableGrace(t *testing.T) {
	_, fake, events := newTestSession(t, dialect.GRBL11, 64)

	for i := 0; i < unrecognizedGrace; i++ {
		fake.reply(t, fmt.Sprintf("garbage %d", i))
	}
	waitState(t, events, FatalError)
}

func TestSession_ConnectFailure(t *testing.T) {
	events := make(chan Event, 64)
	s, err := NewSession("s1", testProfile(dialect.GRBL11, 64), events,
		WithDialer(func(transport.Descriptor, time.Duration) (transport.Conn, error) {
			return nil, errors.New("no such port")
		}))
	require.NoError(t, err)

	waitState(t, events, Disconnected)
	<-s.Done()
	assert.ErrorIs(t, s.Hold(), ErrClosed)
}

func TestSession_ValidatesBeforeSending(t *testing.T) {
	s, fake, _ := newTestSession(t, dialect.HPGL, 512)

	j := job.Job{ID: "j", Blocks: []job.Block{
		{Kind: job.Probe, Target: coord.Point{Z: -1}, Feed: 25},
	}}
	var ue dialect.UnsupportedError
	require.ErrorAs(t, s.Submit(j), &ue)

	// rejected before any transmission
	fake.quiet(t, 100*time.Millisecond)
}

func TestSession_RejectsOversizedBlock(t *testing.T) {
	s, fake, _ := newTestSession(t, dialect.GRBL11, 16)

	// renders as 19 chars + newline, more than the whole buffer:
	// it could never be sent
	j := job.Job{ID: "j", Blocks: []job.Block{
		{Kind: job.Rapid, Target: coord.Point{X: 10.25, Y: 10.25}},
	}}
	err := s.Submit(j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds receive buffer")

	assert.Equal(t, Idle, s.State())
	fake.quiet(t, 100*time.Millisecond)
}

// fatLeveler rewrites blocks so they render longer than any
// receive buffer used in the test.
type fatLeveler struct{}

func (fatLeveler) Next(b job.Block) ([]job.Block, bool, error) {
	b.Target.X = 123456.789
	return []job.Block{b}, false, nil
}

func TestSession_AbortsOversizedLevelerLine(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 20, WithLeveler(fatLeveler{}))

	// the original block fits the budget exactly; the leveler's
	// rewrite does not, and the drain loop must not stall on it
	j := job.Job{ID: "j", Blocks: []job.Block{
		{Kind: job.Rapid, Target: coord.Point{X: 10.25, Y: 10.25}},
	}}
	require.NoError(t, s.Submit(j))

	e := waitEvent(t, events, EventError)
	assert.Contains(t, e.Message, "exceeds receive buffer")
	waitState(t, events, Idle)
	fake.quiet(t, 100*time.Millisecond)
}

func TestSession_Disconnect(t *testing.T) {
	s, _, events := newTestSession(t, dialect.GRBL11, 64)

	require.NoError(t, s.Disconnect())
	waitState(t, events, Disconnected)
	<-s.Done()
}

func TestSession_Jog(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 64)

	require.NoError(t, s.Jog(coord.Point{X: 5, Y: 5}, 0))
	assert.Equal(t, "G0 X5 Y5 Z0\n", fake.next(t))
	fake.reply(t, "ok")
	waitState(t, events, Idle)
}

type splitLeveler struct{ retried bool }

func (l *splitLeveler) Next(b job.Block) ([]job.Block, bool, error) {
	if !l.retried {
		l.retried = true
		return nil, true, nil
	}
	mid := b
	mid.Target = coord.Point{X: b.Target.X / 2, Y: b.Target.Y / 2, Z: 0.1}
	return []job.Block{mid, b}, false, nil
}

func TestSession_OnlineLeveler(t *testing.T) {
	s, fake, events := newTestSession(t, dialect.GRBL11, 128,
		WithLeveler(&splitLeveler{}))

	j := job.Job{ID: "j", Blocks: []job.Block{
		{Kind: job.Linear, Target: coord.Point{X: 10, Y: 10}, Feed: 100},
	}}
	require.NoError(t, s.Submit(j))

	// first attempt is held by the leveler, then the block goes
	// out subdivided and Z-adjusted
	assert.Equal(t, "G1 X5 Y5 Z0.1 F100\n", fake.next(t))
	assert.Equal(t, "G1 X10 Y10 Z0 F100\n", fake.next(t))
	fake.reply(t, "ok")
	fake.reply(t, "ok")
	waitState(t, events, Idle)
}
