package coordinator

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/device"
	"github.com/openpcb/sender/dialect"
	"github.com/openpcb/sender/job"
	"github.com/openpcb/sender/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullConn accepts all writes and blocks reads until closed.
type nullConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newNullConn() *nullConn {
	pr, pw := io.Pipe()
	return &nullConn{pr: pr, pw: pw}
}

func (c *nullConn) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *nullConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *nullConn) Close() error {
	c.pw.Close()
	return c.pr.Close()
}

func testDialer(d transport.Descriptor, timeout time.Duration) (transport.Conn, error) {
	if d.Port == "bad" {
		return nil, errors.New("no such port")
	}
	return newNullConn(), nil
}

func testProfile(id, port string) device.Profile {
	return device.Profile{
		ID:        id,
		Transport: transport.Descriptor{Kind: "serial", Port: port},
		Dialect:   dialect.GRBL11,
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := New(WithSessionOptions(device.WithDialer(testDialer)))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitIdle(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	s, err := c.Session(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.State() == device.Idle
	}, 2*time.Second, 5*time.Millisecond)
}

func waitEvent(t *testing.T, events <-chan device.Event, session string, kind device.EventKind) device.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Session == session && e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v from %s", kind, session)
		}
	}
}

func TestCoordinator_Capacity(t *testing.T) {
	c := newTestCoordinator(t)

	var ids []string
	for i := 0; i < MaxSessions; i++ {
		id, err := c.Attach(testProfile("cnc", "/dev/ttyUSB0"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitIdle(t, c, id)
	}

	_, err := c.Attach(testProfile("cnc", "/dev/ttyUSB0"))
	assert.ErrorIs(t, err, ErrCapacity)

	// the failed attach leaves the existing sessions untouched
	assert.Len(t, c.Sessions(), MaxSessions)
	for _, id := range ids {
		s, err := c.Session(id)
		require.NoError(t, err)
		assert.Equal(t, device.Idle, s.State())
	}

	// detaching frees a slot
	require.NoError(t, c.Detach(ids[0]))
	id, err := c.Attach(testProfile("cnc", "/dev/ttyUSB0"))
	require.NoError(t, err)
	waitIdle(t, c, id)
}

func TestCoordinator_RoutesIntents(t *testing.T) {
	c := newTestCoordinator(t)
	events := c.Subscribe()

	id, err := c.Attach(testProfile("cnc", "/dev/ttyUSB0"))
	require.NoError(t, err)
	waitIdle(t, c, id)

	j := job.Job{ID: "j1", Blocks: []job.Block{
		{Kind: job.Linear, Target: coord.Point{X: 1}, Feed: 100},
	}}
	require.NoError(t, c.Submit(id, j))
	e := waitEvent(t, events, id, device.EventState)
	for e.State != device.Running {
		e = waitEvent(t, events, id, device.EventState)
	}

	// unknown session ids are rejected
	assert.ErrorIs(t, c.Submit("nope", j), ErrNoSession)
	assert.ErrorIs(t, c.Hold("nope"), ErrNoSession)
	assert.ErrorIs(t, c.Resume("nope"), ErrNoSession)
	assert.ErrorIs(t, c.Reset("nope"), ErrNoSession)
	assert.ErrorIs(t, c.Jog("nope", coord.Point{}, 0), ErrNoSession)
	assert.ErrorIs(t, c.Detach("nope"), ErrNoSession)
}

func TestCoordinator_SessionIsolation(t *testing.T) {
	c := newTestCoordinator(t)
	events := c.Subscribe()

	good, err := c.Attach(testProfile("cnc-a", "/dev/ttyUSB0"))
	require.NoError(t, err)
	waitIdle(t, c, good)

	bad, err := c.Attach(testProfile("cnc-b", "bad"))
	require.NoError(t, err)

	// the failed transport takes down only its own session
	waitEvent(t, events, bad, device.EventError)
	s, err := c.Session(bad)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.State() == device.Disconnected
	}, 2*time.Second, 5*time.Millisecond)

	gs, err := c.Session(good)
	require.NoError(t, err)
	assert.Equal(t, device.Idle, gs.State())
	require.NoError(t, c.Jog(good, coord.Point{X: 1}, 0))
}

func TestCoordinator_Subscribe(t *testing.T) {
	c := newTestCoordinator(t)

	events := c.Subscribe()
	id, err := c.Attach(testProfile("cnc", "/dev/ttyUSB0"))
	require.NoError(t, err)

	e := waitEvent(t, events, id, device.EventState)
	assert.Equal(t, "cnc", e.Device)

	c.Unsubscribe(events)
	for range events {
	}
}
