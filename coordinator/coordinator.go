// Package coordinator manages up to four device sessions and fans
// their events out to subscribers.
package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/device"
	"github.com/openpcb/sender/job"
	"github.com/openpcb/sender/level"
)

// MaxSessions is the hard cap on concurrently attached sessions.
const MaxSessions = 4

var (
	ErrCapacity  = fmt.Errorf("coordinator: session limit of %d reached", MaxSessions)
	ErrNoSession = errors.New("coordinator: no such session")
)

// Coordinator routes intents to sessions and collects their events.
// It never performs blocking I/O itself; each session runs its own
// control goroutine.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*device.Session
	nextID   int
	subs     map[chan device.Event]struct{}
	closed   bool

	events chan device.Event
	done   chan struct{}

	sessOpts []device.Option
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessionOptions passes options through to every session the
// coordinator creates.
func WithSessionOptions(opts ...device.Option) Option {
	return func(c *Coordinator) { c.sessOpts = opts }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions: make(map[string]*device.Session),
		subs:     make(map[chan device.Event]struct{}),
		events:   make(chan device.Event, 64*MaxSessions),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.fanout()
	return c
}

// fanout delivers session events to all subscribers. A slow
// subscriber loses events rather than stalling the others.
func (c *Coordinator) fanout() {
	for {
		select {
		case e := <-c.events:
			c.mu.Lock()
			for sub := range c.subs {
				select {
				case sub <- e:
				default:
					logrus.WithField("session", e.Session).
						Debug("coordinator: subscriber full, dropping event")
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Attach creates a session for the profile. A fifth attach fails
// with ErrCapacity and leaves existing sessions untouched.
func (c *Coordinator) Attach(prof device.Profile) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("coordinator: closed")
	}
	if len(c.sessions) >= MaxSessions {
		return "", ErrCapacity
	}

	c.nextID++
	id := fmt.Sprintf("s%d", c.nextID)
	s, err := device.NewSession(id, prof, c.events, c.sessOpts...)
	if err != nil {
		return "", err
	}
	c.sessions[id] = s
	return id, nil
}

// Detach disconnects and removes a session. Detaching a session
// that already reached a terminal state just removes it.
func (c *Coordinator) Detach(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	if err := s.Disconnect(); err != nil && !errors.Is(err, device.ErrClosed) {
		return err
	}
	return nil
}

func (c *Coordinator) session(id string) (*device.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Session returns the attached session by id.
func (c *Coordinator) Session(id string) (*device.Session, error) {
	return c.session(id)
}

// Sessions lists attached session ids.
func (c *Coordinator) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Submit queues a job on a session.
func (c *Coordinator) Submit(id string, j job.Job) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Submit(j)
}

// SubmitWarped applies offline height-map correction to the job
// from the session's current position, then submits the result.
func (c *Coordinator) SubmitWarped(id string, j job.Job, cfg level.Config) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	blocks, err := level.Warp(s.Position(), j.Blocks, cfg)
	if err != nil {
		return err
	}
	j.Blocks = blocks
	return s.Submit(j)
}

// SetOnlineLevel installs a streaming leveler on an idle session so
// following jobs are corrected block-by-block at dequeue time. A
// nil interpolator removes it.
func (c *Coordinator) SetOnlineLevel(id string, cfg level.Config) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	if cfg.Interp == nil {
		return s.SetLeveler(nil)
	}
	return s.SetLeveler(level.NewStream(s.Position(), cfg, level.DefaultBudget))
}

func (c *Coordinator) Hold(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Hold()
}

func (c *Coordinator) Resume(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (c *Coordinator) Reset(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Reset()
}

func (c *Coordinator) Jog(id string, target coord.Point, feed float64) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Jog(target, feed)
}

// Subscribe registers an event observer. The channel is buffered;
// events overflowing it are dropped for that observer only.
func (c *Coordinator) Subscribe() <-chan device.Event {
	ch := make(chan device.Event, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer and closes its channel.
func (c *Coordinator) Unsubscribe(ch <-chan device.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if (<-chan device.Event)(sub) == ch {
			delete(c.subs, sub)
			close(sub)
			return
		}
	}
}

// Close disconnects every session and stops event delivery.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*device.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*device.Session)
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Disconnect(); err != nil && !errors.Is(err, device.ErrClosed) {
			logrus.WithError(err).Warn("coordinator: disconnect on close")
		}
		<-s.Done()
	}

	close(c.done)
	c.mu.Lock()
	for sub := range c.subs {
		delete(c.subs, sub)
		close(sub)
	}
	c.mu.Unlock()
	return nil
}
