package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/dialect"
	"github.com/openpcb/sender/job"
	"github.com/openpcb/sender/transport"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNotIdle    = errors.New("session not idle")
	ErrNotRunning = errors.New("session not running")
	ErrNotHeld    = errors.New("session not in hold")
)

// unrecognizedGrace is how many consecutive unparsable lines are
// tolerated before the session declares a protocol violation.
const unrecognizedGrace = 8

// statusPollInterval matches common sender practice for `?`
// polling on realtime-status dialects.
const statusPollInterval = 500 * time.Millisecond

// levelRetryDelay is how long a block held by the online leveler
// waits before the next drain attempt.
const levelRetryDelay = 10 * time.Millisecond

// Leveler adjusts motion blocks just before rendering. retry
// asks the session to hold the block and try again on the next
// drain tick instead of sending it uncorrected.
type Leveler interface {
	Next(b job.Block) (out []job.Block, retry bool, err error)
}

// Dialer opens the transport; injectable for tests.
type Dialer func(d transport.Descriptor, timeout time.Duration) (transport.Conn, error)

type intentKind int

const (
	intentSubmit intentKind = iota
	intentHold
	intentResume
	intentReset
	intentJog
	intentDisconnect
	intentSetLeveler
)

type intent struct {
	kind intentKind

	job     job.Job
	target  coord.Point
	feed    float64
	leveler Leveler

	reply chan error
}

type sendItem struct {
	line string
	// hold marks a queued feed-hold block: the session enters
	// Hold as soon as it is transmitted.
	hold bool
}

// Session owns one transport connection to one controller and
// runs its state machine. All mutation happens on the session's
// own goroutine; intents are serialized through a channel.
type Session struct {
	id   string
	prof Profile
	tbl  *dialect.Table
	log  *logrus.Entry

	dial     Dialer
	timeouts Timeouts

	events chan<- Event

	intents chan intent
	lines   chan string
	readErr chan error
	closed  chan struct{}

	// loop-owned state below
	conn transport.Conn
	flow *FlowController

	state     State
	pos       coord.Point
	renderPos coord.Point

	jobID string
	queue []job.Block
	ready []sendItem
	total int
	sent  int
	acked int

	leveler Leveler

	unrecognized int
	resetting    bool
	lastErr      error

	ackTimer   *time.Timer
	resetTimer *time.Timer
	retryTimer *time.Timer

	snap chan stateSnap
}

type stateSnap struct {
	state State
	pos   coord.Point
}

// Option configures a Session.
type Option func(*Session)

// WithDialer overrides how the transport is opened.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithLeveler installs an online auto-level warper in the
// dequeue path.
func WithLeveler(l Leveler) Option {
	return func(s *Session) { s.leveler = l }
}

// NewSession creates the session and starts connecting
// immediately. Events are emitted on the provided channel;
// emission never blocks the session (events are dropped if the
// receiver lags).
func NewSession(id string, prof Profile, events chan<- Event, opts ...Option) (*Session, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	tbl, err := dialect.Lookup(prof.Dialect)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       id,
		prof:     prof,
		tbl:      tbl,
		dial:     transport.Dial,
		timeouts: prof.Timeouts.withDefaults(),
		events:   events,
		intents:  make(chan intent),
		lines:    make(chan string, 32),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
		snap:     make(chan stateSnap),
		flow:     NewFlowController(prof.budget(tbl)),
		log: logrus.WithFields(logrus.Fields{
			"session": id,
			"device":  prof.ID,
			"dialect": prof.Dialect,
		}),
	}
	for _, o := range opts {
		o(s)
	}

	go s.run()
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Profile() Profile { return s.prof }

// State returns the current machine state.
func (s *Session) State() State {
	select {
	case sn := <-s.snap:
		return sn.state
	case <-s.closed:
		return s.state
	}
}

// Position returns the last reported machine position.
func (s *Session) Position() coord.Point {
	select {
	case sn := <-s.snap:
		return sn.pos
	case <-s.closed:
		return s.pos
	}
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) do(in intent) error {
	in.reply = make(chan error, 1)
	select {
	case s.intents <- in:
	case <-s.closed:
		return ErrClosed
	}
	select {
	case err := <-in.reply:
		return err
	case <-s.closed:
		return ErrClosed
	}
}

// Submit starts the job. Valid only in Idle.
func (s *Session) Submit(j job.Job) error {
	return s.do(intent{kind: intentSubmit, job: j.Clone()})
}

// Hold pauses motion without losing queue position.
func (s *Session) Hold() error { return s.do(intent{kind: intentHold}) }

// Resume continues from the exact next unacknowledged block.
func (s *Session) Resume() error { return s.do(intent{kind: intentResume}) }

// Reset clears alarms and pending work; the session returns to
// Idle once the controller acknowledges.
func (s *Session) Reset() error { return s.do(intent{kind: intentReset}) }

// Jog performs a single rapid move from Idle.
func (s *Session) Jog(target coord.Point, feed float64) error {
	return s.do(intent{kind: intentJog, target: target, feed: feed})
}

// SetLeveler swaps the online warper. Valid only in Idle.
func (s *Session) SetLeveler(l Leveler) error {
	return s.do(intent{kind: intentSetLeveler, leveler: l})
}

// Disconnect cancels pending blocks and closes the transport.
func (s *Session) Disconnect() error { return s.do(intent{kind: intentDisconnect}) }

func (s *Session) emit(e Event) {
	e.Session = s.id
	e.Device = s.prof.ID
	e.Time = time.Now()
	select {
	case s.events <- e:
	default:
		s.log.WithField("kind", e.Kind).Debug("dropping event: receiver lagging")
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.state, "to": st}).Info("state change")
	s.state = st
	s.emit(Event{Kind: EventState, State: st})
}

func (s *Session) run() {
	defer close(s.closed)

	s.setState(Connecting)
	conn, err := s.dial(s.prof.Transport, s.timeouts.Connect)
	if err != nil {
		s.lastErr = err
		s.log.WithError(err).Error("connect failed")
		s.emit(Event{Kind: EventError, Message: err.Error()})
		s.setState(Disconnected)
		return
	}
	s.conn = conn
	defer conn.Close()
	s.setState(Idle)

	go s.readLoop()

	var pollC <-chan time.Time
	if s.tbl.Caps.RealtimeStatus {
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		if s.state == Running {
			s.drain()
		}
		if s.state.Terminal() || s.state == Disconnecting {
			s.shutdown()
			return
		}

		var ackC, resetC, retryC <-chan time.Time
		if s.ackTimer != nil {
			ackC = s.ackTimer.C
		}
		if s.resetTimer != nil {
			resetC = s.resetTimer.C
		}
		if s.retryTimer != nil {
			retryC = s.retryTimer.C
		}

		select {
		case in := <-s.intents:
			in.reply <- s.handleIntent(in)
		case line := <-s.lines:
			s.handleLine(line)
		case err := <-s.readErr:
			s.fatal(fmt.Errorf("transport: %w", err))
		case <-ackC:
			s.ackTimer = nil
			s.fatal(errors.New("ack timeout: controller stopped responding"))
		case <-resetC:
			s.resetTimer = nil
			s.fatal(errors.New("reset not acknowledged"))
		case <-retryC:
			s.retryTimer = nil
		case <-pollC:
			s.writeRealtime(dialect.ControlStatus)
		case s.snap <- stateSnap{state: s.state, pos: s.pos}:
		}
	}
}

func (s *Session) shutdown() {
	if s.state == Disconnecting {
		s.setState(Disconnected)
	}
	s.stopTimer(&s.ackTimer)
	s.stopTimer(&s.resetTimer)
	s.stopTimer(&s.retryTimer)
}

func (s *Session) readLoop() {
	scan := bufio.NewScanner(s.conn)
	for scan.Scan() {
		select {
		case s.lines <- scan.Text():
		case <-s.closed:
			return
		}
	}
	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.readErr <- err:
	case <-s.closed:
	}
}

func (s *Session) handleIntent(in intent) error {
	switch in.kind {
	case intentSubmit:
		return s.submit(in.job)
	case intentHold:
		return s.hold()
	case intentResume:
		return s.resume()
	case intentReset:
		return s.reset()
	case intentJog:
		return s.jog(in.target, in.feed)
	case intentSetLeveler:
		if s.state != Idle {
			return ErrNotIdle
		}
		s.leveler = in.leveler
		return nil
	case intentDisconnect:
		s.clearJob()
		s.setState(Disconnecting)
		return nil
	}
	return fmt.Errorf("unknown intent %d", in.kind)
}

func (s *Session) submit(j job.Job) error {
	if s.state != Idle {
		return ErrNotIdle
	}
	if err := s.validateJob(j); err != nil {
		return err
	}

	s.jobID = j.ID
	s.queue = j.Blocks
	s.ready = nil
	s.total = len(j.Blocks)
	s.sent = 0
	s.acked = 0
	s.renderPos = s.pos
	s.setState(Running)
	return nil
}

// validateJob rejects anything the dialect cannot express or the
// machine cannot safely do, before any transmission.
func (s *Session) validateJob(j job.Job) error {
	if err := s.tbl.Validate(j); err != nil {
		return err
	}
	pos := s.pos
	for i, b := range j.Blocks {
		if s.prof.MaxFeed > 0 && b.Feed > s.prof.MaxFeed {
			return fmt.Errorf("block %d: feed %v exceeds profile limit %v", i, b.Feed, s.prof.MaxFeed)
		}
		if s.prof.MaxSpindle > 0 && b.Speed > s.prof.MaxSpindle {
			return fmt.Errorf("block %d: spindle %v exceeds profile limit %v", i, b.Speed, s.prof.MaxSpindle)
		}

		// a line longer than the whole receive buffer could
		// never be sent; the drain loop would stall forever
		line, err := s.tbl.Render(pos, b)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if len(line)+1 > s.flow.Budget() {
			return fmt.Errorf("block %d: rendered length %d exceeds receive buffer %d",
				i, len(line)+1, s.flow.Budget())
		}
		if b.Kind.IsMotion() {
			pos = b.Target
		}
	}
	return nil
}

func (s *Session) hold() error {
	if s.state != Running {
		return ErrNotRunning
	}
	if s.tbl.Caps.RealtimeHold {
		if b, ok := s.tbl.Realtime(dialect.ControlHold); ok {
			if err := s.writeRaw([]byte{b}); err != nil {
				return err
			}
			s.setState(Hold)
			return nil
		}
	}
	line, err := s.tbl.ControlBlock(dialect.ControlHold)
	if err != nil {
		return err
	}
	// queued hold goes out ahead of all pending blocks; Hold is
	// entered the moment it is transmitted
	s.ready = append([]sendItem{{line: line, hold: true}}, s.ready...)
	return nil
}

func (s *Session) resume() error {
	if s.state != Hold {
		return ErrNotHeld
	}
	if s.tbl.Caps.RealtimeResume {
		if b, ok := s.tbl.Realtime(dialect.ControlResume); ok {
			if err := s.writeRaw([]byte{b}); err != nil {
				return err
			}
			s.setState(Running)
			return nil
		}
	}
	line, err := s.tbl.ControlBlock(dialect.ControlResume)
	if err != nil {
		return err
	}
	s.ready = append([]sendItem{{line: line}}, s.ready...)
	s.setState(Running)
	return nil
}

func (s *Session) reset() error {
	switch s.state {
	case Idle, Running, Hold, Alarm:
	default:
		return fmt.Errorf("cannot reset while %s", s.state)
	}

	s.clearJob()
	s.flow.Reset()
	s.stopTimer(&s.ackTimer)

	if s.tbl.Caps.RealtimeReset {
		if b, ok := s.tbl.Realtime(dialect.ControlReset); ok {
			if err := s.writeRaw([]byte{b}); err != nil {
				return err
			}
			s.beginResetWait()
			return nil
		}
	}
	line, err := s.tbl.ControlBlock(dialect.ControlReset)
	if err != nil {
		return err
	}
	if err = s.writeLine(sendItem{line: line}); err != nil {
		return err
	}
	s.beginResetWait()
	return nil
}

func (s *Session) beginResetWait() {
	s.resetting = true
	s.stopTimer(&s.resetTimer)
	s.resetTimer = time.NewTimer(s.timeouts.ResetAck)
}

func (s *Session) finishReset() {
	s.resetting = false
	s.stopTimer(&s.resetTimer)
	s.flow.Reset()
	s.setState(Idle)
}

func (s *Session) jog(target coord.Point, feed float64) error {
	if s.state != Idle {
		return ErrNotIdle
	}
	b := job.Block{Kind: job.Rapid, Target: target, Feed: feed}
	return s.submit(job.Job{ID: "jog", Blocks: []job.Block{b}})
}

func (s *Session) clearJob() {
	s.queue = nil
	s.ready = nil
	s.stopTimer(&s.retryTimer)
}

func (s *Session) stopTimer(t **time.Timer) {
	if *t == nil {
		return
	}
	(*t).Stop()
	*t = nil
}

// drain sends as much as the flow budget allows while Running.
func (s *Session) drain() {
	for {
		if len(s.ready) == 0 && !s.fill() {
			return
		}
		item := s.ready[0]
		if !s.flow.CanSend(len(item.line) + 1) {
			if s.flow.Outstanding() == 0 {
				// nothing in flight and still no room: the
				// line (a leveler product; submit validates
				// the original blocks) can never be sent
				s.abortJob(fmt.Errorf("line %q exceeds receive buffer %d", item.line, s.flow.Budget()))
			}
			return
		}
		if err := s.writeLine(item); err != nil {
			return
		}
		s.ready = s.ready[1:]
		if item.hold {
			s.setState(Hold)
			return
		}
	}
}

// fill renders the next queued block (through the online leveler
// when configured) into the ready buffer.
func (s *Session) fill() bool {
	if s.retryTimer != nil {
		// a block is being held by the leveler
		return false
	}
	for len(s.queue) > 0 {
		b := s.queue[0]
		out := []job.Block{b}
		if s.leveler != nil && b.Kind.IsMotion() {
			blocks, retry, err := s.leveler.Next(b)
			if retry {
				s.retryTimer = time.NewTimer(levelRetryDelay)
				return false
			}
			if err != nil {
				s.abortJob(fmt.Errorf("autolevel: %w", err))
				return false
			}
			out = blocks
		}
		s.queue = s.queue[1:]

		for _, ob := range out {
			line, err := s.tbl.Render(s.renderPos, ob)
			if err != nil {
				// validated at submit; a render failure here is
				// a leveler emitting unsupported blocks
				s.abortJob(err)
				return false
			}
			s.ready = append(s.ready, sendItem{line: line})
			if ob.Kind.IsMotion() {
				s.renderPos = ob.Target
			}
		}
		if len(s.ready) > 0 {
			return true
		}
	}
	return false
}

func (s *Session) writeLine(item sendItem) error {
	n := len(item.line) + 1
	if err := s.writeRaw([]byte(item.line + "\n")); err != nil {
		return err
	}
	s.flow.Sent(n)
	s.sent++
	s.armAckTimer()
	return nil
}

func (s *Session) writeRaw(p []byte) error {
	_, err := s.conn.Write(p)
	if err != nil {
		s.fatal(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

func (s *Session) writeRealtime(c dialect.Control) {
	if b, ok := s.tbl.Realtime(c); ok {
		s.writeRaw([]byte{b})
	}
}

func (s *Session) armAckTimer() {
	s.stopTimer(&s.ackTimer)
	s.ackTimer = time.NewTimer(s.timeouts.Ack)
}

func (s *Session) fatal(err error) {
	if s.state == FatalError {
		return
	}
	s.lastErr = err
	s.log.WithError(err).Error("session fatal")
	s.emit(Event{Kind: EventError, Message: err.Error()})
	s.clearJob()
	s.setState(FatalError)
}

// abortJob drops all unsent work, emits the failure, and returns
// to Idle.
func (s *Session) abortJob(err error) {
	s.emit(Event{Kind: EventError, JobID: s.jobID, Message: err.Error()})
	s.abortQueued(err)
}

// abortQueued is abortJob without the event, for callers that
// already emitted one. Blocks in flight stay accounted so their
// late acks drain instead of tripping the underflow check.
func (s *Session) abortQueued(err error) {
	s.log.WithError(err).WithField("job", s.jobID).Error("job aborted")
	s.clearJob()
	if s.flow.Outstanding() == 0 {
		s.stopTimer(&s.ackTimer)
	}
	if s.state == Running || s.state == Hold {
		s.setState(Idle)
	}
}

func (s *Session) handleLine(line string) {
	st := s.tbl.ParseStatus(line)
	if st.Kind != dialect.Unrecognized {
		s.unrecognized = 0
	}

	switch st.Kind {
	case dialect.Ack:
		s.handleAck()
	case dialect.ControllerError:
		// error:N is the (negative) ack for its line
		if _, err := s.flow.Ack(); err != nil && !s.resetting {
			s.fatal(fmt.Errorf("protocol violation: %w", err))
			return
		}
		err := fmt.Errorf("controller error %d", st.Code)
		s.emit(Event{Kind: EventError, JobID: s.jobID, Code: st.Code, Message: err.Error()})
		s.abortQueued(err)
	case dialect.Alarm:
		s.emit(Event{Kind: EventAlarm, Code: st.Code})
		s.stopTimer(&s.ackTimer)
		s.setState(Alarm)
	case dialect.Report:
		s.pos = st.MPos
		s.emit(Event{Kind: EventPosition, Position: s.pos})
		if st.State == "Alarm" && s.state != Alarm && !s.resetting {
			s.emit(Event{Kind: EventAlarm})
			s.setState(Alarm)
		}
	case dialect.ProbeReport:
		s.emit(Event{Kind: EventProbe, Probe: st.Probe})
	case dialect.Hello:
		if s.resetting {
			s.finishReset()
			return
		}
		if s.state == Running || s.state == Hold {
			s.abortJob(errors.New("controller restarted mid-job"))
		}
	case dialect.Info:
	case dialect.Unrecognized:
		s.unrecognized++
		if s.unrecognized >= unrecognizedGrace {
			s.fatal(fmt.Errorf("protocol violation: %d consecutive unrecognized lines (last %q)",
				s.unrecognized, line))
		}
	}
}

func (s *Session) handleAck() {
	_, err := s.flow.Ack()
	if err != nil {
		if s.resetting {
			// stale ack racing the reset flush
			return
		}
		s.fatal(fmt.Errorf("protocol violation: %w", err))
		return
	}
	s.acked++

	if s.flow.Outstanding() > 0 {
		s.armAckTimer()
	} else {
		s.stopTimer(&s.ackTimer)
	}

	if s.resetting {
		s.finishReset()
		return
	}

	s.emit(Event{Kind: EventProgress, JobID: s.jobID,
		Queued: len(s.queue) + len(s.ready), Sent: s.flow.Outstanding(), Acked: s.acked})

	if s.state == Running && len(s.queue) == 0 && len(s.ready) == 0 && s.flow.Outstanding() == 0 {
		s.emit(Event{Kind: EventJobDone, JobID: s.jobID, Acked: s.acked})
		s.setState(Idle)
	}
}
