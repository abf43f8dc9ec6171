package device

import (
	"fmt"
	"time"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/dialect"
	"github.com/openpcb/sender/transport"
)

// ProbeConfig carries the probing parameters for one machine.
type ProbeConfig struct {
	// FeedFast is the plunge feed for the quick pre-scan,
	// FeedFine the slower feed for the measuring pass. mm/min.
	FeedFast float64 `yaml:"feed_fast"`
	FeedFine float64 `yaml:"feed_fine,omitempty"`

	// Retract is the clearance kept above the highest pre-scan
	// reading between probe points, MaxTravel the deepest
	// allowed plunge. mm.
	Retract   float64 `yaml:"retract,omitempty"`
	MaxTravel float64 `yaml:"max_travel"`
}

// Timeouts bound the session's waiting states. Expiry moves the
// session to FatalError; the core never retries on its own.
type Timeouts struct {
	Connect  time.Duration `yaml:"connect"`
	Ack      time.Duration `yaml:"ack"`
	ResetAck time.Duration `yaml:"reset_ack"`
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect == 0 {
		t.Connect = 5 * time.Second
	}
	if t.Ack == 0 {
		t.Ack = 10 * time.Second
	}
	if t.ResetAck == 0 {
		t.ResetAck = 5 * time.Second
	}
	return t
}

// Profile describes one machine. Immutable once a session is
// open.
type Profile struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`

	Transport transport.Descriptor `yaml:"transport"`
	Dialect   dialect.ID           `yaml:"dialect"`

	// Envelope is the work area maximum per axis, in mm.
	Envelope coord.Point `yaml:"envelope"`

	MaxFeed    float64 `yaml:"max_feed,omitempty"`
	MaxSpindle float64 `yaml:"max_spindle,omitempty"`

	// BufferSize overrides the dialect's receive-buffer default
	// for character-counting flow control.
	BufferSize int `yaml:"buffer_size,omitempty"`

	Probe    ProbeConfig `yaml:"probe,omitempty"`
	Timeouts Timeouts    `yaml:"timeouts,omitempty"`
}

func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile: id is required")
	}
	if _, err := dialect.Lookup(p.Dialect); err != nil {
		return fmt.Errorf("profile %s: %w", p.ID, err)
	}
	if p.Transport.Kind == "" {
		return fmt.Errorf("profile %s: transport kind is required", p.ID)
	}
	if p.BufferSize < 0 {
		return fmt.Errorf("profile %s: negative buffer size", p.ID)
	}
	return nil
}

// budget returns the flow-control byte budget for the profile.
func (p Profile) budget(t *dialect.Table) int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	return t.Caps.BufferSize
}
