package dialect

import (
	"github.com/openpcb/sender/job"
)

// grbl-style realtime control characters.
const (
	charStatus byte = '?'
	charHold   byte = '!'
	charResume byte = '~'
	charReset  byte = 0x18
)

var gcodeTokens = map[job.Kind]string{
	job.Rapid:      "G0",
	job.Linear:     "G1",
	job.ArcCW:      "G2",
	job.ArcCCW:     "G3",
	job.Probe:      "G38.2",
	job.Dwell:      "G4",
	job.SpindleOn:  "M3",
	job.SpindleOff: "M5",
	job.CoolantOn:  "M8",
	job.CoolantOff: "M9",
}

var fanucTokens = map[job.Kind]string{
	job.Rapid:      "G00",
	job.Linear:     "G01",
	job.ArcCW:      "G02",
	job.ArcCCW:     "G03",
	job.Probe:      "G31",
	job.Dwell:      "G04",
	job.SpindleOn:  "M03",
	job.SpindleOff: "M05",
	job.CoolantOn:  "M08",
	job.CoolantOff: "M09",
}

// dncControls are the queued control blocks for line-mode
// controllers reached over a DNC-style link: program stop, the
// link's cycle-resume macro, and program end/rewind for reset.
var dncControls = map[Control]string{
	ControlHold:   "M0",
	ControlResume: "M99",
	ControlReset:  "M30",
}

var fanucControls = map[Control]string{
	ControlHold:   "M00",
	ControlResume: "M99",
	ControlReset:  "M30",
}

var grblRealtime = map[Control]byte{
	ControlStatus: charStatus,
	ControlHold:   charHold,
	ControlResume: charResume,
	ControlReset:  charReset,
}

var marlinRealtime = map[Control]byte{
	ControlStatus: charStatus,
	ControlHold:   charHold,
	ControlResume: charResume,
}

var tables = map[ID]*Table{
	GRBL11: {
		ID: GRBL11,
		Caps: Capabilities{
			RealtimeHold: true, RealtimeResume: true,
			RealtimeStatus: true, RealtimeReset: true,
			ArcMode: ArcIJ, BufferSize: 128,
		},
		tokens:   gcodeTokens,
		realtime: grblRealtime,
		render:   renderGcode,
		parse:    parseGRBL,
	},
	Smoothie: {
		ID: Smoothie,
		Caps: Capabilities{
			RealtimeHold: true, RealtimeResume: true,
			RealtimeStatus: true, RealtimeReset: true,
			ArcMode: ArcIJ, BufferSize: 64,
		},
		tokens:   gcodeTokens,
		realtime: grblRealtime,
		render:   renderGcode,
		parse:    parseGRBL,
	},
	MarlinCNC: {
		ID: MarlinCNC,
		Caps: Capabilities{
			RealtimeHold: true, RealtimeResume: true,
			RealtimeStatus: true,
			ArcMode:        ArcIJ,
			BufferSize:     96,
		},
		tokens:   gcodeTokens,
		realtime: marlinRealtime,
		controls: map[Control]string{ControlReset: "M999"},
		render:   renderGcode,
		parse:    parseMarlin,
	},
	LinuxCNC: {
		ID:       LinuxCNC,
		Caps:     Capabilities{ArcMode: ArcIJ, BufferSize: 256},
		tokens:   gcodeTokens,
		controls: dncControls,
		render:   renderGcode,
		parse:    parseAck,
	},
	Mach3: {
		ID:       Mach3,
		Caps:     Capabilities{ArcMode: ArcIJK, BufferSize: 256},
		tokens:   gcodeTokens,
		controls: dncControls,
		render:   renderGcode,
		parse:    parseAck,
	},
	Mach4: {
		ID:       Mach4,
		Caps:     Capabilities{ArcMode: ArcIJK, BufferSize: 256},
		tokens:   gcodeTokens,
		controls: dncControls,
		render:   renderGcode,
		parse:    parseAck,
	},
	FanucSubset: {
		ID:       FanucSubset,
		Caps:     Capabilities{ArcMode: ArcIJK, BufferSize: 256},
		tokens:   fanucTokens,
		controls: fanucControls,
		render:   renderGcode,
		parse:    parseAck,
	},
	HPGL: {
		ID:     HPGL,
		Caps:   Capabilities{ArcMode: ArcIJ, BufferSize: 512},
		render: renderHPGL,
		parse:  parseAck,
	},
}
