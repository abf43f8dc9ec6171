package dialect

import (
	"strconv"
	"strings"

	"github.com/openpcb/sender/coord"
)

// StatusKind classifies a received line.
type StatusKind int

const (
	Unrecognized StatusKind = iota
	Ack
	ControllerError
	Alarm
	Report
	ProbeReport
	Hello
	Info
)

func (k StatusKind) String() string {
	switch k {
	case Ack:
		return "ack"
	case ControllerError:
		return "error"
	case Alarm:
		return "alarm"
	case Report:
		return "report"
	case ProbeReport:
		return "probe"
	case Hello:
		return "hello"
	case Info:
		return "info"
	}
	return "unrecognized"
}

// ProbeResult is a single probe cycle outcome.
type ProbeResult struct {
	coord.Point
	Valid bool
}

// Status is the transport-agnostic decode of one received line.
type Status struct {
	Kind StatusKind

	// State is the reported machine state (Idle, Run, Hold, ...)
	// for Report lines.
	State string
	MPos  coord.Point
	WCO   coord.Point

	// Code is the controller error or alarm number.
	Code int

	Probe *ProbeResult
}

func parseCoords(data string) (p coord.Point, ok bool) {
	parts := strings.Split(data, ",")
	if len(parts) != 3 {
		return p, false
	}
	var err error
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, false
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, false
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, false
	}
	return p, true
}

func parseCode(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// parseGRBL handles the GRBL 1.1 report grammar, which Smoothie
// shares: ok, error:N, ALARM:N, <State|MPos:...|...>, [PRB:...],
// and the Grbl startup banner.
func parseGRBL(line string) Status {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok":
		return Status{Kind: Ack}
	case strings.HasPrefix(line, "error:"):
		return Status{Kind: ControllerError, Code: parseCode(line[len("error:"):])}
	case strings.HasPrefix(line, "ALARM:"):
		return Status{Kind: Alarm, Code: parseCode(line[len("ALARM:"):])}
	case strings.HasPrefix(line, "Grbl"), strings.HasPrefix(line, "Smoothie"):
		return Status{Kind: Hello}
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return parseGRBLReport(line)
	case strings.HasPrefix(line, "[PRB:"):
		return parseGRBLProbe(line)
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return Status{Kind: Info}
	case strings.HasPrefix(line, "$"):
		return Status{Kind: Info}
	}
	return Status{Kind: Unrecognized}
}

func parseGRBLReport(line string) Status {
	line = strings.TrimPrefix(line, "<")
	line = strings.TrimSuffix(line, ">")
	parts := strings.Split(line, "|")

	// GRBL substates like Hold:0 normalize to the bare state.
	st := Status{Kind: Report, State: strings.SplitN(parts[0], ":", 2)[0]}
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			p, ok := parseCoords(sParts[1])
			if !ok {
				return Status{Kind: Unrecognized}
			}
			st.MPos = p
		case "WCO":
			p, ok := parseCoords(sParts[1])
			if !ok {
				return Status{Kind: Unrecognized}
			}
			st.WCO = p
		}
	}
	return st
}

func parseGRBLProbe(line string) Status {
	line = strings.TrimPrefix(line, "[PRB:")
	line = strings.TrimSuffix(line, "]")
	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return Status{Kind: Unrecognized}
	}
	p, ok := parseCoords(parts[0])
	if !ok {
		return Status{Kind: Unrecognized}
	}
	return Status{Kind: ProbeReport, Probe: &ProbeResult{Point: p, Valid: parts[1] == "1"}}
}

// parseMarlin handles Marlin-style replies: ok, echo: chatter,
// Error: lines, kill-style halts and M114 position reports.
func parseMarlin(line string) Status {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok" || strings.HasPrefix(line, "ok "):
		return Status{Kind: Ack}
	case strings.HasPrefix(line, "Error:"):
		msg := line[len("Error:"):]
		if strings.Contains(msg, "halted") || strings.Contains(msg, "kill") {
			return Status{Kind: Alarm}
		}
		return Status{Kind: ControllerError, Code: parseCode(msg)}
	case strings.HasPrefix(line, "echo:"):
		return Status{Kind: Info}
	case strings.HasPrefix(line, "start"):
		return Status{Kind: Hello}
	case strings.HasPrefix(line, "X:"):
		return parseMarlinPosition(line)
	}
	return Status{Kind: Unrecognized}
}

// parseMarlinPosition decodes `X:0.00 Y:0.00 Z:0.00 ...`.
func parseMarlinPosition(line string) Status {
	st := Status{Kind: Report, State: "Idle"}
	for _, f := range strings.Fields(line) {
		kv := strings.SplitN(f, ":", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "X":
			st.MPos.X = v
		case "Y":
			st.MPos.Y = v
		case "Z":
			st.MPos.Z = v
		}
	}
	return st
}

// parseAck is the minimal grammar for line-mode controllers
// driven over a DNC-style link (LinuxCNC, Mach3/4, FANUC): the
// bridge acknowledges each line and forwards fault codes.
func parseAck(line string) Status {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)
	switch {
	case lower == "ok":
		return Status{Kind: Ack}
	case strings.HasPrefix(lower, "error:"):
		return Status{Kind: ControllerError, Code: parseCode(line[len("error:"):])}
	case strings.HasPrefix(lower, "alarm:"):
		return Status{Kind: Alarm, Code: parseCode(line[len("alarm:"):])}
	}
	return Status{Kind: Unrecognized}
}
