// Package transport provides the byte-stream boundary between a
// device session and its controller: a local serial port, a raw
// TCP socket, or a serial-port-json-server websocket bridge.
package transport

import (
	"fmt"
	"io"
	"time"
)

// Conn is a duplex byte stream to one controller. A Conn is
// exclusively owned by a single device session.
type Conn interface {
	io.ReadWriteCloser
}

// Descriptor names a concrete transport endpoint.
type Descriptor struct {
	// Kind is one of "serial", "tcp" or "spjs".
	Kind string `yaml:"kind"`

	// Port is the serial device path, or the SPJS port name.
	Port string `yaml:"port,omitempty"`
	Baud int    `yaml:"baud,omitempty"`

	// Addr is the host:port for tcp, or the websocket URL for
	// spjs.
	Addr string `yaml:"addr,omitempty"`
}

func (d Descriptor) String() string {
	switch d.Kind {
	case "serial":
		return fmt.Sprintf("serial:%s@%d", d.Port, d.Baud)
	case "tcp":
		return "tcp:" + d.Addr
	case "spjs":
		return fmt.Sprintf("spjs:%s/%s", d.Addr, d.Port)
	}
	return d.Kind
}

// Dial opens the described endpoint. The timeout bounds
// connection establishment only; reads and writes block.
func Dial(d Descriptor, timeout time.Duration) (Conn, error) {
	switch d.Kind {
	case "serial":
		return dialSerial(d)
	case "tcp":
		return dialTCP(d, timeout)
	case "spjs":
		return DialSPJS(d.Addr, d.Port, d.Baud, timeout)
	}
	return nil, fmt.Errorf("unknown transport kind %q", d.Kind)
}
