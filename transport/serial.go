package transport

import (
	"fmt"

	"github.com/tarm/serial"
)

func dialSerial(d Descriptor) (Conn, error) {
	baud := d.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{Name: d.Port, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", d.Port, err)
	}
	return port, nil
}
