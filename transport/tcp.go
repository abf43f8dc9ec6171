package transport

import (
	"fmt"
	"net"
	"time"
)

func dialTCP(d Descriptor, timeout time.Duration) (Conn, error) {
	conn, err := net.DialTimeout("tcp", d.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
