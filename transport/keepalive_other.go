//go:build !linux

package transport

import "net"

// setKeepAlive enables keepalive with the idle period; probe interval and
// count keep their system defaults.
func setKeepAlive(conn net.Conn, ka KeepAlive) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	if ka.Idle > 0 {
		return tcp.SetKeepAlivePeriod(ka.Idle)
	}
	return nil
}
