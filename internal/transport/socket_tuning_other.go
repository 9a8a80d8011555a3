//go:build !linux

package transport

import "net"

// tuneSocket falls back to the options the stdlib net package exposes on
// non-Linux platforms; buffer sizing is left to the OS default.
func tuneSocket(conn *net.TCPConn, cfg SocketTuning) {
	conn.SetNoDelay(cfg.NoDelay)

	if cfg.KeepAlive {
		conn.SetKeepAlive(true)
		if cfg.KeepAlivePeriod > 0 {
			conn.SetKeepAlivePeriod(cfg.KeepAlivePeriod)
		}
	}
}
