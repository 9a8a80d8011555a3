//go:build linux

package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneSocket applies TCP_NODELAY and keepalive through the stdlib net
// package, then sets the send/receive buffer sizes and TCP_KEEPIDLE directly
// via unix.SetsockoptInt.
func tuneSocket(conn *net.TCPConn, cfg SocketTuning) {
	conn.SetNoDelay(cfg.NoDelay)

	if cfg.KeepAlive {
		conn.SetKeepAlive(true)
		if cfg.KeepAlivePeriod > 0 {
			conn.SetKeepAlivePeriod(cfg.KeepAlivePeriod)
		}
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return
	}

	if cfg.SendBufferBytes > 0 {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferBytes)
		})
	}
	if cfg.RecvBufferBytes > 0 {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufferBytes)
		})
	}

	if cfg.KeepAlive && cfg.KeepAlivePeriod > 0 {
		_ = rawConn.Control(func(fd uintptr) {
			secs := int(cfg.KeepAlivePeriod / time.Second)
			if secs < 1 {
				secs = 1
			}
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
		})
	}
}
