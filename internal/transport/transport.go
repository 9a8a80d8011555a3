// Package transport provides the reliable ordered byte-pipe abstraction the
// tunnel control connection and upstream dials run over: plain TCP, TCP
// wrapped in TLS 1.3, or a single WebSocket connection. Stream multiplexing is layered above this package by
// internal/mux; a transport Conn carries exactly one control connection.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// Mode selects whether a Transport wraps connections in TLS.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeTLS   Mode = "tls"
	// ModeWS carries the control connection inside a single WebSocket
	// connection, for deployments where only HTTP(S) egress/ingress is
	// available to the tunnel client or its public load balancer.
	ModeWS Mode = "ws"
)

// ErrCloseWriteUnsupported is returned by CloseWrite on a connection whose
// underlying type doesn't support a TCP half-close (e.g. TLS before 1.3
// close_notify semantics settle, or a non-TCP net.Conn in tests).
var ErrCloseWriteUnsupported = errors.New("transport: half-close not supported on this connection")

// Conn is a single reliable ordered byte pipe between two tunnel endpoints.
type Conn interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the write side, signaling EOF to the peer
	// without tearing down the read side.
	CloseWrite() error

	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts incoming Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// SocketTuning controls OS-level socket options applied to every accepted
// or dialed connection (spec §4.2).
type SocketTuning struct {
	NoDelay        bool
	KeepAlive      bool
	KeepAlivePeriod time.Duration
	SendBufferBytes int
	RecvBufferBytes int
}

// DefaultSocketTuning mirrors common low-latency tunnel defaults.
func DefaultSocketTuning() SocketTuning {
	return SocketTuning{
		NoDelay:         true,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
	}
}

// Config configures a Transport.
type Config struct {
	Mode         Mode
	TLSConfig    *tls.Config
	DialTimeout  time.Duration
	SocketTuning SocketTuning

	// WSPath is the HTTP path the control connection upgrades on when
	// Mode is ModeWS. Defaults to "/tunnelcore".
	WSPath string
}

// DefaultConfig returns a plain-TCP Config with default socket tuning.
func DefaultConfig() Config {
	return Config{
		Mode:         ModePlain,
		DialTimeout:  10 * time.Second,
		SocketTuning: DefaultSocketTuning(),
	}
}

// Transport dials and listens for Conns per its Config.
type Transport struct {
	cfg Config
}

// New creates a Transport from cfg.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Dial connects to addr, applying socket tuning and (if configured) wrapping
// the connection in TLS.
func (t *Transport) Dial(ctx context.Context, addr string) (Conn, error) {
	if t.cfg.Mode == ModeWS {
		return t.dialWS(ctx, addr)
	}

	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tuneSocket(tcpConn, t.cfg.SocketTuning)
	}

	if t.cfg.Mode == ModeTLS {
		tlsConn := tls.Client(conn, t.cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return &tlsConnAdapter{Conn: tlsConn, inner: conn}, nil
	}

	return &plainConnAdapter{Conn: conn}, nil
}

// Listen creates a Listener bound to addr.
func (t *Transport) Listen(addr string) (Listener, error) {
	if t.cfg.Mode == ModeWS {
		return t.listenWS(addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &listener{ln: ln, cfg: t.cfg}, nil
}

type listener struct {
	ln  net.Listener
	cfg Config
}

func (l *listener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		if err != nil {
			ch <- result{nil, err}
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tuneSocket(tcpConn, l.cfg.SocketTuning)
		}

		if l.cfg.Mode == ModeTLS {
			tlsConn := tls.Server(conn, l.cfg.TLSConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				ch <- result{nil, err}
				return
			}
			ch <- result{&tlsConnAdapter{Conn: tlsConn, inner: conn}, nil}
			return
		}

		ch <- result{&plainConnAdapter{Conn: conn}, nil}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }
func (l *listener) Close() error   { return l.ln.Close() }

// tlsConnAdapter adds CloseWrite to a *tls.Conn by delegating the half-close
// to the underlying net.Conn, since tls.Conn itself has no CloseWrite.
type tlsConnAdapter struct {
	*tls.Conn
	inner net.Conn
}

func (a *tlsConnAdapter) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := a.inner.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return ErrCloseWriteUnsupported
}

// plainConnAdapter adds CloseWrite to a plain net.Conn by delegating the
// half-close to the underlying connection when it supports one (e.g.
// *net.TCPConn), since the net.Conn interface itself has no CloseWrite.
type plainConnAdapter struct {
	net.Conn
}

func (a *plainConnAdapter) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := a.Conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return ErrCloseWriteUnsupported
}
