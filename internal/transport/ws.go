package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// wsSubprotocol is negotiated on every WebSocket-mode control connection, so
// a listener can reject anything that isn't speaking this protocol before
// handing the connection off to the handshake.
const wsSubprotocol = "tunnelcore.v1"

// wsReadLimit bounds a single WebSocket message. The frame codec already
// enforces MaxFrameBytes on payload length; this is a second ceiling against
// a peer that never sends a frame header at all.
const wsReadLimit = 32 * 1024 * 1024

// dialWS opens the control connection as a WebSocket, for deployments behind
// an HTTP(S) load balancer or proxy that won't forward a raw TCP stream.
// Exactly one control connection's worth of frame traffic flows over the
// single WebSocket connection; virtual stream multiplexing happens above
// this package, in internal/mux, same as it does over ModePlain/ModeTLS.
func (t *Transport) dialWS(ctx context.Context, addr string) (Conn, error) {
	scheme := "ws"
	if t.cfg.TLSConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, t.wsPath())

	dialCtx := ctx
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	opts := &websocket.DialOptions{Subprotocols: []string{wsSubprotocol}}
	if t.cfg.TLSConfig != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: t.cfg.TLSConfig}}
	}

	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	return newWSConn(conn), nil
}

// listenWS starts an HTTP server on addr that upgrades every request on the
// control path to a WebSocket and hands the result to Accept.
func (t *Transport) listenWS(addr string) (Listener, error) {
	netLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		netLn:   netLn,
		connCh:  make(chan *wsConn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.wsPath(), l.handleUpgrade)
	l.server = &http.Server{Handler: mux, TLSConfig: t.cfg.TLSConfig}

	go func() {
		var serveErr error
		if t.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(netLn, "", "")
		} else {
			serveErr = l.server.Serve(netLn)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			l.setServeErr(serveErr)
		}
	}()

	return l, nil
}

func (t *Transport) wsPath() string {
	if t.cfg.WSPath != "" {
		return t.cfg.WSPath
	}
	return "/tunnelcore"
}

// wsListener implements Listener by accepting WebSocket upgrades and
// delivering the resulting Conns over a channel.
type wsListener struct {
	netLn   net.Listener
	server  *http.Server
	connCh  chan *wsConn
	closeCh chan struct{}
	once    sync.Once

	mu       sync.Mutex
	serveErr error
}

func (l *wsListener) setServeErr(err error) {
	l.mu.Lock()
	l.serveErr = err
	l.mu.Unlock()
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{wsSubprotocol}})
	if err != nil {
		return
	}
	if conn.Subprotocol() != wsSubprotocol {
		conn.Close(websocket.StatusProtocolError, "tunnelcore.v1 subprotocol required")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	wc := newWSConn(conn)
	select {
	case l.connCh <- wc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "listener closed")
	}

	// The handler must stay alive for the lifetime of the connection, or
	// nhooyr.io/websocket tears it down the moment this function returns.
	<-wc.done
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("transport: websocket listener closed")
	}
}

func (l *wsListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.closeCh) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn adapts a *websocket.Conn to transport.Conn, treating every
// WebSocket message as a chunk of the same byte stream: writes become
// binary messages, reads drain one message at a time into the caller's
// buffer. Grounded on the teacher's socks5/ws_listener.go wsConn, generalized
// from a SOCKS5-only wrapper to the control-plane Conn interface.
type wsConn struct {
	conn       *websocket.Conn
	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once

	mu          sync.Mutex
	deadlineCtx context.Context
	deadlineFn  context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWSConn(conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, baseCtx: ctx, baseCancel: cancel, done: make(chan struct{})}
}

func (c *wsConn) readCtx() context.Context {
	c.mu.Lock()
	ctx := c.deadlineCtx
	c.mu.Unlock()
	if ctx != nil {
		return ctx
	}
	return c.baseCtx
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	msgType, reader, err := c.conn.Reader(c.readCtx())
	if err != nil {
		return 0, translateWSError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("transport: unexpected websocket message type %v", msgType)
	}

	n, err := reader.Read(p)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	c.reader = reader
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.Write(c.readCtx(), websocket.MessageBinary, p); err != nil {
		return 0, translateWSError(err)
	}
	return len(p), nil
}

// CloseWrite has no WebSocket equivalent: a close frame tears down both
// directions. Nothing in the control-plane path relies on half-closing a
// Transport Conn (stream half-close is signaled in-band by mux via
// FlagFin), so refusing outright is honest rather than silently lying.
func (c *wsConn) CloseWrite() error {
	return ErrCloseWriteUnsupported
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.deadlineFn != nil {
			c.deadlineFn()
		}
		c.mu.Unlock()
		c.baseCancel()
		close(c.done)
	})
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) LocalAddr() net.Addr  { return wsAddr{} }
func (c *wsConn) RemoteAddr() net.Addr { return wsAddr{} }

func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineFn != nil {
		c.deadlineFn()
		c.deadlineFn = nil
		c.deadlineCtx = nil
	}
	if !t.IsZero() {
		c.deadlineCtx, c.deadlineFn = context.WithDeadline(c.baseCtx, t)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// wsAddr is returned in place of a real net.Addr: the WebSocket library
// doesn't expose the underlying TCP endpoint once upgraded.
type wsAddr struct{}

func (wsAddr) Network() string { return "websocket" }
func (wsAddr) String() string  { return "websocket" }

func translateWSError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("transport: websocket deadline: %w", err)
	}
	return err
}
