package ingress

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/registry"
	"github.com/MitulShah1/ferrotunnel/internal/session"
)

func loopbackPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func waitForActive(t *testing.T, s *session.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == session.StateActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not become active")
}

// echoUpstream answers every accepted HTTP stream with a fixed body,
// standing in for internal/upstream.Proxy.
type echoUpstream struct{ body string }

func (h *echoUpstream) HandleAcceptedStream(s *session.Session, st *mux.Stream, open *protocol.OpenStreamFrame) {
	go func() {
		defer st.Close()
		conn := st.Conn(context.Background())
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		resp := &http.Response{
			StatusCode: 200, Status: "200 OK", Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
			Header:  http.Header{"Content-Length": []string{itoa(len(h.body))}},
			Body:    io.NopCloser(staticReader{h.body}),
			Request: req,
		}
		resp.Write(conn)
	}()
}

func (h *echoUpstream) HandlePluginData(s *session.Session, f *protocol.PluginDataFrame) {}

type staticReader struct{ s string }

func (r staticReader) Read(p []byte) (int, error) {
	n := copy(p, r.s)
	return n, io.EOF
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newSessionPair(t *testing.T, handler session.Handler) (*session.Session, *session.Session) {
	t.Helper()
	clientConn, serverConn := loopbackPair(t)
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	serverSess := session.New(serverConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer: true, HeartbeatInterval: 30 * time.Millisecond, HeartbeatTimeout: 500 * time.Millisecond,
	})
	clientSess := session.New(clientConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer: false, HeartbeatInterval: 30 * time.Millisecond, HeartbeatTimeout: 500 * time.Millisecond,
		Handler: handler,
	})

	serverSess.MarkRegistered()
	clientSess.MarkRegistered()

	go serverSess.Run(context.Background())
	go clientSess.Run(context.Background())

	waitForActive(t, serverSess)
	waitForActive(t, clientSess)

	return serverSess, clientSess
}

func TestServeHTTPProxiesRequestOverStream(t *testing.T) {
	serverSess, _ := newSessionPair(t, &echoUpstream{body: "hello"})

	tunnelID := protocol.NewTunnelID()
	serverSess.SetIdentity(protocol.NewSessionID(), tunnelID)

	reg := registry.New()
	if err := reg.Register(tunnelID, serverSess); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := New(Config{Registry: reg})

	req := httptest.NewRequest(http.MethodGet, "http://"+tunnelID.String()+"/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "hello")
	}

	if n := serverSess.Mux().Count(); n != 0 {
		t.Fatalf("server multiplexer holds %d streams after the request completed, want 0", n)
	}
}

func TestServeHTTPTunnelNotFound(t *testing.T) {
	srv := New(Config{Registry: registry.New()})

	req := httptest.NewRequest(http.MethodGet, "http://"+protocol.NewTunnelID().String()+"/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != "Tunnel not found" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "Tunnel not found")
	}
}

func TestResolveTunnelID(t *testing.T) {
	id := protocol.NewTunnelID()

	cases := []struct {
		host string
		want bool
	}{
		{id.String(), true},
		{id.String() + ":443", true},
		{"HOST-THAT-IS-NOT-HEX", false},
		{"", false},
	}
	for _, c := range cases {
		_, ok := resolveTunnelID(c.host)
		if ok != c.want {
			t.Errorf("resolveTunnelID(%q) ok = %v, want %v", c.host, ok, c.want)
		}
	}

	got, ok := resolveTunnelID(id.String() + ":8080")
	if !ok || got != id {
		t.Fatalf("resolveTunnelID with port = (%v, %v), want (%v, true)", got, ok, id)
	}
}

// wsEchoUpstream answers a WebSocket upgrade with a raw 101 response, then
// echoes every chunk it reads back with a prefix — enough to prove bytes
// cross the bridge both ways, unexamined.
type wsEchoUpstream struct{}

func (wsEchoUpstream) HandleAcceptedStream(s *session.Session, st *mux.Stream, open *protocol.OpenStreamFrame) {
	go func() {
		defer st.Close()
		conn := st.Conn(context.Background())
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				io.WriteString(conn, "echo:"+string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()
}

func (wsEchoUpstream) HandlePluginData(s *session.Session, f *protocol.PluginDataFrame) {}

func TestServeHTTPWebSocketBridgesRawBytes(t *testing.T) {
	serverSess, _ := newSessionPair(t, wsEchoUpstream{})

	tunnelID := protocol.NewTunnelID()
	serverSess.SetIdentity(protocol.NewSessionID(), tunnelID)

	reg := registry.New()
	if err := reg.Register(tunnelID, serverSess); err != nil {
		t.Fatalf("register: %v", err)
	}

	ingressSrv := New(Config{Registry: reg})
	httpSrv := httptest.NewServer(ingressSrv)
	defer httpSrv.Close()

	conn, err := net.Dial("tcp", httpSrv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: " + tunnelID.String() + "\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("status line = %q, want 101", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len("echo:ping"))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != "echo:ping" {
		t.Fatalf("got %q, want %q", got, "echo:ping")
	}
}
