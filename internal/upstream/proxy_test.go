package upstream

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/session"
)

func loopbackPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
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

// helloServer answers every request with a fixed 200 OK body, standing in
// for the local service a client tunnel forwards to.
func helloServer(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				req.Body.Close()
				resp := &http.Response{
					StatusCode: 200,
					Status:     "200 OK",
					Proto:      "HTTP/1.1",
					ProtoMajor: 1,
					ProtoMinor: 1,
					Header:     http.Header{"Content-Length": []string{"5"}},
					Body:       io.NopCloser(nopReadCloser{}),
					Request:    req,
				}
				resp.Write(c)
			}(conn)
		}
	}()
	return ln
}

type nopReadCloser struct{}

func (nopReadCloser) Read(p []byte) (int, error) {
	n := copy(p, []byte("hello"))
	return n, io.EOF
}

func TestProxyServesH1RequestOverStream(t *testing.T) {
	upstreamLn := helloServer(t)
	defer upstreamLn.Close()

	pool := New(DefaultConfig(), nil)
	defer pool.Close()

	proxy := NewProxy(pool, upstreamLn.Addr().String(), nil)

	clientConn, serverConn := loopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	serverSess := session.New(serverConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer:          true,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	})
	clientSess := session.New(clientConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer:          false,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		Handler:           proxy,
	})

	serverSess.MarkRegistered()
	clientSess.MarkRegistered()

	go serverSess.Run(context.Background())
	go clientSess.Run(context.Background())

	waitForActive(t, serverSess)
	waitForActive(t, clientSess)

	st, err := serverSess.OpenStream(context.Background(), protocol.ProtoHTTP1, protocol.PriorityNormal, nil, time.Second)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	conn := st.Conn(context.Background())
	req, _ := http.NewRequest("GET", "http://upstream.local/", nil)
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

// rawEchoServer answers every accepted connection with an unparsed echo, standing
// in for a non-HTTP upstream (database, SSH) reached through raw-TCP ingress.
func rawEchoServer(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func TestProxyServesTCPStreamAsRawBridge(t *testing.T) {
	upstreamLn := rawEchoServer(t)
	defer upstreamLn.Close()

	pool := New(DefaultConfig(), nil)
	defer pool.Close()

	proxy := NewProxy(pool, upstreamLn.Addr().String(), nil)

	clientConn, serverConn := loopbackPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	serverSess := session.New(serverConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer:          true,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	})
	clientSess := session.New(clientConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 4}), nil, session.Config{
		IsServer:          false,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		Handler:           proxy,
	})

	serverSess.MarkRegistered()
	clientSess.MarkRegistered()

	go serverSess.Run(context.Background())
	go clientSess.Run(context.Background())

	waitForActive(t, serverSess)
	waitForActive(t, clientSess)

	st, err := serverSess.OpenStream(context.Background(), protocol.ProtoTCP, protocol.PriorityNormal, nil, time.Second)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	conn := st.Conn(context.Background())
	if _, err := io.WriteString(conn, "raw bytes, no framing"); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len("raw bytes, no framing"))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != "raw bytes, no framing" {
		t.Fatalf("got %q, want %q", got, "raw bytes, no framing")
	}
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
