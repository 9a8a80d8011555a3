package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

// loopbackPair returns two connected *net.TCPConn, which satisfy
// transport.Conn (CloseWrite included) without pulling in the transport
// package's TLS/socket-tuning machinery.
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

type recordingHandler struct {
	accepted chan *mux.Stream
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{accepted: make(chan *mux.Stream, 4)}
}

func (h *recordingHandler) HandleAcceptedStream(s *Session, st *mux.Stream, open *protocol.OpenStreamFrame) {
	h.accepted <- st
}

func (h *recordingHandler) HandlePluginData(s *Session, f *protocol.PluginDataFrame) {}

func newTestSessionPair(t *testing.T, clientHandler, serverHandler Handler) (*Session, *Session) {
	clientConn, serverConn := loopbackPair(t)

	client := New(clientConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 16}), nil, Config{
		IsServer:          false,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		Handler:           clientHandler,
	})
	server := New(serverConn, limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 16}), nil, Config{
		IsServer:          true,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		Handler:           serverHandler,
	})

	client.MarkRegistered()
	server.MarkRegistered()

	go client.Run(context.Background())
	go server.Run(context.Background())

	return client, server
}

func waitForState(t *testing.T, s *Session, want State, within time.Duration) {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %v, stuck at %v", want, s.State())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateAuthenticating, "AUTHENTICATING"},
		{StateRegistered, "REGISTERED"},
		{StateActive, "ACTIVE"},
		{StateDraining, "DRAINING"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSessionHeartbeatActivatesBothSides(t *testing.T) {
	client, server := newTestSessionPair(t, newRecordingHandler(), newRecordingHandler())
	defer client.Close(nil)
	defer server.Close(nil)

	waitForState(t, client, StateActive, 2*time.Second)
	waitForState(t, server, StateActive, 2*time.Second)
}

func TestSessionOpenStreamRoundTrip(t *testing.T) {
	serverHandler := newRecordingHandler()
	client, server := newTestSessionPair(t, newRecordingHandler(), serverHandler)
	defer client.Close(nil)
	defer server.Close(nil)

	waitForState(t, client, StateActive, 2*time.Second)
	waitForState(t, server, StateActive, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := client.OpenStream(ctx, protocol.ProtoHTTP1, protocol.PriorityNormal, map[string]string{"host": "example.com"}, time.Second)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if st.State() != mux.StateOpen {
		t.Fatalf("opener-side stream state = %v, want Open", st.State())
	}

	select {
	case accepted := <-serverHandler.accepted:
		if accepted.ID() != st.ID() {
			t.Fatalf("accepted stream ID = %d, want %d", accepted.ID(), st.ID())
		}
		if accepted.Metadata()["host"] != "example.com" {
			t.Fatalf("accepted metadata = %v", accepted.Metadata())
		}
	case <-ctx.Done():
		t.Fatal("server never observed the accepted stream")
	}
}

func TestSessionCloseTearsDownMultiplexer(t *testing.T) {
	client, server := newTestSessionPair(t, newRecordingHandler(), newRecordingHandler())
	defer server.Close(nil)

	waitForState(t, client, StateActive, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := client.OpenStream(ctx, protocol.ProtoTCP, protocol.PriorityNormal, nil, time.Second)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	client.Close(nil)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Close did not signal Done")
	}

	if !st.IsClosed() {
		t.Fatal("CloseAll should have closed the stream opened before Close")
	}
	if client.Mux().Count() != 0 {
		t.Fatalf("multiplexer should be empty after Close, got %d", client.Mux().Count())
	}
}
