package mux

import (
	"testing"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

func newTestMux(maxStreams int) *Multiplexer {
	sl := limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: maxStreams})
	return New(&fakeSender{}, sl)
}

func TestMultiplexerOpenAllocatesMonotonicIDs(t *testing.T) {
	m := newTestMux(10)

	s1, err := m.Open(protocol.ProtoHTTP1, protocol.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s2, err := m.Open(protocol.ProtoHTTP1, protocol.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if s1.ID() == protocol.ControlStreamID || s2.ID() == protocol.ControlStreamID {
		t.Fatal("allocated stream ID collides with the reserved control stream ID")
	}
	if s2.ID() <= s1.ID() {
		t.Fatalf("stream IDs not monotonic: s1=%d s2=%d", s1.ID(), s2.ID())
	}
}

func TestMultiplexerOpenRespectsStreamLimit(t *testing.T) {
	m := newTestMux(1)

	if _, err := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil); err != ErrTooManyStreams {
		t.Fatalf("second Open = %v, want ErrTooManyStreams", err)
	}
}

func TestMultiplexerAcceptRegistersUnderPeerChosenID(t *testing.T) {
	m := newTestMux(10)

	s, err := m.Accept(42, protocol.ProtoWebSocket, protocol.PriorityHigh, map[string]string{"host": "example.com"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.ID() != 42 {
		t.Fatalf("stream ID = %d, want 42", s.ID())
	}
	if s.State() != StateOpen {
		t.Fatalf("accepted stream state = %v, want StateOpen", s.State())
	}

	got, ok := m.Get(42)
	if !ok || got != s {
		t.Fatal("Get did not return the accepted stream")
	}
}

func TestMultiplexerRemoveClosesAndForgetsStream(t *testing.T) {
	m := newTestMux(10)
	s, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)

	m.Remove(s.ID())

	if !s.IsClosed() {
		t.Fatal("removed stream should be closed")
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Fatal("removed stream should no longer be found")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}

	// Removing twice must not panic (StreamPermit.Release is idempotent,
	// and Remove itself is a no-op on a missing ID).
	m.Remove(s.ID())
}

func TestMultiplexerDispatchDataUnknownStreamReleasesBuffer(t *testing.T) {
	m := newTestMux(10)

	decoded := testDecodedDataFrame(t, 999, []byte("orphan"), false)
	if err := m.DispatchData(decoded); err != ErrUnknownStream {
		t.Fatalf("DispatchData = %v, want ErrUnknownStream", err)
	}
}

func TestMultiplexerDispatchDataDeliversToStream(t *testing.T) {
	m := newTestMux(10)
	s, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)
	s.Open()

	decoded := testDecodedDataFrame(t, s.ID(), []byte("payload"), true)
	if err := m.DispatchData(decoded); err != nil {
		t.Fatalf("DispatchData: %v", err)
	}

	if s.State() != StateHalfClosedRemote {
		t.Fatalf("state after fin = %v, want StateHalfClosedRemote", s.State())
	}
}

func TestMultiplexerDispatchDataOverloadedCeiling(t *testing.T) {
	sl := limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 10, MaxInflightFrames: 1})
	m := New(&fakeSender{}, sl)

	s, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)
	s.Open()

	// First Data frame fills the one-frame inflight ceiling and is never
	// read off the stream's queue, so the slot stays held.
	first := testDecodedDataFrame(t, s.ID(), []byte("one"), false)
	if err := m.DispatchData(first); err != nil {
		t.Fatalf("first DispatchData: %v", err)
	}

	second := testDecodedDataFrame(t, s.ID(), []byte("two"), false)
	if err := m.DispatchData(second); err != ErrOverloaded {
		t.Fatalf("second DispatchData = %v, want ErrOverloaded", err)
	}
}

func TestMultiplexerCloseAllClosesEveryStream(t *testing.T) {
	m := newTestMux(10)
	s1, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)
	s2, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)

	m.CloseAll()

	if !s1.IsClosed() || !s2.IsClosed() {
		t.Fatal("CloseAll should close every stream")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}
}

func TestMultiplexerCloseAllSendsResetForEveryOpenStream(t *testing.T) {
	sender := &fakeSender{}
	sl := limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 10})
	m := New(sender, sl)
	s1, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)
	s1.Open()
	s2, _ := m.Open(protocol.ProtoTCP, protocol.PriorityNormal, nil)
	s2.Open()

	m.CloseAll()

	count := 0
	for _, typ := range sender.enqueued {
		if typ == protocol.TypeCloseStream {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("CloseAll enqueued %d CloseStream frames, want 2", count)
	}
}

func TestMultiplexerCloseStreamSendsReasonAndRemoves(t *testing.T) {
	sender := &fakeSender{}
	sl := limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 10})
	m := New(sender, sl)
	s, _ := m.Open(protocol.ProtoHTTP1, protocol.PriorityNormal, nil)
	s.Open()

	m.CloseStream(s.ID(), protocol.CloseUpstreamUnreachable)

	if !s.IsClosed() {
		t.Fatal("CloseStream should close the stream locally")
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Fatal("CloseStream should remove the stream from the table")
	}

	found := false
	for _, typ := range sender.enqueued {
		if typ == protocol.TypeCloseStream {
			found = true
		}
	}
	if !found {
		t.Fatal("CloseStream should enqueue a CloseStream frame")
	}
}

func TestMultiplexerCloseStreamOnAlreadyClosedStreamSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	sl := limits.NewStreamLimits(limits.Config{MaxStreamsPerSession: 10})
	m := New(sender, sl)
	s, _ := m.Open(protocol.ProtoHTTP1, protocol.PriorityNormal, nil)
	s.Open()
	s.Close()

	m.CloseStream(s.ID(), protocol.CloseComplete)

	for _, typ := range sender.enqueued {
		if typ == protocol.TypeCloseStream {
			t.Fatal("CloseStream should not send a wire frame for an already-closed stream")
		}
	}
}
