package mux

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

// testDataPayload builds a real DataPayload by round-tripping buf through
// the wire codec, since DataPayload's fields are private to protocol and
// only ever produced by FrameReader.
func testDataPayload(t *testing.T, buf []byte) protocol.DataPayload {
	var wire bytes.Buffer
	w := protocol.NewFrameWriter(&wire)
	if err := w.Write(protocol.TypeData, 0, 1, buf); err != nil {
		t.Fatalf("write test frame: %v", err)
	}
	r := protocol.NewFrameReader(&wire)
	f, err := r.Read()
	if err != nil {
		t.Fatalf("read test frame: %v", err)
	}
	return f.DataPayload()
}

// testDecodedDataFrame builds a real *protocol.DecodedFrame for streamID by
// round-tripping through the wire codec.
func testDecodedDataFrame(t *testing.T, streamID uint64, buf []byte, fin bool) *protocol.DecodedFrame {
	var flags uint8
	if fin {
		flags = protocol.FlagFin
	}

	var wire bytes.Buffer
	w := protocol.NewFrameWriter(&wire)
	if err := w.Write(protocol.TypeData, flags, streamID, buf); err != nil {
		t.Fatalf("write test frame: %v", err)
	}
	r := protocol.NewFrameReader(&wire)
	f, err := r.Read()
	if err != nil {
		t.Fatalf("read test frame: %v", err)
	}
	return f
}

type fakeSender struct {
	enqueued []protocol.FrameType
	fail     error
}

func (f *fakeSender) Enqueue(typ protocol.FrameType, flags uint8, streamID uint64, payload []byte, priority protocol.Priority, release func()) error {
	if f.fail != nil {
		return f.fail
	}
	f.enqueued = append(f.enqueued, typ)
	if release != nil {
		release()
	}
	return nil
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpening, "OPENING"},
		{StateOpen, "OPEN"},
		{StateHalfClosedLocal, "HALF_CLOSED_LOCAL"},
		{StateHalfClosedRemote, "HALF_CLOSED_REMOTE"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStreamOpenTransitions(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()

	if s.State() != StateOpen {
		t.Fatalf("state = %v, want StateOpen", s.State())
	}
	if !s.IsOpen() || !s.CanWrite() || !s.CanRead() {
		t.Fatal("freshly opened stream should allow both read and write")
	}
}

func TestStreamCloseWriteHalfCloses(t *testing.T) {
	sender := &fakeSender{}
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, sender, nil, nil)
	s.Open()

	if err := s.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	if s.State() != StateHalfClosedLocal {
		t.Fatalf("state = %v, want StateHalfClosedLocal", s.State())
	}
	if s.CanWrite() {
		t.Fatal("should not be able to write after CloseWrite")
	}
	if !s.CanRead() {
		t.Fatal("should still be able to read after CloseWrite")
	}

	// Calling it again must be a no-op, not a second Data(fin) frame.
	if err := s.CloseWrite(); err != nil {
		t.Fatalf("second CloseWrite: %v", err)
	}
	if len(sender.enqueued) != 1 {
		t.Fatalf("enqueued %d frames, want exactly 1", len(sender.enqueued))
	}
}

func TestStreamHandleRemoteFin(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()
	s.handleRemoteFin()

	if s.State() != StateHalfClosedRemote {
		t.Fatalf("state = %v, want StateHalfClosedRemote", s.State())
	}
	if !s.CanWrite() {
		t.Fatal("should still be able to write")
	}
	if s.CanRead() {
		t.Fatal("should not be able to read after remote fin with empty queue")
	}
}

func TestStreamBothSidesClose(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()
	s.CloseWrite()
	s.handleRemoteFin()

	if s.State() != StateClosed {
		t.Fatalf("state = %v, want StateClosed", s.State())
	}
}

func TestStreamWriteAfterCloseFails(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()
	s.Close()

	if _, err := s.Write([]byte("x"), false); err != io.ErrClosedPipe {
		t.Fatalf("Write after Close = %v, want io.ErrClosedPipe", err)
	}
}

func TestStreamReadDeliversPushedData(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()

	dp := testDataPayload(t, []byte("hello"))

	if err := s.pushData(dp); err != nil {
		t.Fatalf("pushData: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Bytes()) != "hello" {
		t.Fatalf("Read = %q, want %q", got.Bytes(), "hello")
	}
}

func TestStreamReadReturnsEOFAfterRemoteFinDrains(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()
	s.handleRemoteFin()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := s.Read(ctx); err != io.EOF {
		t.Fatalf("Read after drained remote fin = %v, want io.EOF", err)
	}
}

func TestStreamReadRespectsContextCancellation(t *testing.T) {
	s := newStream(1, protocol.ProtoTCP, protocol.PriorityNormal, nil, &fakeSender{}, nil, nil)
	s.Open()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Read(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}
