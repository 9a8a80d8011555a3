package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "empty payload",
			frame: Frame{Type: TypeHeartbeat, Flags: 0, StreamID: 0, Payload: []byte{}},
		},
		{
			name:  "data with fin",
			frame: Frame{Type: TypeData, Flags: FlagFin, StreamID: 7, Payload: []byte("hello world")},
		},
		{
			name:  "large payload",
			frame: Frame{Type: TypeData, Flags: 0, StreamID: 1234, Payload: bytes.Repeat([]byte{0xAB}, 4096)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.frame.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Type != tt.frame.Type || decoded.Flags != tt.frame.Flags || decoded.StreamID != tt.frame.StreamID {
				t.Fatalf("header mismatch: got %+v, want %+v", decoded, tt.frame)
			}
			if !bytes.Equal(decoded.Payload, tt.frame.Payload) {
				t.Fatalf("payload mismatch: got %v, want %v", decoded.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestFrameEncodeTooLarge(t *testing.T) {
	f := Frame{Type: TypeData, Payload: make([]byte, MaxFrameBytes+1)}
	if _, err := f.Encode(); err != ErrFrameTooLarge {
		t.Fatalf("Encode: got %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	if _, _, _, _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("DecodeHeader: want error for short buffer")
	}
}

func TestFrameReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	payloads := [][]byte{
		[]byte{},
		[]byte("x"),
		bytes.Repeat([]byte{0x42}, 70000), // exceeds a single pooled read in spirit, still under MaxFrameBytes
	}

	for i, p := range payloads {
		if err := fw.Write(TypeData, 0, uint64(i+1), p); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range payloads {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if got.StreamID != uint64(i+1) {
			t.Fatalf("Read %d: StreamID = %d, want %d", i, got.StreamID, i+1)
		}
		if !bytes.Equal(got.Payload, want) {
			t.Fatalf("Read %d: payload mismatch (len got %d want %d)", i, len(got.Payload), len(want))
		}
		got.Release()
	}

	if _, err := fr.Read(); err != io.EOF {
		t.Fatalf("Read after exhausted: got %v, want io.EOF", err)
	}
}

func TestFrameReaderControlFrameNotPooled(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.Write(TypeHeartbeat, 0, ControlStreamID, (&HeartbeatFrame{TimestampNanos: 99}).Encode()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fr := NewFrameReader(&buf)
	got, err := fr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	hb, err := DecodeHeartbeatFrame(got.Payload)
	if err != nil {
		t.Fatalf("DecodeHeartbeatFrame: %v", err)
	}
	if hb.TimestampNanos != 99 {
		t.Fatalf("TimestampNanos = %d, want 99", hb.TimestampNanos)
	}
	got.Release() // no-op for non-Data frames
}

func TestHandshakeFrameEncodeDecode(t *testing.T) {
	h := &HandshakeFrame{
		ClientNonce:  [16]byte{1, 2, 3},
		MinVersion:   1,
		MaxVersion:   3,
		TokenHash:    []byte("deadbeef"),
		Capabilities: []string{"gzip", "multiplex-v2"},
	}

	decoded, err := DecodeHandshakeFrame(h.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.MinVersion != h.MinVersion || decoded.MaxVersion != h.MaxVersion {
		t.Fatalf("version mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.TokenHash, h.TokenHash) {
		t.Fatalf("token hash mismatch")
	}
	if len(decoded.Capabilities) != 2 || decoded.Capabilities[1] != "multiplex-v2" {
		t.Fatalf("capabilities mismatch: %v", decoded.Capabilities)
	}
}

func TestRegisterFrameEncodeDecode(t *testing.T) {
	r := &RegisterFrame{
		ServiceName: "api",
		Protocol:    ProtoHTTP1,
		Metadata:    map[string]string{"env": "prod"},
	}
	decoded, err := DecodeRegisterFrame(r.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ServiceName != "api" || decoded.Protocol != ProtoHTTP1 {
		t.Fatalf("mismatch: %+v", decoded)
	}
	if decoded.Metadata["env"] != "prod" {
		t.Fatalf("metadata mismatch: %v", decoded.Metadata)
	}
}

func TestOpenStreamFrameEncodeDecode(t *testing.T) {
	o := &OpenStreamFrame{Protocol: ProtoWebSocket, Priority: PriorityHigh, Metadata: map[string]string{"host": "a.example.com"}}
	decoded, err := DecodeOpenStreamFrame(o.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Protocol != ProtoWebSocket || decoded.Priority != PriorityHigh {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestErrorFrameTruncatesLongMessage(t *testing.T) {
	long := bytes.Repeat([]byte("a"), 1000)
	e := &ErrorFrame{Code: ErrOverloaded, Message: string(long)}
	decoded, err := DecodeErrorFrame(e.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Message) != 255 {
		t.Fatalf("Message len = %d, want 255", len(decoded.Message))
	}
}

func TestDecodeRejectsTruncatedBuffers(t *testing.T) {
	f := Frame{Type: TypeData, StreamID: 1, Payload: []byte("hello")}
	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for n := 0; n < HeaderSize+len(f.Payload); n++ {
		if _, err := Decode(encoded[:n]); err == nil {
			t.Fatalf("Decode(%d bytes): want error, got nil", n)
		}
	}
}
