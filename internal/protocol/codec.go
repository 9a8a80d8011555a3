package protocol

import (
	"encoding/binary"
	"io"
)

// DecodedFrame is what FrameReader.Read returns: a parsed header plus its
// payload. For every type except Data, Payload is an owned copy. For Data,
// Payload is a zero-copy slice into a pooled buffer and Release must be
// called once the payload is no longer needed — the mux forwards ownership
// to whichever stream queue receives it; the consumer that reads it from the
// queue calls Release, and Stream.Close releases any payload left unread.
type DecodedFrame struct {
	Type     FrameType
	Flags    uint8
	StreamID uint64
	Payload  []byte

	owner *RefCountedBuffer
}

// Release returns the frame's backing buffer to the pool. Safe to call on
// every DecodedFrame regardless of type; it is a no-op for non-Data frames.
func (d *DecodedFrame) Release() {
	if d.owner != nil {
		d.owner.Release()
	}
}

// IsFin reports whether the FIN flag is set (meaningful for Data frames).
func (d *DecodedFrame) IsFin() bool {
	return d.Flags&FlagFin != 0
}

// FrameReader reads frames from an io.Reader, taking the zero-copy path for
// Data frames and copying for every other type.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads and decodes the next frame.
func (fr *FrameReader) Read() (*DecodedFrame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	typ, flags, length, streamID, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	if typ != TypeData {
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(fr.r, payload); err != nil {
				return nil, err
			}
		}
		return &DecodedFrame{Type: typ, Flags: flags, StreamID: streamID, Payload: payload}, nil
	}

	owner := newRefCountedBuffer()
	buf := owner.Bytes()
	if int(length) > len(buf) {
		owner.Release()
		return nil, ErrFrameTooLarge
	}
	payload := buf[:length]
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			owner.Release()
			return nil, err
		}
	}
	return &DecodedFrame{Type: typ, Flags: flags, StreamID: streamID, Payload: payload, owner: owner}, nil
}

// DataPayload wraps this frame's payload with its owning buffer so it can
// be retained past the read loop (e.g. queued on a stream's read channel).
func (d *DecodedFrame) DataPayload() DataPayload {
	return DataPayload{owner: d.owner, bytes: d.Payload}
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes and writes a frame in one syscall-sized buffer.
func (fw *FrameWriter) Write(typ FrameType, flags uint8, streamID uint64, payload []byte) error {
	f := &Frame{Type: typ, Flags: flags, StreamID: streamID, Payload: payload}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// EncodeInto writes a frame's header and payload into two net.Buffers-ready
// slices without copying the payload, for callers (the Batched Sender) that
// do their own vectored write.
func EncodeInto(header *[HeaderSize]byte, typ FrameType, flags uint8, streamID uint64, payloadLen int) {
	header[0] = uint8(typ)
	header[1] = flags
	binary.BigEndian.PutUint32(header[2:6], uint32(payloadLen))
	binary.BigEndian.PutUint64(header[6:14], streamID)
}
