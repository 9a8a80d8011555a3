package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownType is returned for unrecognized frame types.
	ErrUnknownType = errors.New("unknown frame type")
)

// Frame is the generic wire representation: a decoded header plus the raw
// payload bytes. Header format (14 bytes):
//
//	Type     [1 byte]  - FrameType
//	Flags    [1 byte]  - frame flags (FlagFin for Data)
//	Length   [4 bytes] - payload length, big-endian
//	StreamID [8 bytes] - stream identifier, big-endian (0 for control frames)
type Frame struct {
	Type     FrameType
	Flags    uint8
	StreamID uint64
	Payload  []byte
}

// Encode serializes the frame header and payload to a fresh byte slice.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	f.encodeHeader(buf)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

func (f *Frame) encodeHeader(buf []byte) {
	buf[0] = uint8(f.Type)
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[6:14], f.StreamID)
}

// DecodeHeader decodes a frame header from a HeaderSize-byte buffer.
func DecodeHeader(buf []byte) (typ FrameType, flags uint8, length uint32, streamID uint64, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	typ = FrameType(buf[0])
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])
	streamID = binary.BigEndian.Uint64(buf[6:14])

	if length > MaxFrameBytes {
		return 0, 0, 0, 0, ErrFrameTooLarge
	}
	return
}

// Decode deserializes a complete frame (header + payload) from buf, copying
// the payload. Used for control-plane frames; the Data fast path in codec.go
// avoids the copy.
func Decode(buf []byte) (*Frame, error) {
	typ, flags, length, streamID, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{Type: typ, Flags: flags, StreamID: streamID, Payload: payload}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, StreamID=%d, PayloadLen=%d}",
		f.Type, f.Flags, f.StreamID, len(f.Payload))
}

// ============================================================================
// Control-plane payload structures. Per-stream frames (OpenStream, StreamAck,
// Data, CloseStream) carry their stream association in the header's StreamID
// field, not re-encoded in the payload.
// ============================================================================

// HandshakeFrame is the payload for a Handshake frame, sent by the client
// first on a freshly dialed control connection.
type HandshakeFrame struct {
	ClientNonce  [16]byte
	MinVersion   uint16
	MaxVersion   uint16
	TokenHash    []byte
	Capabilities []string
}

// Encode serializes HandshakeFrame to bytes.
func (h *HandshakeFrame) Encode() []byte {
	size := 16 + 2 + 2 + 2 + len(h.TokenHash) + 1
	for _, c := range h.Capabilities {
		size += 1 + len(c)
	}

	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], h.ClientNonce[:])
	offset += 16

	binary.BigEndian.PutUint16(buf[offset:], h.MinVersion)
	offset += 2
	binary.BigEndian.PutUint16(buf[offset:], h.MaxVersion)
	offset += 2

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.TokenHash)))
	offset += 2
	copy(buf[offset:], h.TokenHash)
	offset += len(h.TokenHash)

	buf[offset] = uint8(len(h.Capabilities))
	offset++
	for _, c := range h.Capabilities {
		buf[offset] = uint8(len(c))
		offset++
		copy(buf[offset:], c)
		offset += len(c)
	}

	return buf
}

// DecodeHandshakeFrame deserializes a HandshakeFrame from bytes.
func DecodeHandshakeFrame(buf []byte) (*HandshakeFrame, error) {
	if len(buf) < 16+2+2+2 {
		return nil, fmt.Errorf("%w: Handshake too short", ErrInvalidFrame)
	}

	h := &HandshakeFrame{}
	offset := 0

	copy(h.ClientNonce[:], buf[offset:offset+16])
	offset += 16

	h.MinVersion = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	h.MaxVersion = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	tokenLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if tokenLen > MaxTokenHashBytes || offset+tokenLen > len(buf) {
		return nil, fmt.Errorf("%w: Handshake token truncated", ErrInvalidFrame)
	}
	h.TokenHash = make([]byte, tokenLen)
	copy(h.TokenHash, buf[offset:offset+tokenLen])
	offset += tokenLen

	if offset >= len(buf) {
		return nil, fmt.Errorf("%w: Handshake capabilities missing", ErrInvalidFrame)
	}
	capCount := int(buf[offset])
	offset++

	h.Capabilities = make([]string, 0, capCount)
	for i := 0; i < capCount; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: Handshake capabilities truncated", ErrInvalidFrame)
		}
		strLen := int(buf[offset])
		offset++
		if offset+strLen > len(buf) {
			return nil, fmt.Errorf("%w: Handshake capability string truncated", ErrInvalidFrame)
		}
		h.Capabilities = append(h.Capabilities, string(buf[offset:offset+strLen]))
		offset += strLen
	}

	return h, nil
}

// HandshakeAckFrame is the payload for a HandshakeAck frame, the server's
// reply to Handshake.
type HandshakeAckFrame struct {
	ServerNonce  [16]byte
	SessionID    SessionID
	Status       HandshakeStatus
	Version      uint16
	Capabilities []string
}

// Encode serializes HandshakeAckFrame to bytes.
func (h *HandshakeAckFrame) Encode() []byte {
	size := 16 + 16 + 1 + 2 + 1
	for _, c := range h.Capabilities {
		size += 1 + len(c)
	}

	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], h.ServerNonce[:])
	offset += 16
	copy(buf[offset:], h.SessionID[:])
	offset += 16

	buf[offset] = uint8(h.Status)
	offset++
	binary.BigEndian.PutUint16(buf[offset:], h.Version)
	offset += 2

	buf[offset] = uint8(len(h.Capabilities))
	offset++
	for _, c := range h.Capabilities {
		buf[offset] = uint8(len(c))
		offset++
		copy(buf[offset:], c)
		offset += len(c)
	}

	return buf
}

// DecodeHandshakeAckFrame deserializes a HandshakeAckFrame from bytes.
func DecodeHandshakeAckFrame(buf []byte) (*HandshakeAckFrame, error) {
	if len(buf) < 16+16+1+2+1 {
		return nil, fmt.Errorf("%w: HandshakeAck too short", ErrInvalidFrame)
	}

	h := &HandshakeAckFrame{}
	offset := 0

	copy(h.ServerNonce[:], buf[offset:offset+16])
	offset += 16
	copy(h.SessionID[:], buf[offset:offset+16])
	offset += 16

	h.Status = HandshakeStatus(buf[offset])
	offset++
	h.Version = binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	capCount := int(buf[offset])
	offset++

	h.Capabilities = make([]string, 0, capCount)
	for i := 0; i < capCount; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: HandshakeAck capabilities truncated", ErrInvalidFrame)
		}
		strLen := int(buf[offset])
		offset++
		if offset+strLen > len(buf) {
			return nil, fmt.Errorf("%w: HandshakeAck capability string truncated", ErrInvalidFrame)
		}
		h.Capabilities = append(h.Capabilities, string(buf[offset:offset+strLen]))
		offset += strLen
	}

	return h, nil
}

// RegisterFrame is the payload for a Register frame, requesting that a
// named service be exposed under a tunnel.
type RegisterFrame struct {
	ProposedTunnel TunnelID
	ServiceName    string
	Protocol       StreamProtocol
	Metadata       map[string]string
}

// Encode serializes RegisterFrame to bytes.
func (r *RegisterFrame) Encode() []byte {
	size := 16 + 1 + len(r.ServiceName) + 1 + 2
	for k, v := range r.Metadata {
		size += 1 + len(k) + 2 + len(v)
	}

	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], r.ProposedTunnel[:])
	offset += 16

	buf[offset] = uint8(len(r.ServiceName))
	offset++
	copy(buf[offset:], r.ServiceName)
	offset += len(r.ServiceName)

	buf[offset] = uint8(r.Protocol)
	offset++

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(r.Metadata)))
	offset += 2
	for k, v := range r.Metadata {
		buf[offset] = uint8(len(k))
		offset++
		copy(buf[offset:], k)
		offset += len(k)

		binary.BigEndian.PutUint16(buf[offset:], uint16(len(v)))
		offset += 2
		copy(buf[offset:], v)
		offset += len(v)
	}

	return buf[:offset]
}

// DecodeRegisterFrame deserializes a RegisterFrame from bytes.
func DecodeRegisterFrame(buf []byte) (*RegisterFrame, error) {
	if len(buf) < 16+1 {
		return nil, fmt.Errorf("%w: Register too short", ErrInvalidFrame)
	}

	r := &RegisterFrame{}
	offset := 0

	copy(r.ProposedTunnel[:], buf[offset:offset+16])
	offset += 16

	nameLen := int(buf[offset])
	offset++
	if offset+nameLen+1 > len(buf) {
		return nil, fmt.Errorf("%w: Register service name truncated", ErrInvalidFrame)
	}
	r.ServiceName = string(buf[offset : offset+nameLen])
	offset += nameLen

	r.Protocol = StreamProtocol(buf[offset])
	offset++

	if offset+2 > len(buf) {
		return nil, fmt.Errorf("%w: Register metadata count missing", ErrInvalidFrame)
	}
	metaCount := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	r.Metadata = make(map[string]string, metaCount)
	for i := 0; i < metaCount; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: Register metadata truncated", ErrInvalidFrame)
		}
		keyLen := int(buf[offset])
		offset++
		if offset+keyLen+2 > len(buf) {
			return nil, fmt.Errorf("%w: Register metadata key truncated", ErrInvalidFrame)
		}
		key := string(buf[offset : offset+keyLen])
		offset += keyLen

		valLen := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+valLen > len(buf) {
			return nil, fmt.Errorf("%w: Register metadata value truncated", ErrInvalidFrame)
		}
		r.Metadata[key] = string(buf[offset : offset+valLen])
		offset += valLen
	}

	return r, nil
}

// RegisterAckFrame is the payload for a RegisterAck frame, the server's
// reply to Register.
type RegisterAckFrame struct {
	Status    RegisterStatus
	TunnelID  TunnelID
	PublicURL string
}

// Encode serializes RegisterAckFrame to bytes.
func (r *RegisterAckFrame) Encode() []byte {
	buf := make([]byte, 1+16+2+len(r.PublicURL))
	offset := 0

	buf[offset] = uint8(r.Status)
	offset++
	copy(buf[offset:], r.TunnelID[:])
	offset += 16

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(r.PublicURL)))
	offset += 2
	copy(buf[offset:], r.PublicURL)

	return buf
}

// DecodeRegisterAckFrame deserializes a RegisterAckFrame from bytes.
func DecodeRegisterAckFrame(buf []byte) (*RegisterAckFrame, error) {
	if len(buf) < 1+16+2 {
		return nil, fmt.Errorf("%w: RegisterAck too short", ErrInvalidFrame)
	}

	r := &RegisterAckFrame{}
	offset := 0

	r.Status = RegisterStatus(buf[offset])
	offset++
	copy(r.TunnelID[:], buf[offset:offset+16])
	offset += 16

	urlLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+urlLen > len(buf) {
		return nil, fmt.Errorf("%w: RegisterAck public URL truncated", ErrInvalidFrame)
	}
	r.PublicURL = string(buf[offset : offset+urlLen])

	return r, nil
}

// OpenStreamFrame is the payload for an OpenStream frame. The stream ID
// lives in the frame header.
type OpenStreamFrame struct {
	Protocol StreamProtocol
	Priority Priority
	Metadata map[string]string
}

// Encode serializes OpenStreamFrame to bytes.
func (o *OpenStreamFrame) Encode() []byte {
	size := 1 + 1 + 2
	for k, v := range o.Metadata {
		size += 1 + len(k) + 2 + len(v)
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = uint8(o.Protocol)
	offset++
	buf[offset] = uint8(o.Priority)
	offset++

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(o.Metadata)))
	offset += 2
	for k, v := range o.Metadata {
		buf[offset] = uint8(len(k))
		offset++
		copy(buf[offset:], k)
		offset += len(k)

		binary.BigEndian.PutUint16(buf[offset:], uint16(len(v)))
		offset += 2
		copy(buf[offset:], v)
		offset += len(v)
	}

	return buf[:offset]
}

// DecodeOpenStreamFrame deserializes an OpenStreamFrame from bytes.
func DecodeOpenStreamFrame(buf []byte) (*OpenStreamFrame, error) {
	if len(buf) < 1+1+2 {
		return nil, fmt.Errorf("%w: OpenStream too short", ErrInvalidFrame)
	}

	o := &OpenStreamFrame{}
	offset := 0

	o.Protocol = StreamProtocol(buf[offset])
	offset++
	o.Priority = Priority(buf[offset])
	offset++

	metaCount := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	o.Metadata = make(map[string]string, metaCount)
	for i := 0; i < metaCount; i++ {
		if offset >= len(buf) {
			return nil, fmt.Errorf("%w: OpenStream metadata truncated", ErrInvalidFrame)
		}
		keyLen := int(buf[offset])
		offset++
		if offset+keyLen+2 > len(buf) {
			return nil, fmt.Errorf("%w: OpenStream metadata key truncated", ErrInvalidFrame)
		}
		key := string(buf[offset : offset+keyLen])
		offset += keyLen

		valLen := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+valLen > len(buf) {
			return nil, fmt.Errorf("%w: OpenStream metadata value truncated", ErrInvalidFrame)
		}
		o.Metadata[key] = string(buf[offset : offset+valLen])
		offset += valLen
	}

	return o, nil
}

// StreamAckFrame is the payload for a StreamAck frame.
type StreamAckFrame struct {
	Status StreamAckStatus
}

// Encode serializes StreamAckFrame to bytes.
func (s *StreamAckFrame) Encode() []byte {
	return []byte{uint8(s.Status)}
}

// DecodeStreamAckFrame deserializes a StreamAckFrame from bytes.
func DecodeStreamAckFrame(buf []byte) (*StreamAckFrame, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: StreamAck too short", ErrInvalidFrame)
	}
	return &StreamAckFrame{Status: StreamAckStatus(buf[0])}, nil
}

// CloseStreamFrame is the payload for a CloseStream frame.
type CloseStreamFrame struct {
	Reason CloseReason
}

// Encode serializes CloseStreamFrame to bytes.
func (c *CloseStreamFrame) Encode() []byte {
	return []byte{uint8(c.Reason)}
}

// DecodeCloseStreamFrame deserializes a CloseStreamFrame from bytes.
func DecodeCloseStreamFrame(buf []byte) (*CloseStreamFrame, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: CloseStream too short", ErrInvalidFrame)
	}
	return &CloseStreamFrame{Reason: CloseReason(buf[0])}, nil
}

// HeartbeatFrame is the payload shared by Heartbeat and HeartbeatAck.
type HeartbeatFrame struct {
	TimestampNanos uint64
}

// Encode serializes HeartbeatFrame to bytes.
func (h *HeartbeatFrame) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.TimestampNanos)
	return buf
}

// DecodeHeartbeatFrame deserializes a HeartbeatFrame from bytes.
func DecodeHeartbeatFrame(buf []byte) (*HeartbeatFrame, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Heartbeat too short", ErrInvalidFrame)
	}
	return &HeartbeatFrame{TimestampNanos: binary.BigEndian.Uint64(buf)}, nil
}

// ErrorFrame is the payload for an Error frame. StreamID 0 in the header
// means the error is process-scoped (session-fatal).
type ErrorFrame struct {
	Code    ErrorCode
	Message string
}

// Encode serializes ErrorFrame to bytes.
func (e *ErrorFrame) Encode() []byte {
	msg := e.Message
	if len(msg) > 255 {
		msg = msg[:255]
	}
	buf := make([]byte, 2+1+len(msg))
	binary.BigEndian.PutUint16(buf[0:], uint16(e.Code))
	buf[2] = uint8(len(msg))
	copy(buf[3:], msg)
	return buf
}

// DecodeErrorFrame deserializes an ErrorFrame from bytes.
func DecodeErrorFrame(buf []byte) (*ErrorFrame, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Error too short", ErrInvalidFrame)
	}
	e := &ErrorFrame{Code: ErrorCode(binary.BigEndian.Uint16(buf[0:]))}
	msgLen := int(buf[2])
	if 3+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: Error message truncated", ErrInvalidFrame)
	}
	e.Message = string(buf[3 : 3+msgLen])
	return e, nil
}

// PluginDataFrame is the payload for a PluginData frame, a side channel
// plugins can use to exchange application-defined data over the control
// connection. The mux terminates these frames and hands them to
// internal/plugin rather than forwarding them end-to-end.
type PluginDataFrame struct {
	PluginID string
	Data     []byte
}

// Encode serializes PluginDataFrame to bytes.
func (p *PluginDataFrame) Encode() []byte {
	buf := make([]byte, 1+len(p.PluginID)+len(p.Data))
	offset := 0
	buf[offset] = uint8(len(p.PluginID))
	offset++
	copy(buf[offset:], p.PluginID)
	offset += len(p.PluginID)
	copy(buf[offset:], p.Data)
	return buf
}

// DecodePluginDataFrame deserializes a PluginDataFrame from bytes.
func DecodePluginDataFrame(buf []byte) (*PluginDataFrame, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: PluginData too short", ErrInvalidFrame)
	}
	idLen := int(buf[0])
	if 1+idLen > len(buf) {
		return nil, fmt.Errorf("%w: PluginData id truncated", ErrInvalidFrame)
	}
	p := &PluginDataFrame{PluginID: string(buf[1 : 1+idLen])}
	p.Data = make([]byte, len(buf)-1-idLen)
	copy(p.Data, buf[1+idLen:])
	return p, nil
}
