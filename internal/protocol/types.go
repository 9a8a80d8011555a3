// Package protocol defines the wire protocol for the tunnel control plane.
package protocol

import "time"

// FrameType identifies the wire-level variant of a Frame.
type FrameType uint8

const (
	TypeHandshake FrameType = iota + 1
	TypeHandshakeAck
	TypeRegister
	TypeRegisterAck
	TypeOpenStream
	TypeStreamAck
	TypeData
	TypeCloseStream
	TypeHeartbeat
	TypeHeartbeatAck
	TypeError
	TypePluginData
)

// String returns a debug name for the frame type.
func (t FrameType) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case TypeRegister:
		return "REGISTER"
	case TypeRegisterAck:
		return "REGISTER_ACK"
	case TypeOpenStream:
		return "OPEN_STREAM"
	case TypeStreamAck:
		return "STREAM_ACK"
	case TypeData:
		return "DATA"
	case TypeCloseStream:
		return "CLOSE_STREAM"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatAck:
		return "HEARTBEAT_ACK"
	case TypeError:
		return "ERROR"
	case TypePluginData:
		return "PLUGIN_DATA"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus is the outcome of a Handshake carried in HandshakeAck.
type HandshakeStatus uint8

const (
	HandshakeOk HandshakeStatus = iota
	HandshakeVersionMismatch
	HandshakeUnauthorized
	HandshakeBusy
)

// RegisterStatus is the outcome of a Register carried in RegisterAck.
type RegisterStatus uint8

const (
	RegisterOk RegisterStatus = iota
	RegisterConflict
	RegisterInvalid
)

// StreamAckStatus is the outcome of an OpenStream carried in StreamAck.
type StreamAckStatus uint8

const (
	StreamOk StreamAckStatus = iota
	StreamRefused
)

// StreamProtocol identifies what a virtual stream carries.
type StreamProtocol uint8

const (
	ProtoHTTP1 StreamProtocol = iota + 1
	ProtoHTTP2
	ProtoWebSocket
	ProtoTCP
)

// String returns a debug name for the stream protocol.
func (p StreamProtocol) String() string {
	switch p {
	case ProtoHTTP1:
		return "HTTP1"
	case ProtoHTTP2:
		return "HTTP2"
	case ProtoWebSocket:
		return "WEBSOCKET"
	case ProtoTCP:
		return "TCP"
	default:
		return "UNKNOWN"
	}
}

// CloseReason explains why a stream was closed.
type CloseReason uint8

const (
	CloseComplete CloseReason = iota
	CloseReset
	CloseUpstreamUnreachable
)

// String returns a debug name for the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseComplete:
		return "COMPLETE"
	case CloseReset:
		return "RESET"
	case CloseUpstreamUnreachable:
		return "UPSTREAM_UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Data frame flags.
const (
	FlagFin uint8 = 0x01
)

// Protocol-level fatal error codes carried in an Error frame.
type ErrorCode uint16

const (
	ErrUnknownFrameType ErrorCode = iota + 1
	ErrCodeFrameTooLarge
	ErrProtocolViolation
	ErrOverloaded
	ErrVersionMismatch
)

// Priority classes a stream can be opened with. The Batched Sender (internal/batch)
// honors these at flush time; the Multiplexer never reorders inbound frames.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a debug name for the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Protocol constants (spec.md §3, §4.1).
const (
	// CurrentVersion is the highest protocol version this implementation speaks.
	CurrentVersion uint16 = 1

	// MinSupportedVersion is the lowest protocol version this implementation speaks.
	MinSupportedVersion uint16 = 1

	// HeaderSize is the fixed outer wire header:
	// | Type(1) | Flags(1) | Length(4 BE) | StreamID(8 BE) |
	// Length counts payload bytes only, not the header itself.
	HeaderSize = 14

	// MaxFrameBytes is the hard ceiling on a frame's payload length field.
	// Configurable lower per deployment via limits.Config.MaxFrameBytes.
	MaxFrameBytes = 16 * 1024 * 1024

	// ControlStreamID is reserved; stream ID 0 is never allocated to a virtual
	// stream and is used in the header for frames with no stream association.
	ControlStreamID uint64 = 0

	// MaxTokenHashBytes bounds the Handshake token_hash field (spec §4.7).
	MaxTokenHashBytes = 256
)

// DefaultHeartbeatInterval and DefaultHeartbeatTimeout are the spec's defaults (§4.5).
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
)
