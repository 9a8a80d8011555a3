package protocol

import (
	"crypto/rand"
	"encoding/hex"
)

// SessionID uniquely identifies a registered session for the lifetime of its
// control connection. Assigned by the server in HandshakeAck.
type SessionID [16]byte

// String returns the hex representation of the session ID.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the session ID is unset.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// NewSessionID generates a random session ID.
func NewSessionID() SessionID {
	var id SessionID
	_, _ = rand.Read(id[:])
	return id
}

// TunnelID uniquely identifies a registered tunnel (a public-facing hostname
// or path prefix mapped to a single session). Assigned by the server in
// RegisterAck, unless the client proposed one that the server accepted.
type TunnelID [16]byte

// String returns the hex representation of the tunnel ID.
func (id TunnelID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the tunnel ID is unset.
func (id TunnelID) IsZero() bool {
	return id == TunnelID{}
}

// NewTunnelID generates a random tunnel ID.
func NewTunnelID() TunnelID {
	var id TunnelID
	_, _ = rand.Read(id[:])
	return id
}

// ParseTunnelID decodes a hex-encoded tunnel ID.
func ParseTunnelID(s string) (TunnelID, error) {
	var id TunnelID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, ErrInvalidFrame
	}
	copy(id[:], b)
	return id, nil
}
