// Package tunnel implements the Tunnel Client and Tunnel Server: dialing or
// accepting a control connection, running the Handshake/Register wire
// exchange, and handing the result to a Session.
package tunnel

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
	"github.com/MitulShah1/ferrotunnel/internal/tunnelerr"
)

// ErrVersionMismatch is returned when no protocol version satisfies both
// sides' [min, max] ranges.
var ErrVersionMismatch = errors.New("tunnel: no compatible protocol version")

// HashToken derives the Handshake frame's token_hash field from a shared
// secret: the secret itself never goes on the wire, only its digest.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// ErrTokenTooLong rejects a token hash over protocol.MaxTokenHashBytes
// before it ever reaches the wire.
var ErrTokenTooLong = errors.New("tunnel: token hash exceeds maximum length")

// ErrUnauthorized is returned when the server rejects the client's token.
var ErrUnauthorized = errors.New("tunnel: token rejected by server")

// ErrBusy is returned when the server has no capacity for a new session.
var ErrBusy = errors.New("tunnel: server at capacity")

// ErrRegisterConflict is returned when the requested tunnel ID is already
// held by another live session.
var ErrRegisterConflict = errors.New("tunnel: tunnel id already registered")

// ErrRegisterInvalid is returned when the server rejects a malformed
// Register request.
var ErrRegisterInvalid = errors.New("tunnel: register request rejected")

// ClientHandshakeConfig carries what the client offers in the wire exchange.
type ClientHandshakeConfig struct {
	MinVersion, MaxVersion uint16
	TokenHash              []byte
	// TunnelID, if non-zero, asks the server to re-bind a previously
	// registered tunnel (reconnect after a dropped session).
	TunnelID    protocol.TunnelID
	ServiceName string
	Protocol    protocol.StreamProtocol
	Metadata    map[string]string
	// Capabilities is an advertised feature list (e.g. "tcp") round-tripped
	// through the handshake and exposed via Session.PeerCapabilities; the
	// raw-TCP ingress routes to a session whose peer advertised "tcp".
	Capabilities []string
}

// ClientResult is what a successful ClientHandshake negotiates.
type ClientResult struct {
	SessionID        protocol.SessionID
	TunnelID         protocol.TunnelID
	PublicURL        string
	Version          uint16
	PeerCapabilities []string
}

// ClientHandshake runs the client half of the wire exchange over conn:
// Handshake -> HandshakeAck -> Register -> RegisterAck. conn must already be
// connected; ClientHandshake does not dial.
func ClientHandshake(conn transport.Conn, cfg ClientHandshakeConfig) (*ClientResult, error) {
	if len(cfg.TokenHash) > protocol.MaxTokenHashBytes {
		return nil, ErrTokenTooLong
	}

	w := protocol.NewFrameWriter(conn)
	r := protocol.NewFrameReader(conn)

	var nonce [16]byte
	_, _ = rand.Read(nonce[:])

	hello := (&protocol.HandshakeFrame{
		ClientNonce:  nonce,
		MinVersion:   cfg.MinVersion,
		MaxVersion:   cfg.MaxVersion,
		TokenHash:    cfg.TokenHash,
		Capabilities: cfg.Capabilities,
	}).Encode()
	if err := w.Write(protocol.TypeHandshake, 0, protocol.ControlStreamID, hello); err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}

	ackFrame, err := r.Read()
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}
	defer ackFrame.Release()
	if ackFrame.Type != protocol.TypeHandshakeAck {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("expected HandshakeAck, got %v", ackFrame.Type))
	}
	ack, err := protocol.DecodeHandshakeAckFrame(ackFrame.Payload)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, err)
	}

	switch ack.Status {
	case protocol.HandshakeOk:
	case protocol.HandshakeVersionMismatch:
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrVersionMismatch)
	case protocol.HandshakeUnauthorized:
		return nil, tunnelerr.New(tunnelerr.KindAuthentication, tunnelerr.ScopeSession, ErrUnauthorized)
	case protocol.HandshakeBusy:
		return nil, tunnelerr.New(tunnelerr.KindOverload, tunnelerr.ScopeSession, ErrBusy)
	default:
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("unknown handshake status %d", ack.Status))
	}

	reg := (&protocol.RegisterFrame{
		ProposedTunnel: cfg.TunnelID,
		ServiceName:    cfg.ServiceName,
		Protocol:       cfg.Protocol,
		Metadata:       cfg.Metadata,
	}).Encode()
	if err := w.Write(protocol.TypeRegister, 0, protocol.ControlStreamID, reg); err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}

	regAckFrame, err := r.Read()
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}
	defer regAckFrame.Release()
	if regAckFrame.Type != protocol.TypeRegisterAck {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("expected RegisterAck, got %v", regAckFrame.Type))
	}
	regAck, err := protocol.DecodeRegisterAckFrame(regAckFrame.Payload)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, err)
	}

	switch regAck.Status {
	case protocol.RegisterOk:
	case protocol.RegisterConflict:
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrRegisterConflict)
	case protocol.RegisterInvalid:
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrRegisterInvalid)
	default:
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("unknown register status %d", regAck.Status))
	}

	return &ClientResult{
		SessionID:        ack.SessionID,
		TunnelID:         regAck.TunnelID,
		PublicURL:        regAck.PublicURL,
		Version:          ack.Version,
		PeerCapabilities: ack.Capabilities,
	}, nil
}

// TokenAuthenticator validates a client's token hash. Implementations must
// use a constant-time comparison; NewStaticTokenAuthenticator does.
type TokenAuthenticator interface {
	Authenticate(tokenHash []byte) bool
}

// staticTokenAuthenticator compares against a single pre-hashed secret.
type staticTokenAuthenticator struct {
	expected []byte
}

// NewStaticTokenAuthenticator builds a TokenAuthenticator around a single
// pre-hashed secret, compared with the client-supplied hash in constant
// time so response latency can't leak how many bytes matched.
func NewStaticTokenAuthenticator(expectedHash []byte) TokenAuthenticator {
	return &staticTokenAuthenticator{expected: expectedHash}
}

func (a *staticTokenAuthenticator) Authenticate(tokenHash []byte) bool {
	if len(tokenHash) != len(a.expected) {
		return false
	}
	return subtle.ConstantTimeCompare(tokenHash, a.expected) == 1
}

// RegisterHandler decides how the server answers a Register request: it
// picks (or confirms) the tunnel ID, checks it isn't already live, and
// returns the public URL to hand back in RegisterAck.
type RegisterHandler interface {
	Register(req *protocol.RegisterFrame) (tunnelID protocol.TunnelID, publicURL string, status protocol.RegisterStatus)
}

// ServerHandshakeConfig carries what the server offers/enforces in the wire
// exchange.
type ServerHandshakeConfig struct {
	MinVersion, MaxVersion uint16
	Authenticator          TokenAuthenticator
	Register               RegisterHandler
	// HasCapacity reports whether the server can admit another session;
	// checked before the token so a busy server doesn't leak whether a
	// token would otherwise have been accepted.
	HasCapacity func() bool
	// Capabilities is the server's own advertised feature list, echoed
	// back in HandshakeAck.
	Capabilities []string
}

// ServerResult is what a successful ServerHandshake negotiates.
type ServerResult struct {
	SessionID        protocol.SessionID
	TunnelID         protocol.TunnelID
	Version          uint16
	PeerCapabilities []string
}

// ServerHandshake runs the server half of the wire exchange over conn. It
// writes the terminal HandshakeAck/RegisterAck itself in every case,
// including rejection, then returns an error for the caller to log; conn is
// left open either way so the caller decides on its own teardown timing.
func ServerHandshake(conn transport.Conn, cfg ServerHandshakeConfig) (*ServerResult, error) {
	w := protocol.NewFrameWriter(conn)
	r := protocol.NewFrameReader(conn)

	helloFrame, err := r.Read()
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}
	defer helloFrame.Release()
	if helloFrame.Type != protocol.TypeHandshake {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("expected Handshake, got %v", helloFrame.Type))
	}
	hello, err := protocol.DecodeHandshakeFrame(helloFrame.Payload)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, err)
	}

	sessionID := protocol.NewSessionID()
	var serverNonce [16]byte
	_, _ = rand.Read(serverNonce[:])

	if cfg.HasCapacity != nil && !cfg.HasCapacity() {
		writeHandshakeAck(w, serverNonce, sessionID, protocol.HandshakeBusy, 0, cfg.Capabilities)
		return nil, tunnelerr.New(tunnelerr.KindOverload, tunnelerr.ScopeSession, ErrBusy)
	}

	chosenVer := minUint16(hello.MaxVersion, cfg.MaxVersion)
	if chosenVer < maxUint16(hello.MinVersion, cfg.MinVersion) {
		writeHandshakeAck(w, serverNonce, sessionID, protocol.HandshakeVersionMismatch, 0, cfg.Capabilities)
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrVersionMismatch)
	}

	if len(hello.TokenHash) > protocol.MaxTokenHashBytes || cfg.Authenticator == nil || !cfg.Authenticator.Authenticate(hello.TokenHash) {
		writeHandshakeAck(w, serverNonce, sessionID, protocol.HandshakeUnauthorized, chosenVer, cfg.Capabilities)
		return nil, tunnelerr.New(tunnelerr.KindAuthentication, tunnelerr.ScopeSession, ErrUnauthorized)
	}

	if err := writeHandshakeAck(w, serverNonce, sessionID, protocol.HandshakeOk, chosenVer, cfg.Capabilities); err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}

	regFrame, err := r.Read()
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}
	defer regFrame.Release()
	if regFrame.Type != protocol.TypeRegister {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, fmt.Errorf("expected Register, got %v", regFrame.Type))
	}
	reg, err := protocol.DecodeRegisterFrame(regFrame.Payload)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, err)
	}

	if cfg.Register == nil {
		writeRegisterAck(w, protocol.RegisterInvalid, protocol.TunnelID{}, "")
		return nil, tunnelerr.New(tunnelerr.KindConfiguration, tunnelerr.ScopeSession, errors.New("no register handler configured"))
	}
	tunnelID, publicURL, status := cfg.Register.Register(reg)
	if err := writeRegisterAck(w, status, tunnelID, publicURL); err != nil {
		return nil, tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, err)
	}
	if status != protocol.RegisterOk {
		if status == protocol.RegisterConflict {
			return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrRegisterConflict)
		}
		return nil, tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeSession, ErrRegisterInvalid)
	}

	return &ServerResult{SessionID: sessionID, TunnelID: tunnelID, Version: chosenVer, PeerCapabilities: hello.Capabilities}, nil
}

func writeHandshakeAck(w *protocol.FrameWriter, nonce [16]byte, sessionID protocol.SessionID, status protocol.HandshakeStatus, version uint16, capabilities []string) error {
	payload := (&protocol.HandshakeAckFrame{
		ServerNonce:  nonce,
		SessionID:    sessionID,
		Status:       status,
		Version:      version,
		Capabilities: capabilities,
	}).Encode()
	return w.Write(protocol.TypeHandshakeAck, 0, protocol.ControlStreamID, payload)
}

func writeRegisterAck(w *protocol.FrameWriter, status protocol.RegisterStatus, tunnelID protocol.TunnelID, publicURL string) error {
	payload := (&protocol.RegisterAckFrame{
		Status:    status,
		TunnelID:  tunnelID,
		PublicURL: publicURL,
	}).Encode()
	return w.Write(protocol.TypeRegisterAck, 0, protocol.ControlStreamID, payload)
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxUint16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
