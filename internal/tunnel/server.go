package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/registry"
	"github.com/MitulShah1/ferrotunnel/internal/session"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
)

// RegisterHandlerFunc adapts a plain function to a RegisterHandler.
type RegisterHandlerFunc func(req *protocol.RegisterFrame) (protocol.TunnelID, string, protocol.RegisterStatus)

func (f RegisterHandlerFunc) Register(req *protocol.RegisterFrame) (protocol.TunnelID, string, protocol.RegisterStatus) {
	return f(req)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Transport *transport.Transport
	Addr      string

	MinVersion, MaxVersion uint16
	Authenticator          TokenAuthenticator

	ServerLimits *limits.ServerLimits
	Registry     *registry.Registry

	// PublicURL builds the URL handed back to a client in RegisterAck for
	// the tunnel it was just granted.
	PublicURL func(protocol.TunnelID) string

	SessionConfig session.Config
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (c *ServerConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.PublicURL == nil {
		c.PublicURL = func(id protocol.TunnelID) string { return fmt.Sprintf("https://%s", id.String()) }
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
}

// Server binds a control-plane endpoint and runs the Handshake/Register
// exchange for each accepted transport, handing successfully registered
// connections to a Session (spec §4.7).
type Server struct {
	cfg ServerConfig
	ln  transport.Listener
}

// NewServer builds a Server from cfg. Call ListenAndServe to start it.
func NewServer(cfg ServerConfig) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg}
}

// ListenAndServe binds cfg.Addr and accepts connections until ctx is
// cancelled or the listener errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.cfg.Transport.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	defer ln.Close()

	s.cfg.Logger.Info("tunnel server listening", logging.KeyLocalAddr, ln.Addr().String())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.cfg.Logger.Warn("accept error", logging.KeyError, err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the listener's bound address. Only valid after
// ListenAndServe has started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting new connections. In-flight sessions are unaffected.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	permit, ok := s.cfg.ServerLimits.TryAcquireSession()
	if !ok {
		s.cfg.Metrics.SessionsRejectedBusy.Inc()
		s.cfg.Logger.Warn("rejecting connection: session capacity exhausted", logging.KeyPeerAddr, conn.RemoteAddr().String())
		conn.Close()
		return
	}

	sessCfg := s.cfg.SessionConfig
	sessCfg.IsServer = true
	sessCfg.Metrics = s.cfg.Metrics
	sess := session.New(conn, permit.StreamLimits(), permit, sessCfg)

	handshakeStart := time.Now()

	var (
		registeredTunnel protocol.TunnelID
		didRegister      bool
	)
	registerFn := RegisterHandlerFunc(func(req *protocol.RegisterFrame) (protocol.TunnelID, string, protocol.RegisterStatus) {
		tunnelID := req.ProposedTunnel
		if tunnelID.IsZero() {
			tunnelID = protocol.NewTunnelID()
		}
		if err := s.cfg.Registry.Register(tunnelID, sess); err != nil {
			return tunnelID, "", protocol.RegisterConflict
		}
		registeredTunnel, didRegister = tunnelID, true
		return tunnelID, s.cfg.PublicURL(tunnelID), protocol.RegisterOk
	})

	result, err := ServerHandshake(conn, ServerHandshakeConfig{
		MinVersion:    s.cfg.MinVersion,
		MaxVersion:    s.cfg.MaxVersion,
		Authenticator: s.cfg.Authenticator,
		Register:      registerFn,
		HasCapacity:   func() bool { return true }, // already reserved above
	})
	if err != nil {
		if didRegister {
			s.cfg.Registry.Deregister(registeredTunnel, sess)
		}
		permit.Release()
		conn.Close()
		failureStatus := "error"
		if errors.Is(err, ErrUnauthorized) {
			failureStatus = "unauthorized"
		} else {
			s.cfg.Logger.Warn("handshake failed", logging.KeyPeerAddr, conn.RemoteAddr().String(), logging.KeyError, err)
		}
		s.cfg.Metrics.HandshakeFailures.WithLabelValues(failureStatus).Inc()
		return
	}
	s.cfg.Metrics.HandshakeLatency.Observe(time.Since(handshakeStart).Seconds())

	sess.SetIdentity(result.SessionID, result.TunnelID)
	sess.SetPeerCapabilities(result.PeerCapabilities)
	sess.MarkRegistered()
	s.cfg.Logger.Info("session registered",
		logging.KeySessionID, result.SessionID.String(),
		logging.KeyTunnelID, result.TunnelID.String(),
		logging.KeyPeerAddr, conn.RemoteAddr().String())

	s.cfg.Metrics.SessionsTotal.Inc()
	s.cfg.Metrics.SessionsActive.Inc()
	defer s.cfg.Metrics.SessionsActive.Dec()

	defer s.cfg.Registry.Deregister(result.TunnelID, sess)
	sess.Run(ctx)
}
