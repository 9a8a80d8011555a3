package ingress

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/recovery"
	"github.com/MitulShah1/ferrotunnel/internal/registry"
)

// tcpCapableSession is the view a TCPServer needs of a registered session:
// its advertised capabilities (to find one willing to carry raw TCP) and
// the means to open a stream on it. Declared locally rather than imported
// from session, same narrowing openStreamer uses.
type tcpCapableSession interface {
	openStreamer
	PeerCapabilities() []string
}

// tcpCapability is the feature string a client advertises in its Handshake
// to offer itself as a raw-TCP forwarding target, matching the original
// implementation's "find_multiplexer_with_capability(\"tcp\")" selection.
const tcpCapability = "tcp"

// TCPServerConfig configures a TCPServer.
type TCPServerConfig struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// MaxConnections bounds concurrent raw-TCP ingress connections.
	MaxConnections int
	// StreamOpenTimeout bounds how long OpenStream waits for a StreamAck.
	StreamOpenTimeout time.Duration
}

func (c *TCPServerConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1000
	}
	if c.StreamOpenTimeout == 0 {
		c.StreamOpenTimeout = 10 * time.Second
	}
}

// TCPServer is the raw-TCP ingress named in spec §6's tcp_bind option:
// protocol-agnostic forwarding to whichever registered tunnel client has
// advertised the "tcp" capability, for upstreams like databases or SSH
// that aren't HTTP. Unlike the HTTP Ingress, there is no Host header to
// resolve a tunnel from, so routing is by capability rather than by name.
type TCPServer struct {
	cfg TCPServerConfig
	sem *limits.Semaphore
}

// NewTCPServer builds a TCPServer from cfg.
func NewTCPServer(cfg TCPServerConfig) *TCPServer {
	cfg.setDefaults()
	return &TCPServer{cfg: cfg, sem: limits.NewSemaphore(cfg.MaxConnections)}
}

// ListenAndServe binds addr and forwards every accepted connection until
// ctx is cancelled.
func (s *TCPServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.cfg.Logger.Info("tcp ingress listening", logging.KeyLocalAddr, addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	defer recovery.RecoverWithLog(s.cfg.Logger, "ingress.TCPServer.handle")

	if !s.sem.TryAcquire() {
		s.cfg.Logger.Warn("tcp ingress at capacity, rejecting connection", logging.KeyPeerAddr, conn.RemoteAddr().String())
		conn.Close()
		return
	}
	defer s.sem.Release()
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	streamer := s.findCapableSession()
	if streamer == nil {
		s.cfg.Metrics.TunnelNotFoundTotal.Inc()
		s.cfg.Logger.Warn("no registered tunnel advertises tcp capability", logging.KeyPeerAddr, conn.RemoteAddr().String())
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamOpenTimeout)
	stream, err := streamer.OpenStream(openCtx, protocol.ProtoTCP, protocol.PriorityNormal, nil, s.cfg.StreamOpenTimeout)
	cancel()
	if err != nil {
		s.cfg.Logger.Warn("tcp ingress open stream refused", logging.KeyError, err)
		return
	}
	defer streamer.Mux().CloseStream(stream.ID(), protocol.CloseComplete)

	s.cfg.Metrics.IngressActiveConns.Inc()
	defer s.cfg.Metrics.IngressActiveConns.Dec()

	streamConn := stream.Conn(ctx)
	done := make(chan struct{}, 2)
	go func() { io.Copy(streamConn, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, streamConn); done <- struct{}{} }()
	<-done
}

func (s *TCPServer) findCapableSession() tcpCapableSession {
	for _, sess := range s.cfg.Registry.List() {
		capable, ok := sess.(tcpCapableSession)
		if !ok {
			continue
		}
		for _, c := range capable.PeerCapabilities() {
			if c == tcpCapability {
				return capable
			}
		}
	}
	return nil
}
