// Package session implements the Session: the per-connection state machine
// that owns a control connection's multiplexer, batched sender, and frame
// dispatch loop from handshake through teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/batch"
	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/recovery"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
	"github.com/MitulShah1/ferrotunnel/internal/tunnelerr"
)

// State is a position in the session lifecycle:
// Connecting -> Authenticating -> Registered -> Active -> Draining -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateActive
	StateDraining
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateRegistered:
		return "REGISTERED"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrSessionNotReady is returned by OpenStream before the session has
// reached at least Registered.
var ErrSessionNotReady = errors.New("session: not ready to open streams")

// GraceDelay bounds how long Close waits for the batched sender to drain
// already-queued frames before the transport is torn down (spec §4.5).
const GraceDelay = 500 * time.Millisecond

// Handler receives application-level events a Session cannot resolve on its
// own: streams the peer opened, and out-of-band plugin payloads. Satisfied
// by the ingress/upstream layers built on top of a Session.
type Handler interface {
	HandleAcceptedStream(s *Session, st *mux.Stream, open *protocol.OpenStreamFrame)
	HandlePluginData(s *Session, f *protocol.PluginDataFrame)
}

// Config configures a Session.
type Config struct {
	// IsServer selects which side initiates heartbeats (spec §4.5: the
	// server emits them; the client only answers unless ForceHeartbeats).
	IsServer          bool
	ForceHeartbeats   bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Handler Handler
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = protocol.DefaultHeartbeatTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
}

type pendingOpen struct {
	resultCh chan openResult
	timer    *time.Timer
}

type openResult struct {
	stream *mux.Stream
	err    error
}

// Session is one control connection: a peer identified by SessionID,
// carrying a Multiplexer's virtual streams over a single Batched Sender.
type Session struct {
	cfg Config

	id       protocol.SessionID
	tunnelID protocol.TunnelID

	peerCapabilities []string

	conn   transport.Conn
	sender *batch.Sender
	mux    *mux.Multiplexer
	permit *limits.SessionPermit

	state atomic.Int32

	lastActivity atomic.Int64 // UnixNano
	lastAckRTT   atomic.Int64 // nanoseconds

	mu            sync.Mutex
	pendingOpens  map[uint64]*pendingOpen
	nextRequestID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New wraps conn as a session. Call SetSessionID once the handshake
// assigns one, and Run to start the reader and heartbeat loops.
func New(conn transport.Conn, streamLimit *limits.StreamLimits, permit *limits.SessionPermit, cfg Config) *Session {
	cfg.setDefaults()

	sender := batch.NewSender(conn, cfg.Logger, cfg.Metrics)
	s := &Session{
		cfg:          cfg,
		conn:         conn,
		sender:       sender,
		permit:       permit,
		pendingOpens: make(map[uint64]*pendingOpen),
		closed:       make(chan struct{}),
	}
	s.mux = mux.New(sender, streamLimit)
	s.state.Store(int32(StateConnecting))
	s.touchActivity()
	return s
}

// SetIdentity records the session's assigned identifiers once known.
func (s *Session) SetIdentity(id protocol.SessionID, tunnelID protocol.TunnelID) {
	s.id = id
	s.tunnelID = tunnelID
}

// ID returns the session's identifier.
func (s *Session) ID() protocol.SessionID { return s.id }

// TunnelID returns the session's registered tunnel identifier.
func (s *Session) TunnelID() protocol.TunnelID { return s.tunnelID }

// SetPeerCapabilities records the feature strings the peer advertised
// during the handshake. The raw-TCP ingress routes to a session whose peer
// advertised "tcp"; no other engine path reads them.
func (s *Session) SetPeerCapabilities(caps []string) { s.peerCapabilities = caps }

// PeerCapabilities returns the feature strings the peer advertised during
// the handshake, if any.
func (s *Session) PeerCapabilities() []string { return s.peerCapabilities }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Mux exposes the session's multiplexer to the ingress/upstream layers.
func (s *Session) Mux() *mux.Multiplexer { return s.mux }

// LastActivity returns when a frame was last read from this session, or
// when the session was created if none has been read yet.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// RTT returns the last measured heartbeat round-trip time.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.lastAckRTT.Load())
}

// Run starts the session's background goroutines: the frame dispatcher and,
// for the heartbeat-initiating side, the heartbeat loop. Blocks until the
// session closes.
func (s *Session) Run(ctx context.Context) {
	s.sender.Start()
	s.setState(StateAuthenticating)

	s.wg.Add(1)
	go s.readLoop(ctx)

	if s.cfg.IsServer || s.cfg.ForceHeartbeats {
		s.wg.Add(1)
		go s.heartbeatLoop(ctx)
	}

	<-s.closed
	s.wg.Wait()
}

// MarkRegistered transitions Authenticating -> Registered once the
// handshake and register exchange both succeed.
func (s *Session) MarkRegistered() {
	s.setState(StateRegistered)
}

// markActiveOnce transitions Registered -> Active on the first exchanged
// heartbeat, per spec.
func (s *Session) markActiveOnce() {
	if s.State() == StateRegistered {
		s.setState(StateActive)
	}
}

// OpenStream asks the peer to open a new virtual stream, blocking until a
// StreamAck arrives or timeout elapses. Only the opener side of a stream
// calls this; the remote side learns about it from the OpenStream frame
// itself via Handler.HandleAcceptedStream.
func (s *Session) OpenStream(ctx context.Context, proto protocol.StreamProtocol, priority protocol.Priority, metadata map[string]string, timeout time.Duration) (*mux.Stream, error) {
	if st := s.State(); st != StateRegistered && st != StateActive {
		return nil, ErrSessionNotReady
	}
	start := time.Now()

	st, err := s.mux.Open(proto, priority, metadata)
	if err != nil {
		s.cfg.Metrics.StreamRefused.Inc()
		if errors.Is(err, mux.ErrStreamRateLimited) {
			s.cfg.Metrics.RateLimitedStreams.Inc()
		}
		return nil, err
	}

	payload := (&protocol.OpenStreamFrame{Protocol: proto, Priority: priority, Metadata: metadata}).Encode()

	resultCh := make(chan openResult, 1)
	timer := time.AfterFunc(timeout, func() { s.timeoutPendingOpen(st.ID()) })

	s.mu.Lock()
	s.pendingOpens[st.ID()] = &pendingOpen{resultCh: resultCh, timer: timer}
	s.mu.Unlock()

	if err := s.sender.Enqueue(protocol.TypeOpenStream, 0, st.ID(), payload, priority, nil); err != nil {
		s.removePendingOpen(st.ID())
		s.mux.Remove(st.ID())
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			s.mux.Remove(st.ID())
			s.cfg.Metrics.StreamRefused.Inc()
			return nil, res.err
		}
		st.Open()
		s.cfg.Metrics.StreamsOpened.Inc()
		s.cfg.Metrics.StreamsActive.Inc()
		s.cfg.Metrics.StreamOpenLatency.Observe(time.Since(start).Seconds())
		return st, nil
	case <-ctx.Done():
		s.removePendingOpen(st.ID())
		s.mux.Remove(st.ID())
		return nil, ctx.Err()
	}
}

func (s *Session) removePendingOpen(streamID uint64) *pendingOpen {
	s.mu.Lock()
	p, ok := s.pendingOpens[streamID]
	if ok {
		delete(s.pendingOpens, streamID)
	}
	s.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
	return p
}

func (s *Session) timeoutPendingOpen(streamID uint64) {
	p := s.removePendingOpen(streamID)
	if p == nil {
		return
	}
	p.resultCh <- openResult{err: tunnelerr.New(tunnelerr.KindTimeout, tunnelerr.ScopeStream, fmt.Errorf("stream %d: open timed out", streamID))}
}

func (s *Session) handleStreamAck(streamID uint64, f *protocol.StreamAckFrame) {
	p := s.removePendingOpen(streamID)
	if p == nil {
		return
	}
	if f.Status != protocol.StreamOk {
		p.resultCh <- openResult{err: tunnelerr.New(tunnelerr.KindCapacity, tunnelerr.ScopeStream, fmt.Errorf("peer refused stream %d", streamID))}
		return
	}
	st, ok := s.mux.Get(streamID)
	if !ok {
		p.resultCh <- openResult{err: tunnelerr.New(tunnelerr.KindProtocol, tunnelerr.ScopeStream, fmt.Errorf("ack for unknown stream %d", streamID))}
		return
	}
	p.resultCh <- openResult{stream: st}
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.cfg.Logger, "session.readLoop")
	defer s.Close(nil)

	r := protocol.NewFrameReader(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		decoded, err := r.Read()
		if err != nil {
			s.cfg.Logger.Debug("session read loop exiting", logging.KeyError, err)
			return
		}
		s.touchActivity()
		s.dispatch(decoded)
	}
}

func (s *Session) dispatch(decoded *protocol.DecodedFrame) {
	s.cfg.Metrics.FramesReceived.WithLabelValues(decoded.Type.String()).Inc()
	if decoded.Type == protocol.TypeData {
		s.cfg.Metrics.BytesReceived.Add(float64(len(decoded.Payload)))
	}

	switch decoded.Type {
	case protocol.TypeData:
		if err := s.mux.DispatchData(decoded); err != nil {
			if errors.Is(err, mux.ErrOverloaded) {
				s.cfg.Metrics.SessionsOverloaded.Inc()
				s.cfg.Logger.Warn("session exceeded inflight frame ceiling, tearing down",
					logging.KeyStreamID, decoded.StreamID)
				s.Close(tunnelerr.New(tunnelerr.KindOverload, tunnelerr.ScopeSession, err))
				return
			}
			s.cfg.Logger.Debug("dropped data frame for unknown stream", logging.KeyStreamID, decoded.StreamID, logging.KeyError, err)
		}

	case protocol.TypeOpenStream:
		defer decoded.Release()
		f, err := protocol.DecodeOpenStreamFrame(decoded.Payload)
		if err != nil {
			s.cfg.Logger.Warn("malformed OpenStream frame", logging.KeyError, err)
			return
		}
		st, err := s.mux.Accept(decoded.StreamID, f.Protocol, f.Priority, f.Metadata)
		status := protocol.StreamOk
		if err != nil {
			status = protocol.StreamRefused
			s.cfg.Metrics.StreamRefused.Inc()
			if errors.Is(err, mux.ErrStreamRateLimited) {
				s.cfg.Metrics.RateLimitedStreams.Inc()
			}
		}
		ackPayload := (&protocol.StreamAckFrame{Status: status}).Encode()
		s.sender.Enqueue(protocol.TypeStreamAck, 0, decoded.StreamID, ackPayload, protocol.PriorityHigh, nil)
		if err == nil {
			s.cfg.Metrics.StreamsOpened.Inc()
			s.cfg.Metrics.StreamsActive.Inc()
			if s.cfg.Handler != nil {
				s.cfg.Handler.HandleAcceptedStream(s, st, f)
			}
		}

	case protocol.TypeStreamAck:
		defer decoded.Release()
		f, err := protocol.DecodeStreamAckFrame(decoded.Payload)
		if err != nil {
			s.cfg.Logger.Warn("malformed StreamAck frame", logging.KeyError, err)
			return
		}
		s.handleStreamAck(decoded.StreamID, f)

	case protocol.TypeCloseStream:
		s.cfg.Metrics.StreamsActive.Dec()
		s.cfg.Metrics.StreamsClosed.WithLabelValues("peer_closed").Inc()
		defer decoded.Release()
		s.mux.DispatchClose(decoded.StreamID)

	case protocol.TypeHeartbeat:
		defer decoded.Release()
		f, err := protocol.DecodeHeartbeatFrame(decoded.Payload)
		if err == nil {
			ackPayload := (&protocol.HeartbeatFrame{TimestampNanos: f.TimestampNanos}).Encode()
			s.sender.Enqueue(protocol.TypeHeartbeatAck, 0, protocol.ControlStreamID, ackPayload, protocol.PriorityCritical, nil)
		}
		s.markActiveOnce()

	case protocol.TypeHeartbeatAck:
		defer decoded.Release()
		f, err := protocol.DecodeHeartbeatFrame(decoded.Payload)
		if err == nil {
			now := uint64(time.Now().UnixNano())
			if now > f.TimestampNanos {
				rtt := now - f.TimestampNanos
				s.lastAckRTT.Store(int64(rtt))
				s.cfg.Metrics.HeartbeatRTT.Observe(time.Duration(rtt).Seconds())
			}
		}
		s.markActiveOnce()

	case protocol.TypeError:
		defer decoded.Release()
		f, err := protocol.DecodeErrorFrame(decoded.Payload)
		if err != nil {
			return
		}
		s.cfg.Logger.Warn("peer sent error frame", "code", f.Code, "message", f.Message)
		if isFatalErrorCode(f.Code) {
			s.Close(fmt.Errorf("peer error %d: %s", f.Code, f.Message))
		}

	case protocol.TypePluginData:
		f, err := protocol.DecodePluginDataFrame(decoded.Payload)
		decoded.Release()
		if err != nil {
			return
		}
		if s.cfg.Handler != nil {
			s.cfg.Handler.HandlePluginData(s, f)
		}

	default:
		decoded.Release()
		s.cfg.Logger.Warn("unexpected frame type on control stream", "type", decoded.Type)
	}
}

func isFatalErrorCode(code protocol.ErrorCode) bool {
	switch code {
	case protocol.ErrProtocolViolation, protocol.ErrVersionMismatch:
		return true
	default:
		return false
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.cfg.Logger, "session.heartbeatLoop")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if s.State() == StateClosed || s.State() == StateDraining {
				return
			}
			if time.Since(s.LastActivity()) > s.cfg.HeartbeatInterval+s.cfg.HeartbeatTimeout {
				s.Close(fmt.Errorf("heartbeat timeout"))
				return
			}
			payload := (&protocol.HeartbeatFrame{TimestampNanos: uint64(time.Now().UnixNano())}).Encode()
			if err := s.sender.Enqueue(protocol.TypeHeartbeat, 0, protocol.ControlStreamID, payload, protocol.PriorityCritical, nil); err != nil {
				s.Close(err)
				return
			}
		}
	}
}

// Drain transitions the session to Draining: pending opens are refused and
// existing streams are allowed to finish, but the transport stays up until
// Close is called.
func (s *Session) Drain() {
	s.setState(StateDraining)
}

// Close runs the teardown cascade: reset every multiplexed stream, give the
// batched sender up to GraceDelay to flush, close the transport, and signal
// Run to return. cause may be nil for a clean, locally-requested close.
func (s *Session) Close(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		causeLabel := "clean"
		if cause != nil {
			causeLabel = "error"
		}
		s.cfg.Metrics.SessionsClosed.WithLabelValues(causeLabel).Inc()

		s.mu.Lock()
		for id, p := range s.pendingOpens {
			p.timer.Stop()
			p.resultCh <- openResult{err: tunnelerr.New(tunnelerr.KindTransport, tunnelerr.ScopeSession, fmt.Errorf("session closing"))}
			delete(s.pendingOpens, id)
		}
		s.mu.Unlock()

		s.mux.CloseAll()

		drained := make(chan struct{})
		go func() { s.sender.Close(); close(drained) }()
		select {
		case <-drained:
		case <-time.After(GraceDelay):
		}

		err = s.conn.Close()
		if s.permit != nil {
			s.permit.Release()
		}
		close(s.closed)

		if cause != nil {
			s.cfg.Logger.Info("session closed", logging.KeyError, cause)
		}
	})
	return err
}

// Done returns a channel closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// LocalAddr and RemoteAddr expose the underlying transport addresses.
func (s *Session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
