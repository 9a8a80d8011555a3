// Package mux implements the Multiplexer: the per-session map from stream
// ID to virtual stream, stream-ID allocation, and the stream state lattice.
package mux

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

// ErrOverloaded is returned by pushData when the session's inflight-frame
// ceiling (max_inflight_frames) is already saturated. The caller tears the
// whole session down rather than just dropping the one frame, since a
// saturated ceiling means the peer is outrunning every stream's consumer.
var ErrOverloaded = errors.New("mux: session inflight frame ceiling exceeded")

// State is a position in the stream lifecycle lattice:
// Idle/Opening -> Open -> HalfClosedLocal/HalfClosedRemote -> Closed.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateHalfClosedLocal  // we sent Data(fin)
	StateHalfClosedRemote // peer sent Data(fin)
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// frameSender is the narrow interface a Stream needs from its owning
// session to put bytes on the wire; satisfied by *batch.Sender.
type frameSender interface {
	Enqueue(typ protocol.FrameType, flags uint8, streamID uint64, payload []byte, priority protocol.Priority, release func()) error
}

// readQueueDepth bounds how many undelivered Data payloads a stream will
// hold before pushData applies backpressure to the frame dispatch loop —
// this is the mechanism that ultimately stalls the peer's sender once a
// slow consumer falls behind (spec §5's backpressure requirement).
const readQueueDepth = 128

// Stream is a single virtual stream multiplexed over one session's control
// connection.
type Stream struct {
	id       uint64
	protocol protocol.StreamProtocol
	priority protocol.Priority
	metadata map[string]string

	state atomic.Int32
	mu    sync.Mutex

	readCh    chan protocol.DataPayload
	closed    chan struct{}
	closeOnce sync.Once

	localFinWrite  bool
	remoteFinWrite bool
	remoteFinCh    chan struct{}

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
	createdAt time.Time

	sender frameSender
	permit *limits.StreamPermit
	limit  *limits.StreamLimits
}

func newStream(id uint64, proto protocol.StreamProtocol, priority protocol.Priority, metadata map[string]string, sender frameSender, permit *limits.StreamPermit, limit *limits.StreamLimits) *Stream {
	return &Stream{
		id:          id,
		protocol:    proto,
		priority:    priority,
		metadata:    metadata,
		readCh:      make(chan protocol.DataPayload, readQueueDepth),
		closed:      make(chan struct{}),
		remoteFinCh: make(chan struct{}),
		createdAt:   time.Now(),
		sender:      sender,
		permit:      permit,
		limit:       limit,
	}
}

// ID returns the stream's wire identifier.
func (s *Stream) ID() uint64 { return s.id }

// Protocol returns the application protocol this stream carries.
func (s *Stream) Protocol() protocol.StreamProtocol { return s.protocol }

// Priority returns the stream's flush priority class.
func (s *Stream) Priority() protocol.Priority { return s.priority }

// Metadata returns the metadata attached at OpenStream time (e.g. original
// Host header).
func (s *Stream) Metadata() map[string]string { return s.metadata }

// State returns the current lattice position.
func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) setState(st State) { s.state.Store(int32(st)) }

// Open transitions the stream from Opening to Open.
func (s *Stream) Open() { s.setState(StateOpen) }

// IsOpen reports whether the stream can still be read from or written to
// in at least one direction.
func (s *Stream) IsOpen() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// CanWrite reports whether local writes are still permitted.
func (s *Stream) CanWrite() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// CanRead reports whether local reads can still produce data.
func (s *Stream) CanRead() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal:
		return true
	default:
		return false
	}
}

// Write sends a Data frame carrying p, respecting priority ordering at the
// sender. fin marks this as the last frame this side will write.
func (s *Stream) Write(p []byte, fin bool) (int, error) {
	if !s.CanWrite() {
		return 0, io.ErrClosedPipe
	}

	var flags uint8
	if fin {
		flags = protocol.FlagFin
	}

	if err := s.sender.Enqueue(protocol.TypeData, flags, s.id, p, s.priority, nil); err != nil {
		return 0, err
	}
	s.bytesSent.Add(uint64(len(p)))

	if fin {
		s.closeWriteLocked()
	}
	return len(p), nil
}

// CloseWrite half-closes the write side by sending an empty Data frame with
// the FIN flag set, without touching the read side.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	already := s.localFinWrite
	s.mu.Unlock()
	if already {
		return nil
	}
	_, err := s.Write(nil, true)
	return err
}

func (s *Stream) closeWriteLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localFinWrite {
		return
	}
	s.localFinWrite = true

	switch s.State() {
	case StateOpen:
		s.setState(StateHalfClosedLocal)
	case StateHalfClosedRemote:
		s.setState(StateClosed)
	}
}

// handleRemoteFin processes a Data frame's FIN flag: no more reads will
// ever produce data after the read queue drains.
func (s *Stream) handleRemoteFin() {
	s.mu.Lock()
	if s.remoteFinWrite {
		s.mu.Unlock()
		return
	}
	s.remoteFinWrite = true
	s.mu.Unlock()

	close(s.remoteFinCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateOpen:
		s.setState(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		s.setState(StateClosed)
	}
}

// pushData queues an inbound Data payload. Returns io.EOF if the stream is
// already closed, signaling the caller (the session's frame dispatcher) to
// drop the frame and release its buffer immediately. Returns ErrOverloaded
// without queuing anything if the session's inflight-frame ceiling is
// already saturated; the caller tears the session down in that case.
func (s *Stream) pushData(p protocol.DataPayload) error {
	select {
	case <-s.closed:
		return io.EOF
	default:
	}

	if !s.limit.TryAcquireFrame() {
		return ErrOverloaded
	}

	select {
	case s.readCh <- p:
		s.bytesRecv.Add(uint64(len(p.Bytes())))
		return nil
	case <-s.closed:
		s.limit.ReleaseFrame()
		return io.EOF
	}
}

// Read returns the next Data payload, blocking until one arrives, the
// stream closes, the remote half-closes with no buffered data left, or ctx
// is done. The caller owns the returned payload and must call Release once
// done with its bytes.
func (s *Stream) Read(ctx context.Context) (protocol.DataPayload, error) {
	select {
	case p := <-s.readCh:
		s.limit.ReleaseFrame()
		return p, nil
	default:
	}

	select {
	case <-ctx.Done():
		return protocol.DataPayload{}, ctx.Err()
	case <-s.closed:
		select {
		case p := <-s.readCh:
			s.limit.ReleaseFrame()
			return p, nil
		default:
			return protocol.DataPayload{}, io.EOF
		}
	case <-s.remoteFinCh:
		select {
		case p := <-s.readCh:
			s.limit.ReleaseFrame()
			return p, nil
		default:
			return protocol.DataPayload{}, io.EOF
		}
	case p := <-s.readCh:
		s.limit.ReleaseFrame()
		return p, nil
	}
}

// Close tears the stream down locally; buffered but undelivered Data
// payloads are released rather than leaked.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		for {
			select {
			case p := <-s.readCh:
				s.limit.ReleaseFrame()
				p.Release()
			default:
				if s.permit != nil {
					s.permit.Release()
				}
				return
			}
		}
	})
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// BytesSent and BytesRecv report cumulative payload byte counts, for
// metrics.
func (s *Stream) BytesSent() uint64 { return s.bytesSent.Load() }
func (s *Stream) BytesRecv() uint64 { return s.bytesRecv.Load() }

// CreatedAt returns when the stream was opened.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// Conn adapts the stream to an io.ReadWriteCloser of raw bytes, for callers
// (HTTP ingress, upstream proxying) that want to drive an existing byte-
// stream protocol — net/http's Request.Write, http.ReadResponse, or a
// plain io.Copy for WebSocket passthrough — straight over a virtual stream
// without thinking about frame boundaries. Reads block on ctx.
func (s *Stream) Conn(ctx context.Context) io.ReadWriteCloser {
	return &streamConn{st: s, ctx: ctx}
}

// streamConn buffers the tail of whatever protocol.DataPayload Read last
// pulled off the stream, since a caller's read buffer size rarely lines up
// with frame boundaries.
type streamConn struct {
	st  *Stream
	ctx context.Context

	cur     protocol.DataPayload
	off     int
	haveCur bool
}

func (c *streamConn) Read(p []byte) (int, error) {
	if !c.haveCur {
		payload, err := c.st.Read(c.ctx)
		if err != nil {
			return 0, err
		}
		c.cur, c.off, c.haveCur = payload, 0, true
	}

	b := c.cur.Bytes()
	n := copy(p, b[c.off:])
	c.off += n
	if c.off >= len(b) {
		c.cur.Release()
		c.haveCur = false
	}
	return n, nil
}

func (c *streamConn) Write(p []byte) (int, error) {
	return c.st.Write(p, false)
}

func (c *streamConn) Close() error {
	return c.st.CloseWrite()
}
