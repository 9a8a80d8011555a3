package mux

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

// ErrTooManyStreams is returned by Open when the session's stream limit has
// been reached.
var ErrTooManyStreams = errors.New("mux: stream limit reached")

// ErrStreamRateLimited is returned by Open/Accept when the session's
// per-second stream-open rate limiter, not its stream-count ceiling,
// refused admission.
var ErrStreamRateLimited = errors.New("mux: stream open rate limited")

// ErrUnknownStream is returned when a frame references a stream ID this
// multiplexer never allocated or already removed.
var ErrUnknownStream = errors.New("mux: unknown stream")

// mruSize is the number of most-recently-used stream lookups cached ahead
// of the map. Get checks them under the read lock, so consecutive Data
// frames for the same one or two streams skip the map lookup and the
// write-locked MRU update.
const mruSize = 2

// Multiplexer owns the stream-ID space and stream table for one session's
// control connection. One Multiplexer exists per session.
type Multiplexer struct {
	sender      frameSender
	streamLimit *limits.StreamLimits

	nextStreamID atomic.Uint64 // opener-allocated, monotonic, 0 reserved for control

	mu      sync.RWMutex
	streams map[uint64]*Stream
	mru     [mruSize]*Stream
}

// New creates a Multiplexer that writes frames via sender and admits
// streams through streamLimit.
func New(sender frameSender, streamLimit *limits.StreamLimits) *Multiplexer {
	m := &Multiplexer{
		sender:      sender,
		streamLimit: streamLimit,
		streams:     make(map[uint64]*Stream),
	}
	m.nextStreamID.Store(protocol.ControlStreamID + 1)
	return m
}

// Open allocates a new locally-initiated stream, admitting it against the
// session's stream limit. The caller is responsible for sending the
// OpenStream frame and, once a StreamAck confirms it, calling Activate.
func (m *Multiplexer) Open(proto protocol.StreamProtocol, priority protocol.Priority, metadata map[string]string) (*Stream, error) {
	rateLimited, permit, ok := m.streamLimit.TryAcquireStreamRate()
	if !ok {
		if rateLimited {
			return nil, ErrStreamRateLimited
		}
		return nil, ErrTooManyStreams
	}

	id := m.nextStreamID.Add(1) - 1
	s := newStream(id, proto, priority, metadata, m.sender, permit, m.streamLimit)

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()

	return s, nil
}

// Accept registers a remotely-initiated stream under an ID chosen by the
// peer (the OpenStream frame's header StreamID), admitting it against the
// session's stream limit.
func (m *Multiplexer) Accept(id uint64, proto protocol.StreamProtocol, priority protocol.Priority, metadata map[string]string) (*Stream, error) {
	rateLimited, permit, ok := m.streamLimit.TryAcquireStreamRate()
	if !ok {
		if rateLimited {
			return nil, ErrStreamRateLimited
		}
		return nil, ErrTooManyStreams
	}

	s := newStream(id, proto, priority, metadata, m.sender, permit, m.streamLimit)
	s.Open()

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get looks up a stream by ID, checking the MRU cache before the map.
func (m *Multiplexer) Get(id uint64) (*Stream, bool) {
	m.mu.RLock()
	for _, s := range m.mru {
		if s != nil && s.id == id {
			m.mu.RUnlock()
			return s, true
		}
	}
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if ok {
		m.touchMRU(s)
	}
	return s, ok
}

func (m *Multiplexer) touchMRU(s *Stream) {
	m.mu.Lock()
	if m.mru[0] != s {
		m.mru[1] = m.mru[0]
		m.mru[0] = s
	}
	m.mu.Unlock()
}

// Remove deletes a stream from the table and closes it, releasing its
// StreamPermit. Safe to call more than once for the same ID. It does not
// itself notify the peer; callers that complete a stream locally should use
// CloseStream instead so the wire reflects why the stream ended.
func (m *Multiplexer) Remove(id uint64) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		for i, c := range m.mru {
			if c == s {
				m.mru[i] = nil
			}
		}
	}
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// CloseStream sends a CloseStream frame carrying reason for id, then removes
// and closes the stream locally. This is the completion hook every stream
// consumer (ingress, upstream proxying) should call once it's done with a
// stream, instead of calling Stream.Close directly: Close alone tears the
// stream down on this side but leaves the table entry on the peer's side
// dangling forever, and never tells the peer why the stream ended.
func (m *Multiplexer) CloseStream(id uint64, reason protocol.CloseReason) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()

	if ok && s.IsOpen() {
		payload := (&protocol.CloseStreamFrame{Reason: reason}).Encode()
		m.sender.Enqueue(protocol.TypeCloseStream, 0, id, payload, protocol.PriorityCritical, nil)
	}
	m.Remove(id)
}

// DispatchData routes an inbound Data frame's payload to its stream,
// handling the FIN flag. Returns ErrUnknownStream if no such stream is
// registered, in which case the caller should release the payload itself.
func (m *Multiplexer) DispatchData(decoded *protocol.DecodedFrame) error {
	s, ok := m.Get(decoded.StreamID)
	if !ok {
		return ErrUnknownStream
	}

	if len(decoded.Payload) > 0 {
		if err := s.pushData(decoded.DataPayload()); err != nil {
			decoded.Release()
			return err
		}
	} else {
		decoded.Release()
	}

	if decoded.IsFin() {
		s.handleRemoteFin()
	}
	return nil
}

// DispatchClose handles an inbound CloseStream (abrupt reset) frame.
func (m *Multiplexer) DispatchClose(id uint64) {
	m.Remove(id)
}

// Count returns the number of live streams.
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// CloseAll writes a final CloseStream(Reset) for every stream still open
// and closes each one locally, e.g. when the owning session is torn down
// non-gracefully and there was no chance for callers to complete streams
// one at a time via CloseStream.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint64]*Stream)
	m.mru = [mruSize]*Stream{}
	m.mu.Unlock()

	reset := (&protocol.CloseStreamFrame{Reason: protocol.CloseReset}).Encode()
	for _, s := range streams {
		if s.IsOpen() {
			m.sender.Enqueue(protocol.TypeCloseStream, 0, s.ID(), reset, protocol.PriorityCritical, nil)
		}
		s.Close()
	}
}
