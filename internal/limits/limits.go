package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds a server's resource usage (spec §4.12). Zero values in the
// rate fields disable rate limiting on that axis.
type Config struct {
	MaxSessions          int
	MaxStreamsPerSession int
	MaxFrameBytes        int
	MaxInflightFrames    int

	StreamsPerSecond float64
	BytesPerSecond   float64
}

// DefaultConfig returns conservative defaults suitable for a small
// single-tenant deployment.
func DefaultConfig() Config {
	return Config{
		MaxSessions:          1024,
		MaxStreamsPerSession: 256,
		MaxFrameBytes:        16 * 1024 * 1024,
		MaxInflightFrames:    4096,
	}
}

// ServerLimits admits sessions and, per session, admits streams and
// frame-rate/byte-rate consumption.
type ServerLimits struct {
	cfg        Config
	sessionSem *Semaphore
}

// NewServerLimits creates ServerLimits from cfg.
func NewServerLimits(cfg Config) *ServerLimits {
	return &ServerLimits{cfg: cfg, sessionSem: NewSemaphore(cfg.MaxSessions)}
}

// TryAcquireSession attempts to admit a new session, returning a
// SessionPermit on success. Callers must Release the permit when the
// session ends.
func (l *ServerLimits) TryAcquireSession() (*SessionPermit, bool) {
	if !l.sessionSem.TryAcquire() {
		return nil, false
	}
	return &SessionPermit{sem: l.sessionSem, streamLimits: NewStreamLimits(l.cfg)}, true
}

// AvailableSessions returns the number of sessions that can still be
// admitted.
func (l *ServerLimits) AvailableSessions() int {
	return l.sessionSem.Available()
}

// Config returns the limits configuration.
func (l *ServerLimits) Config() Config {
	return l.cfg
}

// SessionPermit represents one admitted session's hold on server capacity,
// plus that session's own stream-admission and rate-limiting state.
type SessionPermit struct {
	sem          *Semaphore
	streamLimits *StreamLimits

	released sync.Once
}

// Release gives up the session slot. Safe to call more than once.
func (p *SessionPermit) Release() {
	p.released.Do(p.sem.Release)
}

// StreamLimits returns this session's per-stream admission and rate state.
func (p *SessionPermit) StreamLimits() *StreamLimits {
	return p.streamLimits
}

// StreamLimits admits streams within one session and, if configured, rate
// limits stream opens and byte throughput. It also tracks the session-wide
// inflight-frame ceiling: frames admitted onto a stream's read queue but not
// yet consumed by the application (spec's bounded-memory requirement).
type StreamLimits struct {
	streamSem   *Semaphore
	inflightSem *Semaphore // nil when MaxInflightFrames is unset (unbounded)

	streamLimiter *rate.Limiter
	byteLimiter   *rate.Limiter
}

// NewStreamLimits creates StreamLimits from cfg.
func NewStreamLimits(cfg Config) *StreamLimits {
	sl := &StreamLimits{streamSem: NewSemaphore(cfg.MaxStreamsPerSession)}

	if cfg.MaxInflightFrames > 0 {
		sl.inflightSem = NewSemaphore(cfg.MaxInflightFrames)
	}
	if cfg.StreamsPerSecond > 0 {
		burst := int(cfg.StreamsPerSecond)
		if burst < 1 {
			burst = 1
		}
		sl.streamLimiter = rate.NewLimiter(rate.Limit(cfg.StreamsPerSecond), burst)
	}
	if cfg.BytesPerSecond > 0 {
		burst := int(cfg.BytesPerSecond)
		if burst < 1 {
			burst = 1
		}
		sl.byteLimiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)
	}

	return sl
}

// TryAcquireStream attempts to admit a new stream, returning a StreamPermit
// on success.
func (s *StreamLimits) TryAcquireStream() (*StreamPermit, bool) {
	_, permit, ok := s.TryAcquireStreamRate()
	return permit, ok
}

// TryAcquireStreamRate is TryAcquireStream but also reports whether a
// failure was specifically caused by the per-second rate limiter, as opposed
// to the session's stream-count ceiling, so callers can attribute the
// rejection to the right metric.
func (s *StreamLimits) TryAcquireStreamRate() (rateLimited bool, permit *StreamPermit, ok bool) {
	if s.streamLimiter != nil && !s.streamLimiter.Allow() {
		return true, nil, false
	}
	if !s.streamSem.TryAcquire() {
		return false, nil, false
	}
	return false, &StreamPermit{sem: s.streamSem}, true
}

// TryAcquireFrame admits one inflight frame against the session-wide
// max_inflight_frames ceiling. Always succeeds when the ceiling is unset.
func (s *StreamLimits) TryAcquireFrame() bool {
	if s == nil || s.inflightSem == nil {
		return true
	}
	return s.inflightSem.TryAcquire()
}

// ReleaseFrame gives back one inflight-frame slot once a frame has been
// consumed (read off a stream's queue) or discarded without ever reaching
// the application.
func (s *StreamLimits) ReleaseFrame() {
	if s == nil || s.inflightSem == nil {
		return
	}
	s.inflightSem.Release()
}

// InflightFrames returns the number of frames currently admitted but not
// yet consumed, for diagnostics.
func (s *StreamLimits) InflightFrames() int {
	if s == nil || s.inflightSem == nil {
		return 0
	}
	return s.inflightSem.InUse()
}

// AllowBytes reports whether n bytes are within the session's byte-rate
// budget right now. Call before writing a Data frame's payload to the
// stream queue; when it returns false the caller should apply backpressure
// rather than drop the frame.
func (s *StreamLimits) AllowBytes(n int) bool {
	if s.byteLimiter == nil {
		return true
	}
	return s.byteLimiter.AllowN(time.Now(), n)
}

// AvailableStreams returns the number of streams that can still be opened
// in this session.
func (s *StreamLimits) AvailableStreams() int {
	return s.streamSem.Available()
}

// StreamPermit represents one admitted stream's hold on its session's
// stream capacity.
type StreamPermit struct {
	sem      *Semaphore
	released sync.Once
}

// Release gives up the stream slot. Safe to call more than once.
func (p *StreamPermit) Release() {
	p.released.Do(p.sem.Release)
}
