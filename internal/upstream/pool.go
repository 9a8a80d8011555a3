// Package upstream bridges streams accepted on the tunnel client to the
// local upstream service, pooling connections so each proxied request
// doesn't pay a fresh TCP handshake (spec §4.9).
package upstream

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
)

// Config bounds the pool's idle-connection behavior.
type Config struct {
	MaxIdlePerHost int
	IdleTimeout    time.Duration
	PreferH2       bool
	DialTimeout    time.Duration
}

// DefaultConfig mirrors the original implementation's pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerHost: 32,
		IdleTimeout:    90 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Outcome tells Release what to do with a connection once a proxied
// exchange finishes.
type Outcome int

const (
	// OutcomeClean returns the connection to the pool.
	OutcomeClean Outcome = iota
	// OutcomeUpgraded means the connection was promoted out of HTTP (e.g.
	// to a raw WebSocket byte stream) and must not be reused as HTTP/1.1.
	OutcomeUpgraded
	// OutcomeError means the connection is in an unknown state and must
	// be dropped.
	OutcomeError
)

type idleConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// hostPool is one upstream (host, port)'s idle connections: a LIFO stack of
// HTTP/1.1 connections for cache warmth, plus at most one shared HTTP/2
// connection.
type hostPool struct {
	mu     sync.Mutex
	idle   []idleConn
	h2Conn *http2.ClientConn
}

// Pool is a set of per-upstream connection pools, keyed by "host:port".
// HTTP/1.1 connections idle in a LIFO stack; a background sweep evicts
// anything older than Config.IdleTimeout every 30s, started lazily at
// construction (the original implementation's pool.rs does the same).
type Pool struct {
	cfg     Config
	dialer  *net.Dialer
	h2      *http2.Transport
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	hosts map[string]*hostPool

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Pool with its own metrics instance and starts its eviction
// sweep. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Pool {
	return NewWithMetrics(cfg, logger, nil)
}

// NewWithMetrics is New with an explicit Metrics instance, for the process
// that already built one against its registry (cmd/tunnelcore-client).
func NewWithMetrics(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		dialer:  &net.Dialer{Timeout: cfg.DialTimeout},
		h2:      &http2.Transport{AllowHTTP: true},
		logger:  logger,
		metrics: m,
		hosts:   make(map[string]*hostPool),
		stop:    make(chan struct{}),
	}
	go p.evictionLoop()
	return p
}

func (p *Pool) hostPoolFor(key string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{}
		p.hosts[key] = hp
	}
	return hp
}

// AcquireH1 pops the most recently released idle connection for addr, or
// dials a new one if the pool is empty or every idle entry has expired.
func (p *Pool) AcquireH1(ctx context.Context, key, addr string) (net.Conn, error) {
	hp := p.hostPoolFor(key)

	hp.mu.Lock()
	for len(hp.idle) > 0 {
		ic := hp.idle[len(hp.idle)-1]
		hp.idle = hp.idle[:len(hp.idle)-1]
		p.metrics.PoolIdleConns.Dec()
		if time.Since(ic.lastUsed) < p.cfg.IdleTimeout {
			hp.mu.Unlock()
			p.metrics.PoolCheckouts.WithLabelValues("hit").Inc()
			return ic.conn, nil
		}
		ic.conn.Close()
	}
	hp.mu.Unlock()

	p.logger.Debug("dialing new upstream connection", logging.KeyUpstream, addr)
	p.metrics.PoolCheckouts.WithLabelValues("miss").Inc()
	p.metrics.PoolDials.Inc()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.metrics.PoolDialErrors.Inc()
	}
	return conn, err
}

// ReleaseH1 returns conn to key's idle stack, unless outcome says it can't
// be reused or the per-host limit is already full.
func (p *Pool) ReleaseH1(key string, conn net.Conn, outcome Outcome) {
	if outcome != OutcomeClean {
		conn.Close()
		return
	}

	hp := p.hostPoolFor(key)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if len(hp.idle) >= p.cfg.MaxIdlePerHost {
		conn.Close()
		return
	}
	hp.idle = append(hp.idle, idleConn{conn: conn, lastUsed: time.Now()})
	p.metrics.PoolIdleConns.Inc()
}

// AcquireH2 returns key's shared HTTP/2 connection, dialing and upgrading
// one if none exists yet or the existing one can't take more requests.
func (p *Pool) AcquireH2(ctx context.Context, key, addr string) (*http2.ClientConn, error) {
	hp := p.hostPoolFor(key)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.h2Conn != nil && hp.h2Conn.CanTakeNewRequest() {
		return hp.h2Conn, nil
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cc, err := p.h2.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	hp.h2Conn = cc
	return cc, nil
}

func (p *Pool) evictionLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.mu.Lock()
		kept := hp.idle[:0]
		for _, ic := range hp.idle {
			if time.Since(ic.lastUsed) < p.cfg.IdleTimeout {
				kept = append(kept, ic)
			} else {
				ic.conn.Close()
				p.metrics.PoolIdleConns.Dec()
			}
		}
		hp.idle = kept
		hp.mu.Unlock()
	}
}

// Close stops the eviction sweep and closes every pooled connection.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range p.hosts {
		hp.mu.Lock()
		for _, ic := range hp.idle {
			ic.conn.Close()
		}
		hp.idle = nil
		if hp.h2Conn != nil {
			hp.h2Conn.Close()
			hp.h2Conn = nil
		}
		hp.mu.Unlock()
	}
	return nil
}
