package tunnel

import (
	"context"
	"log/slog"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/reconnect"
	"github.com/MitulShah1/ferrotunnel/internal/session"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Transport   *transport.Transport
	Addr        string
	DialTimeout time.Duration

	MinVersion, MaxVersion uint16
	TokenHash              []byte
	TunnelID               protocol.TunnelID
	ServiceName            string
	Protocol               protocol.StreamProtocol
	Metadata               map[string]string
	// Capabilities is the feature list this client advertises to the
	// server during the handshake (e.g. "tcp" to offer itself as a raw-TCP
	// ingress forwarding target).
	Capabilities []string

	// Reconnect enables automatic reconnection with backoff after the
	// session closes; nil disables it and Run returns once (spec §4.11).
	Reconnect *reconnect.Policy

	SessionConfig session.Config
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (c *ClientConfig) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
}

// Client dials the configured tunnel server, performs the handshake, and
// runs the resulting session, optionally reconnecting with backoff when it
// drops (spec §4.7, §4.11).
type Client struct {
	cfg     ClientConfig
	backoff *reconnect.Backoff
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	cfg.setDefaults()
	c := &Client{cfg: cfg}
	if cfg.Reconnect != nil {
		c.backoff = reconnect.New(*cfg.Reconnect)
	}
	return c
}

// Connect dials once, runs the handshake, and returns a Registered but not
// yet running Session. The caller starts it with Session.Run.
func (c *Client) Connect(ctx context.Context) (*session.Session, *ClientResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.cfg.Transport.Dial(dialCtx, c.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}

	handshakeStart := time.Now()
	result, err := ClientHandshake(conn, ClientHandshakeConfig{
		MinVersion:   c.cfg.MinVersion,
		MaxVersion:   c.cfg.MaxVersion,
		TokenHash:    c.cfg.TokenHash,
		TunnelID:     c.cfg.TunnelID,
		ServiceName:  c.cfg.ServiceName,
		Protocol:     c.cfg.Protocol,
		Metadata:     c.cfg.Metadata,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		conn.Close()
		c.cfg.Metrics.HandshakeFailures.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	c.cfg.Metrics.HandshakeLatency.Observe(time.Since(handshakeStart).Seconds())

	// The client has no admission control of its own; give every session
	// generous per-stream limits since only one control connection exists.
	streamLimits := limits.NewStreamLimits(limits.DefaultConfig())

	sessCfg := c.cfg.SessionConfig
	sessCfg.IsServer = false
	sessCfg.Metrics = c.cfg.Metrics
	sess := session.New(conn, streamLimits, nil, sessCfg)
	sess.SetIdentity(result.SessionID, result.TunnelID)
	sess.SetPeerCapabilities(result.PeerCapabilities)
	sess.MarkRegistered()

	c.cfg.Metrics.SessionsTotal.Inc()

	// Remember the assigned tunnel ID so a reconnect asks to re-bind the
	// same tunnel rather than provisioning a fresh one.
	c.cfg.TunnelID = result.TunnelID

	return sess, result, nil
}

// Run connects and runs sessions until ctx is cancelled. If cfg.Reconnect is
// set, a dropped session is retried with backoff instead of returning.
func (c *Client) Run(ctx context.Context) error {
	for {
		sess, result, err := c.Connect(ctx)
		if err != nil {
			c.cfg.Logger.Warn("tunnel connect failed", logging.KeyError, err)
			if c.backoff == nil {
				return err
			}
			c.cfg.Metrics.ReconnectAttempts.Inc()
			if !c.backoff.Wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		c.cfg.Logger.Info("tunnel established",
			logging.KeySessionID, result.SessionID.String(),
			logging.KeyTunnelID, result.TunnelID.String())

		c.cfg.Metrics.SessionsActive.Inc()

		watchDone := make(chan struct{})
		if c.backoff != nil {
			go c.watchForStability(ctx, sess, watchDone)
		}

		sess.Run(ctx)
		close(watchDone)
		c.cfg.Metrics.SessionsActive.Dec()
		if c.backoff != nil {
			c.backoff.CancelActiveReset()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.backoff == nil {
			return nil
		}
		c.cfg.Metrics.ReconnectAttempts.Inc()
		c.cfg.Logger.Info("tunnel session closed, reconnecting", logging.KeyAttempt, c.backoff.Attempts())
		if !c.backoff.Wait(ctx) {
			return ctx.Err()
		}
	}
}

// watchForStability arms the backoff's active-reset timer once the session
// reaches Active, per spec: the attempt counter only resets after a session
// has stayed up for the policy's stability window. Session exposes no
// state-change hook, so this polls at a coarse interval rather than
// blocking on one.
func (c *Client) watchForStability(ctx context.Context, sess *session.Session, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.State() == session.StateActive {
				c.backoff.ScheduleActiveReset()
				return
			}
		}
	}
}
