package upstream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/recovery"
	"github.com/MitulShah1/ferrotunnel/internal/session"
)

// Proxy bridges streams the tunnel server opens against this client to the
// local upstream service. It implements session.Handler directly, so it
// can be wired in as a Session's Handler.
type Proxy struct {
	pool         *Pool
	upstreamAddr string
	logger       *slog.Logger
}

// NewProxy builds a Proxy that forwards every accepted stream to
// upstreamAddr via pool.
func NewProxy(pool *Pool, upstreamAddr string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Proxy{pool: pool, upstreamAddr: upstreamAddr, logger: logger}
}

// HandleAcceptedStream implements session.Handler: every stream the peer
// opens gets its own goroutine bridging it to the upstream.
func (p *Proxy) HandleAcceptedStream(s *session.Session, st *mux.Stream, open *protocol.OpenStreamFrame) {
	go p.serve(s.Mux(), st, open)
}

// HandlePluginData implements session.Handler; the proxy has no use for
// out-of-band plugin payloads.
func (p *Proxy) HandlePluginData(s *session.Session, f *protocol.PluginDataFrame) {}

// serve bridges st to the upstream and, once done, tells the peer why the
// stream ended via a wire-level CloseStream rather than leaving the stream
// table entry to leak on both sides.
func (p *Proxy) serve(m *mux.Multiplexer, st *mux.Stream, open *protocol.OpenStreamFrame) {
	defer recovery.RecoverWithLog(p.logger, "upstream.Proxy.serve")

	reason := protocol.CloseComplete
	defer func() { m.CloseStream(st.ID(), reason) }()

	ctx := context.Background()
	conn := st.Conn(ctx)

	switch open.Protocol {
	case protocol.ProtoWebSocket, protocol.ProtoTCP:
		// Raw TCP ingress streams carry no HTTP preamble at all; they are
		// unexamined bytes from the first byte, same contract as a
		// WebSocket bridge after its 101.
		reason = p.serveBridge(ctx, conn)
	case protocol.ProtoHTTP2:
		reason = p.serveH2(ctx, conn)
	default:
		reason = p.serveH1(ctx, conn)
	}
}

// serveH1 reads one HTTP/1.1 request off the stream, proxies it to the
// upstream over a pooled connection, and writes the response back. A dial,
// write, or read failure against the upstream is reported to the peer by
// closing the stream with UpstreamUnreachable rather than substituting an
// HTTP response into the stream bytes.
func (p *Proxy) serveH1(ctx context.Context, conn io.ReadWriteCloser) protocol.CloseReason {
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if err != io.EOF {
			p.logger.Warn("malformed request on stream", logging.KeyError, err)
		}
		return protocol.CloseComplete
	}

	upstream, err := p.pool.AcquireH1(ctx, p.upstreamAddr, p.upstreamAddr)
	if err != nil {
		p.logger.Warn("upstream dial failed", logging.KeyUpstream, p.upstreamAddr, logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}

	outcome := OutcomeClean
	defer func() { p.pool.ReleaseH1(p.upstreamAddr, upstream, outcome) }()

	if err := req.Write(upstream); err != nil {
		outcome = OutcomeError
		p.logger.Warn("writing request to upstream failed", logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		outcome = OutcomeError
		p.logger.Warn("reading response from upstream failed", logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}
	defer resp.Body.Close()

	if resp.Close || resp.StatusCode == http.StatusSwitchingProtocols {
		outcome = OutcomeUpgraded
	}

	if err := resp.Write(conn); err != nil {
		p.logger.Debug("writing response to stream failed", logging.KeyError, err)
	}
	return protocol.CloseComplete
}

// serveH2 proxies a single request/response exchange over the upstream's
// shared HTTP/2 connection.
func (p *Proxy) serveH2(ctx context.Context, conn io.ReadWriteCloser) protocol.CloseReason {
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return protocol.CloseComplete
	}

	cc, err := p.pool.AcquireH2(ctx, p.upstreamAddr, p.upstreamAddr)
	if err != nil {
		p.logger.Warn("h2 upstream dial failed", logging.KeyUpstream, p.upstreamAddr, logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}

	resp, err := cc.RoundTrip(req)
	if err != nil {
		p.logger.Warn("h2 upstream round trip failed", logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}
	defer resp.Body.Close()

	if err := resp.Write(conn); err != nil {
		p.logger.Debug("writing h2 response to stream failed", logging.KeyError, err)
	}
	return protocol.CloseComplete
}

// serveBridge implements the WebSocket passthrough contract: once the
// upgrade has round-tripped, bytes flow unexamined in both directions
// between the stream and a freshly dialed upstream connection. A dial
// failure here has no HTTP envelope to report through, so the only signal
// the peer gets is the stream closing with UpstreamUnreachable.
func (p *Proxy) serveBridge(ctx context.Context, conn io.ReadWriteCloser) protocol.CloseReason {
	upstream, err := p.pool.AcquireH1(ctx, p.upstreamAddr, p.upstreamAddr)
	if err != nil {
		p.logger.Warn("bridge dial failed", logging.KeyUpstream, p.upstreamAddr, logging.KeyError, err)
		return protocol.CloseUpstreamUnreachable
	}
	defer p.pool.ReleaseH1(p.upstreamAddr, upstream, OutcomeUpgraded)

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, upstream); done <- struct{}{} }()
	<-done
	return protocol.CloseComplete
}
