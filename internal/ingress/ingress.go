// Package ingress implements the HTTP Ingress: the server's public-facing
// listener that resolves a tunnel by Host header, opens a virtual stream on
// that tunnel's session, and bridges the request/response exchange over it.
// Protocol detection (HTTP/1.1 vs HTTP/2, plain vs WebSocket upgrade) rides
// on top of net/http and golang.org/x/net/http2/h2c; this package never
// parses wire bytes itself, it re-serializes the already-parsed *http.Request
// the same way internal/upstream's Proxy expects to read one back out.
package ingress

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
	"github.com/MitulShah1/ferrotunnel/internal/plugin"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/recovery"
	"github.com/MitulShah1/ferrotunnel/internal/registry"
)

// openStreamer is the narrow view of a session the ingress needs: open a
// stream on it. Satisfied structurally by *session.Session; declared here
// instead of imported to avoid ingress depending on session's full API
// surface, matching the registry.Session / session.Handler narrowing
// already used elsewhere in the engine.
type openStreamer interface {
	OpenStream(ctx context.Context, proto protocol.StreamProtocol, priority protocol.Priority, metadata map[string]string, timeout time.Duration) (*mux.Stream, error)
	Mux() *mux.Multiplexer
}

// Config configures a Server.
type Config struct {
	Registry *registry.Registry
	Hooks    *plugin.Hooks
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// StreamOpenTimeout bounds how long OpenStream waits for a StreamAck
	// before the request fails with 502.
	StreamOpenTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Hooks == nil {
		c.Hooks = plugin.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.StreamOpenTimeout == 0 {
		c.StreamOpenTimeout = 10 * time.Second
	}
}

// Server is the HTTP Ingress (C8): an http.Handler that the cmd/tunnelcore-
// server binary drives over plain HTTP/1.1+h2c, or TLS with HTTP/2 ALPN.
type Server struct {
	cfg Config
}

// New creates a Server from cfg. cfg.Registry must not be nil.
func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg}
}

// ServeHTTP implements http.Handler. It is protocol-agnostic: net/http (or
// the h2c wrapper around it) has already parsed the request whether it
// arrived as HTTP/1.1 or HTTP/2; this only decides which tunnel it belongs
// to and how to carry it over the virtual stream.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer recovery.RecoverWithLog(srv.cfg.Logger, "ingress.ServeHTTP")

	start := time.Now()
	tunnelID, ok := resolveTunnelID(r.Host)
	if !ok {
		srv.cfg.Metrics.TunnelNotFoundTotal.Inc()
		srv.reject(w, http.StatusServiceUnavailable, "Tunnel not found")
		return
	}

	sess, ok := srv.cfg.Registry.Lookup(tunnelID)
	if !ok {
		srv.cfg.Metrics.TunnelNotFoundTotal.Inc()
		srv.reject(w, http.StatusServiceUnavailable, "Tunnel not found")
		return
	}
	streamer, ok := sess.(openStreamer)
	if !ok {
		srv.cfg.Metrics.TunnelNotFoundTotal.Inc()
		srv.reject(w, http.StatusServiceUnavailable, "Tunnel not found")
		return
	}

	head := &plugin.RequestHead{Method: r.Method, Path: r.URL.Path, Header: r.Header, RemoteAddr: r.RemoteAddr}
	decision, err := srv.cfg.Hooks.RunRequest(r.Context(), head)
	if err != nil {
		srv.cfg.Logger.Warn("on_request hook failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return
	}
	if decision.Action != plugin.ActionContinue {
		srv.writeDecision(w, decision)
		return
	}

	proto := requestStreamProtocol(r)
	metadata := map[string]string{"host": r.Host, "remote_addr": r.RemoteAddr}

	ctx, cancel := context.WithTimeout(r.Context(), srv.cfg.StreamOpenTimeout)
	stream, err := streamer.OpenStream(ctx, proto, protocol.PriorityNormal, metadata, srv.cfg.StreamOpenTimeout)
	cancel()
	if err != nil {
		srv.cfg.Metrics.StreamRefused.Inc()
		srv.cfg.Logger.Warn("open stream refused", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer streamer.Mux().CloseStream(stream.ID(), protocol.CloseComplete)

	srv.cfg.Metrics.IngressActiveConns.Inc()
	defer srv.cfg.Metrics.IngressActiveConns.Dec()

	if proto == protocol.ProtoWebSocket {
		srv.serveWebSocket(w, r, stream)
		srv.observe(start, "101")
		return
	}

	status := srv.serveRoundTrip(w, r, stream)
	srv.observe(start, statusClass(status))
}

func (srv *Server) observe(start time.Time, statusClass string) {
	srv.cfg.Metrics.IngressLatency.Observe(time.Since(start).Seconds())
	srv.cfg.Metrics.IngressRequests.WithLabelValues(statusClass).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

// serveRoundTrip writes the request across the stream and streams the
// response back, for the plain HTTP1/HTTP2 case (no protocol upgrade).
func (srv *Server) serveRoundTrip(w http.ResponseWriter, r *http.Request, stream *mux.Stream) int {
	conn := stream.Conn(r.Context())

	if err := r.Write(conn); err != nil {
		srv.cfg.Logger.Debug("writing request to stream failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return http.StatusBadGateway
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		srv.cfg.Logger.Debug("reading response from stream failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	respHead := &plugin.ResponseHead{StatusCode: resp.StatusCode, Header: resp.Header}
	decision, err := srv.cfg.Hooks.RunResponse(r.Context(), respHead)
	if err != nil {
		srv.cfg.Logger.Warn("on_response hook failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return http.StatusBadGateway
	}
	if decision.Action != plugin.ActionContinue {
		srv.writeDecision(w, decision)
		return decision.StatusCode
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return resp.StatusCode
}

func (srv *Server) reject(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (srv *Server) writeDecision(w http.ResponseWriter, d plugin.Decision) {
	copyHeader(w.Header(), d.Header)
	w.WriteHeader(d.StatusCode)
	w.Write(d.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// requestStreamProtocol decides which StreamProtocol metadata to open the
// stream with, so the client's upstream proxy (internal/upstream.Proxy)
// knows which exchange shape to expect.
func requestStreamProtocol(r *http.Request) protocol.StreamProtocol {
	if isWebSocketUpgrade(r) {
		return protocol.ProtoWebSocket
	}
	if r.ProtoMajor == 2 {
		return protocol.ProtoHTTP2
	}
	return protocol.ProtoHTTP1
}

// resolveTunnelID derives a tunnel ID from a Host header value: lowercase,
// strip any port, hex-decode (spec §4.8 and §4.6 — the default public URL
// the server hands back at Register time is exactly this hex string).
func resolveTunnelID(host string) (protocol.TunnelID, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	id, err := protocol.ParseTunnelID(host)
	if err != nil {
		return protocol.TunnelID{}, false
	}
	return id, true
}
