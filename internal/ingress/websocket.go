package ingress

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/mux"
)

// isWebSocketUpgrade detects the upgrade handshake per spec §4.8: a
// Connection header naming "upgrade" (case-insensitive, possibly among
// other tokens) together with Upgrade: websocket.
func isWebSocketUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// serveWebSocket implements the WebSocket upgrade contract: the request
// preamble round-trips through the stream same as any other request, and
// once the peer answers with 101 Switching Protocols, both sides switch to
// an unexamined byte bridge. This deliberately does not use a WebSocket
// library to parse frames — doing so would mean re-interpreting traffic
// the spec requires to pass through verbatim (§4.8), the same contract
// internal/upstream's Proxy.serveBridge already honors on the client side.
func (srv *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, stream *mux.Stream) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		srv.reject(w, http.StatusInternalServerError, "websocket upgrade unsupported")
		return
	}

	conn := stream.Conn(r.Context())
	if err := r.Write(conn); err != nil {
		srv.cfg.Logger.Debug("writing websocket upgrade request to stream failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return
	}

	streamReader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(streamReader, r)
	if err != nil {
		srv.cfg.Logger.Debug("reading websocket upgrade response from stream failed", logging.KeyError, err)
		srv.reject(w, http.StatusBadGateway, "Bad Gateway")
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		resp.Body.Close()
		return
	}

	netConn, rw, err := hj.Hijack()
	if err != nil {
		srv.cfg.Logger.Warn("hijacking public connection for websocket upgrade failed", logging.KeyError, err)
		return
	}
	defer netConn.Close()

	// Written by hand rather than resp.Write: a 101 response never carries a
	// body, but http.ReadResponse can't know that in advance and leaves
	// resp.Body as a "read until close" reader over the same connection the
	// raw WebSocket bytes are about to flow on. Touching resp.Body at all
	// would race the bridge below for those bytes.
	if _, err := io.WriteString(rw, "HTTP/1.1 "+resp.Status+"\r\n"); err != nil {
		return
	}
	if err := resp.Header.Write(rw); err != nil {
		return
	}
	if _, err := io.WriteString(rw, "\r\n"); err != nil {
		return
	}
	if rw.Flush() != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(conn, rw.Reader); done <- struct{}{} }()
	go func() { io.Copy(netConn, streamReader); done <- struct{}{} }()
	<-done
}
