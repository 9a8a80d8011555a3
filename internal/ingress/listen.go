package ingress

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ListenAndServe binds addr and serves the ingress over HTTP/1.1 and
// cleartext HTTP/2 (h2c): protocol detection happens automatically from the
// h2c connection preface, matching spec §4.8's "automatic" requirement for
// deployments with no TLS termination at this hop.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(srv, h2s),
	}
	return serveWithShutdown(ctx, httpServer, func() error { return httpServer.ListenAndServe() })
}

// ListenAndServeTLS binds addr with tlsConfig and serves HTTP/1.1 and
// HTTP/2, negotiated via ALPN (spec §4.8).
func (srv *Server) ListenAndServeTLS(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	httpServer := &http.Server{
		Addr:      addr,
		Handler:   srv,
		TLSConfig: tlsConfig.Clone(),
	}
	if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
		return err
	}
	return serveWithShutdown(ctx, httpServer, func() error {
		return httpServer.ListenAndServeTLS("", "")
	})
}

func serveWithShutdown(ctx context.Context, httpServer *http.Server, serve func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
