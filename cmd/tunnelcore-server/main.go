// Command tunnelcore-server runs the tunnel engine's server half: the
// control-plane listener, the HTTP and raw-TCP ingresses, and the session
// registry that ties them together.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MitulShah1/ferrotunnel/internal/config"
	"github.com/MitulShah1/ferrotunnel/internal/ingress"
	"github.com/MitulShah1/ferrotunnel/internal/limits"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/plugin"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/registry"
	"github.com/MitulShah1/ferrotunnel/internal/session"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
	"github.com/MitulShah1/ferrotunnel/internal/tunnel"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes the CLI reports, per spec §6.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
	exitInterrupted = 130
)

// startupError tags an error with the exit code it should produce, so
// main can translate a failure from deep inside serve() without serve()
// itself calling os.Exit.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &startupError{code: code, err: err} }

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "tunnelcore-server",
		Short:        "Run the tunnel engine server: control plane, ingress, registry",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to server configuration YAML (env TUNNELCORE_CONFIG)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	if ctx.Err() != nil {
		return exitInterrupted
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var se *startupError
		if errors.As(err, &se) {
			return se.code
		}
		return exitConfigError
	}
	return exitOK
}

func serve(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = os.Getenv("TUNNELCORE_CONFIG")
	}
	if configPath == "" {
		return fail(exitConfigError, errors.New("no configuration file specified (--config or TUNNELCORE_CONFIG)"))
	}

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fail(exitConfigError, err)
	}
	applyServerEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fail(exitConfigError, err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tunnelcore-server", logging.KeyComponent, "server", "version", Version)
	logger.Debug("effective configuration", logging.KeyComponent, "server", "config", cfg.String())

	tr, err := buildServerTransport(cfg)
	if err != nil {
		return fail(exitConfigError, err)
	}

	serverLimits := limits.NewServerLimits(limits.Config{
		MaxSessions:          cfg.MaxSessions,
		MaxStreamsPerSession: cfg.MaxStreamsPerSession,
		MaxFrameBytes:        cfg.MaxFrameBytes,
		MaxInflightFrames:    cfg.MaxInflightFrames,
		StreamsPerSecond:     cfg.StreamsPerSecond,
		BytesPerSecond:       cfg.BytesPerSecond,
	})

	reg := registry.New()
	m := metrics.New(prometheus.DefaultRegisterer)
	hooks := plugin.New()

	tunnelServer := tunnel.NewServer(tunnel.ServerConfig{
		Transport:     tr,
		Addr:          cfg.ServerBind,
		MinVersion:    protocol.MinSupportedVersion,
		MaxVersion:    protocol.CurrentVersion,
		Authenticator: tunnel.NewStaticTokenAuthenticator(tunnel.HashToken(cfg.Token)),
		ServerLimits:  serverLimits,
		Registry:      reg,
		SessionConfig: session.Config{
			HeartbeatInterval: cfg.Heartbeat.Interval(),
			HeartbeatTimeout:  cfg.Heartbeat.Timeout(),
			Logger:            logger,
			Metrics:           m,
		},
		Logger:  logger,
		Metrics: m,
	})

	ingressSrv := ingress.New(ingress.Config{
		Registry: reg,
		Hooks:    hooks,
		Metrics:  m,
		Logger:   logger,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	runListener := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runListener("control plane", func() error { return tunnelServer.ListenAndServe(ctx) })

	if cfg.TLS.Enabled {
		tlsCfg, tlsErr := transport.LoadServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key)
		if tlsErr != nil {
			return fail(exitConfigError, tlsErr)
		}
		runListener("http ingress", func() error { return ingressSrv.ListenAndServeTLS(ctx, cfg.HTTPBind, tlsCfg) })
	} else {
		runListener("http ingress", func() error { return ingressSrv.ListenAndServe(ctx, cfg.HTTPBind) })
	}

	if cfg.TCPBind != "" {
		tcpSrv := ingress.NewTCPServer(ingress.TCPServerConfig{Registry: reg, Logger: logger, Metrics: m})
		runListener("tcp ingress", func() error { return tcpSrv.ListenAndServe(ctx, cfg.TCPBind) })
	}

	var metricsSrv *http.Server
	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsBind, Handler: mux}
		runListener("metrics", func() error {
			err := metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case err := <-errCh:
		tunnelServer.Close()
		return fail(exitBindFailure, err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining listeners")
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out waiting for listeners to stop")
	}
	tunnelServer.Close()
	return nil
}

func buildServerTransport(cfg *config.ServerConfig) (*transport.Transport, error) {
	tcfg := transport.Config{SocketTuning: transport.DefaultSocketTuning()}
	if cfg.TLS.Enabled {
		tlsCfg, err := transport.LoadServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, err
		}
		if cfg.TLS.ClientAuth {
			pool, err := loadCAPool(cfg.TLS.CA)
			if err != nil {
				return nil, err
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		tcfg.Mode = transport.ModeTLS
		tcfg.TLSConfig = tlsCfg
	} else {
		tcfg.Mode = transport.ModePlain
	}
	return transport.New(tcfg), nil
}

// loadCAPool mirrors transport's internal loadCAPool, duplicated here since
// that helper is unexported: the CLI needs it to build a mTLS ClientCAs
// pool, which is server-CLI concern rather than dial/listen transport
// concern.
func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate: no valid certificates found")
	}
	return pool, nil
}

// applyServerEnvOverrides maps environment variables onto cfg per spec §6:
// uppercased dotted paths with underscores. Only server_bind, http_bind,
// tcp_bind, token and metrics_bind are read (e.g. SERVER_BIND).
func applyServerEnvOverrides(cfg *config.ServerConfig) {
	if v, ok := os.LookupEnv(config.EnvKey("server_bind")); ok {
		cfg.ServerBind = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("http_bind")); ok {
		cfg.HTTPBind = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("tcp_bind")); ok {
		cfg.TCPBind = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("token")); ok {
		cfg.Token = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("metrics_bind")); ok {
		cfg.MetricsBind = v
	}
}
