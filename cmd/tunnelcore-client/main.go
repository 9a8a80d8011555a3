// Command tunnelcore-client dials a tunnel server, registers a tunnel, and
// bridges every accepted stream to a local upstream service.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MitulShah1/ferrotunnel/internal/config"
	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/reconnect"
	"github.com/MitulShah1/ferrotunnel/internal/session"
	"github.com/MitulShah1/ferrotunnel/internal/transport"
	"github.com/MitulShah1/ferrotunnel/internal/tunnel"
	"github.com/MitulShah1/ferrotunnel/internal/upstream"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes the CLI reports, per spec §6: 0 clean, 1 configuration error,
// 2 bind failure (n/a on the client — reserved for symmetry with the
// server binary), 3 handshake/authentication failure on startup, 130
// interrupted by signal.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitHandshakeFail = 3
	exitInterrupted   = 130
)

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
		Use:          "tunnelcore-client",
		Short:        "Dial a tunnel server and forward accepted streams to a local service",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to client configuration YAML (env TUNNELCORE_CONFIG)")

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

	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fail(exitConfigError, err)
	}
	applyClientEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fail(exitConfigError, err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tunnelcore-client", logging.KeyComponent, "client", "version", Version)
	logger.Debug("effective configuration", logging.KeyComponent, "client", "config", cfg.String())

	tr, err := buildClientTransport(cfg)
	if err != nil {
		return fail(exitConfigError, err)
	}

	pool := upstream.New(upstream.Config{
		MaxIdlePerHost: cfg.PoolMaxIdlePerHost,
		IdleTimeout:    time.Duration(cfg.PoolIdleTimeoutMS) * time.Millisecond,
		PreferH2:       cfg.PoolPreferH2,
	}, logger)
	proxy := upstream.NewProxy(pool, cfg.LocalAddr, logger)

	var tunnelID protocol.TunnelID
	if cfg.TunnelID != "" {
		tunnelID, err = protocol.ParseTunnelID(cfg.TunnelID)
		if err != nil {
			return fail(exitConfigError, fmt.Errorf("invalid tunnel_id: %w", err))
		}
	}

	var reconnectPolicy *reconnect.Policy
	if cfg.AutoReconnect {
		reconnectPolicy = &reconnect.Policy{
			Base:             time.Duration(cfg.ReconnectBaseMS) * time.Millisecond,
			Max:              time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
			ActiveResetAfter: 60 * time.Second,
		}
	}

	client := tunnel.NewClient(tunnel.ClientConfig{
		Transport:   tr,
		Addr:        cfg.ServerAddr,
		MinVersion:  protocol.MinSupportedVersion,
		MaxVersion:  protocol.CurrentVersion,
		TokenHash:   tunnel.HashToken(cfg.Token),
		TunnelID:    tunnelID,
		ServiceName: cfg.LocalAddr,
		Protocol:    protocol.ProtoTCP,
		// "tcp" advertises this client as a valid raw-TCP ingress target
		// (spec §6's tcp_bind), alongside the HTTP ingress path every
		// client already supports.
		Capabilities: []string{"tcp"},
		Reconnect:    reconnectPolicy,
		SessionConfig: session.Config{
			HeartbeatInterval: cfg.Heartbeat.Interval(),
			HeartbeatTimeout:  cfg.Heartbeat.Timeout(),
			Handler:           proxy,
			Logger:            logger,
		},
		Logger: logger,
	})

	// Client.Run dials and handshakes itself; when auto_reconnect is off it
	// makes exactly one attempt and returns that error directly, which is
	// the "handshake/authentication failure on startup" exit path (spec
	// §6). With auto_reconnect on, Run only returns once ctx is cancelled,
	// since a failed attempt is retried with backoff rather than surfaced.
	err = client.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fail(exitHandshakeFail, err)
	}
	return nil
}

func buildClientTransport(cfg *config.ClientConfig) (*transport.Transport, error) {
	tcfg := transport.Config{SocketTuning: transport.DefaultSocketTuning()}
	if cfg.TLS.Enabled {
		tlsCfg, err := transport.LoadClientTLSConfig(cfg.TLS.CA, false)
		if err != nil {
			return nil, err
		}
		if cfg.TLS.ClientAuth {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
			if err != nil {
				return nil, fmt.Errorf("load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		tcfg.Mode = transport.ModeTLS
		tcfg.TLSConfig = tlsCfg
	} else {
		tcfg.Mode = transport.ModePlain
	}
	return transport.New(tcfg), nil
}

func applyClientEnvOverrides(cfg *config.ClientConfig) {
	if v, ok := os.LookupEnv(config.EnvKey("server_addr")); ok {
		cfg.ServerAddr = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("tunnel_id")); ok {
		cfg.TunnelID = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("local_addr")); ok {
		cfg.LocalAddr = v
	}
	if v, ok := os.LookupEnv(config.EnvKey("token")); ok {
		cfg.Token = v
	}
}
