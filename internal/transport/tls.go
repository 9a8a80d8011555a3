package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ALPNProtocol is advertised on TLS-mode control connections.
const ALPNProtocol = "tunnelcore/1"

// LoadServerTLSConfig loads a server-side TLS configuration from a
// certificate/key pair. Certificate issuance and rotation are out of scope;
// this only loads and parses a PEM pair already on disk.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// LoadClientTLSConfig builds a client-side TLS configuration. Unlike a
// mesh agent with its own E2E encryption layer, this engine relies on TLS
// alone for transport security, so certificate verification is on by
// default; skipVerify exists only for local development against
// self-signed certificates.
func LoadClientTLSConfig(caFile string, skipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: skipVerify,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("transport: read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: parse CA certificate: no valid certificates found")
	}
	return pool, nil
}
