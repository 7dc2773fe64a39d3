package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ALPN names the channel protocol during the TLS handshake so a partyctl
// peer never talks frames to an unrelated TLS service.
const ALPN = "partyctl/1"

var (
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify only valid on clients")
)

// ValidateClientTransport checks the dial side: a CA bundle is required
// unless verification is explicitly skipped.
func (c Config) ValidateClientTransport() error {
	return c.TLS.validate(false)
}

// ValidateServerTransport checks the listen side: a key pair is required and
// skip-verify is meaningless.
func (c Config) ValidateServerTransport() error {
	return c.TLS.validate(true)
}

func (t TLSConfig) validate(server bool) error {
	if !t.Enabled {
		return nil
	}
	if !server {
		if blank(t.CAFile) && !t.InsecureSkipVerify {
			return ErrTLSCAFileRequired
		}
		return nil
	}
	switch {
	case blank(t.CertFile):
		return ErrTLSCertFileRequired
	case blank(t.KeyFile):
		return ErrTLSKeyFileRequired
	case t.InsecureSkipVerify:
		return ErrTLSInsecureSkipNotAllow
	}
	return nil
}

func (c Config) clientTLSConfig(addr string) (*tls.Config, error) {
	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	roots, err := loadRoots(c.TLS.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		ServerName:         serverName,
		RootCAs:            roots,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}, nil
}

func (c Config) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load tls key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
		Certificates: []tls.Certificate{cert},
	}, nil
}

// loadRoots returns nil for an empty path, which means the system pool.
func loadRoots(path string) (*x509.CertPool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
