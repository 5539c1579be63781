package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
)

// tlsClient wraps outbound TCP connections in TLS 1.3 with server identity
// verification. It is built once from configuration and shared by all
// connection tasks.
type tlsClient struct {
	roots *x509.CertPool
}

func newTLSClient(cfg *Config) (*tlsClient, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("load system roots: %w", err)
	}
	for _, c := range cfg.Server.TrustedCertificates() {
		roots.AddCert(c)
	}
	return &tlsClient{roots: roots}, nil
}

// connect performs the client handshake on tcp, verifying the server
// identity against hostname.
func (c *tlsClient) connect(ctx context.Context, tcp net.Conn, hostname string) (*tls.Conn, error) {
	conn := tls.Client(tcp, &tls.Config{
		RootCAs:    c.roots,
		ServerName: hostname,
		MinVersion: tls.VersionTLS13,
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		tcp.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", hostname, err)
	}
	return conn, nil
}

// decodePEMCertificates parses all CERTIFICATE blocks in the given PEM data.
func decodePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
}
