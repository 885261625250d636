package grpcbroker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"dpn/pkg/types"

	"google.golang.org/grpc/credentials"
)

// TLSFiles locates this node's certificate and the federation CA. Every
// member certificate carries the member's node name as its CommonName.
type TLSFiles struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// EnableTLS switches the exchange to mutual TLS. Both sides of every
// connection must present a certificate issued by the federation CA for a
// known member.
func (b *Broker) EnableTLS(files TLSFiles) error {
	cfg, err := b.tlsConfig(files)
	if err != nil {
		return err
	}
	creds := credentials.NewTLS(cfg)
	b.pool.creds = creds
	b.serverCreds = creds
	return nil
}

func (b *Broker) tlsConfig(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}
	pool, err := loadCAPool(files.CAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		RootCAs:               pool,
		ClientCAs:             pool,
		ClientAuth:            tls.RequireAndVerifyClientCert,
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: b.verifyMember,
	}, nil
}

// verifyMember runs after chain verification and rejects certificates whose
// CommonName is not a federation member.
func (b *Broker) verifyMember(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	if !b.isMember(types.NodeID(cert.Subject.CommonName)) {
		return fmt.Errorf("%q is not a federation member", cert.Subject.CommonName)
	}
	return nil
}

func (b *Broker) isMember(node types.NodeID) bool {
	if node == b.node {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[node]
	return ok
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
