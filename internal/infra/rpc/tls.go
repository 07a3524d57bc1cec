package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"mgmtagent/internal/domain"
)

// loadServerTLS builds server credentials. Without key material an ephemeral
// self-signed identity covering hosts is generated. Clients are not asked for
// certificates.
func loadServerTLS(cfg domain.TLSConfig, hosts []string) (credentials.TransportCredentials, error) {
	var cert tls.Certificate
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("tls.certFile and tls.keyFile must be set together")
		}
		loaded, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load server cert: %w", err)
		}
		cert = loaded
	} else {
		generated, err := generateSelfSigned(hosts)
		if err != nil {
			return nil, err
		}
		cert = generated
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}
	return credentials.NewTLS(tlsCfg), nil
}

func loadClientTLS(cfg domain.TLSConfig) (credentials.TransportCredentials, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse ca file")
		}
		tlsCfg.RootCAs = caPool
	}
	if cfg.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	return credentials.NewTLS(tlsCfg), nil
}
