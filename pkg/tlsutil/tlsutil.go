// Package tlsutil builds crypto/tls configurations from security settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/pkg/security"
)

// LoadServerTLSConfig creates a tls.Config for the API server. It returns
// nil when TLS is disabled.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 {
		clientCAs := x509.NewCertPool()
		if err := appendCAFiles(clientCAs, cfg.ClientCAFiles); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load client CAs")
		}
		tlsConfig.ClientCAs = clientCAs
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return tlsConfig, nil
}

// LoadClientTLSConfig creates a tls.Config for upload requests.
// Always uses system CA bundle first, CAFiles are additional trusted CAs
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAFiles(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CAs")
	}
	tlsConfig.RootCAs = rootCAs

	// Setting this is an explicit operator choice
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

func appendCAFiles(pool *x509.CertPool, files []string) error {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("read CA file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("parse CA certificate from %s: invalid PEM data", caFile)
		}
	}
	return nil
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// ValidVersion reports whether version is accepted by the loaders.
func ValidVersion(version string) bool {
	return version == "" || version == "1.2" || version == "1.3"
}
