// Package tls builds the API server's TLS configuration from the
// [server.tls] section.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config is the [server.tls] section. CertFile/KeyFile win over Dir; with Dir
// and AutoGenerate a self-signed pair is created on first start.
type Config struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	SelfSigned   SelfSigned `mapstructure:"self_signed"`
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported tls min_version %q", v)
}

// Paths returns the certificate and key the server will load.
func (c Config) Paths() (cert, key string, err error) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile, nil
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName), nil
	}
	return "", "", errors.New("tls enabled but neither cert_file/key_file nor dir is set")
}

// Setup returns nil when TLS is disabled. Certificates are re-read on each
// handshake so a renewed pair is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath, err := c.Paths()
	if err != nil {
		return nil, err
	}
	if c.AutoGenerate && !exists(certPath, keyPath) {
		if err := c.SelfSigned.Generate(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
