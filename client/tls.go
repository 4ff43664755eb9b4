package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/andrewjamesbrown/kafkaclient"
)

// TLSConfig carries PEM encoded TLS material. TLS is enabled when any field
// is set. CACert installs a trust store for verifying broker certificates;
// ClientCert together with ClientCertKey enable mutual TLS. Setting exactly
// one of ClientCert and ClientCertKey is a configuration error.
type TLSConfig struct {
	CACert        []byte
	ClientCert    []byte
	ClientCertKey []byte
}

// Enabled reports whether any TLS material is configured.
func (c *TLSConfig) Enabled() bool {
	return c != nil && (len(c.CACert) > 0 || len(c.ClientCert) > 0 || len(c.ClientCertKey) > 0)
}

// Build returns a *tls.Config for the configured material, or nil when TLS
// is not enabled.
func (c *TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if (len(c.ClientCert) > 0) != (len(c.ClientCertKey) > 0) {
		return nil, kafkaclient.ErrPartialTLSConfig
	}
	cfg := &tls.Config{}
	if len(c.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.CACert) {
			return nil, fmt.Errorf("no certificates found in ca cert pem")
		}
		cfg.RootCAs = pool
	}
	if len(c.ClientCert) > 0 {
		cert, err := tls.X509KeyPair(c.ClientCert, c.ClientCertKey)
		if err != nil {
			return nil, fmt.Errorf("error loading client cert pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
