// Package tlsconfig builds the TLS client configuration used for webhook
// delivery.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	goerrors "github.com/goliatone/go-errors"
)

const TextCodeTLS = "TLS_CONFIG_INVALID"

// LoadClientTLSConfig returns nil when no file is configured, in which case
// the default transport settings apply. caFile adds a trusted root; certFile
// and keyFile enable a client certificate and must be given together.
func LoadClientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && keyFile == "" {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, tlsError(err, "read CA file")
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, goerrors.New("tlsconfig: no certificates found in "+caFile, goerrors.CategoryBadInput).
				WithTextCode(TextCodeTLS)
		}
		conf.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, goerrors.New("tlsconfig: client certificate and key must be set together", goerrors.CategoryBadInput).
				WithTextCode(TextCodeTLS)
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, tlsError(err, "load client key pair")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

func tlsError(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "tlsconfig: "+msg).
		WithTextCode(TextCodeTLS)
}
