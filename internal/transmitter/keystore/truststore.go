package keystore

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// LoadTrustPool reads a trust store into a certificate pool. An empty path
// returns a nil pool, which makes crypto/tls fall back to the system roots.
// PEM bundles need no password; JKS and PKCS#12 trust stores, including
// the ones written by Java keytool, are opened with password.
func LoadTrustPool(path, password string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyLoad, path, err)
	}

	pool := x509.NewCertPool()
	if bytes.HasPrefix(data, jksMagic) {
		certs, err := jksCertificates(data, password)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrKeyLoad, path, err)
		}
		if len(certs) == 0 {
			return nil, fmt.Errorf("%w: %s: trust store is empty", ErrKeyLoad, path)
		}
		for _, c := range certs {
			pool.AddCert(c)
		}
		return pool, nil
	}
	if isPEM(data) {
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: %s: no certificates in PEM bundle", ErrKeyLoad, path)
		}
		return pool, nil
	}

	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		// A key store used as a trust store: trust its certificate chain.
		_, leaf, cas, chainErr := pkcs12.DecodeChain(data, password)
		if chainErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrKeyLoad, path, errors.Join(err, chainErr))
		}
		certs = append([]*x509.Certificate{leaf}, cas...)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s: trust store is empty", ErrKeyLoad, path)
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}
