// Package signer produces the detached signature sent next to every file.
//
// Signatures are RSASSA-PKCS1-v1_5 over the SHA-256 digest of the complete
// file content, the scheme Java names SHA256withRSA. They are deterministic
// for a given key and content.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"cloupeer.io/transmitter/internal/transmitter/keystore"
	"cloupeer.io/transmitter/internal/transmitter/registry"
)

// ErrUnsupportedKey is returned for key stores whose private key is not RSA.
var ErrUnsupportedKey = errors.New("unsupported signing key")

// ErrVerification is returned when a signature does not match.
var ErrVerification = errors.New("signature verification failed")

// Signer signs files with the private key of a vehicle certificate.
type Signer struct {
	keys *keystore.Cache
}

// New returns a Signer that reads keys through keys. A nil cache gets a
// private one.
func New(keys *keystore.Cache) *Signer {
	if keys == nil {
		keys = keystore.NewCache()
	}
	return &Signer{keys: keys}
}

// Sign signs data with cert's private key.
func (s *Signer) Sign(data []byte, cert registry.VehicleCertificate) ([]byte, error) {
	digest := sha256.Sum256(data)
	return s.signDigest(digest[:], cert)
}

// SignFile signs the content of the file at path without holding it in
// memory.
func (s *Signer) SignFile(path string, cert registry.VehicleCertificate) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s.signDigest(h.Sum(nil), cert)
}

func (s *Signer) signDigest(digest []byte, cert registry.VehicleCertificate) ([]byte, error) {
	key, err := s.privateKey(cert)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
}

func (s *Signer) privateKey(cert registry.VehicleCertificate) (*rsa.PrivateKey, error) {
	e, err := s.keys.Entry(cert.KeyStore, cert.KeyPassword, cert.KeyAlias)
	if err != nil {
		return nil, fmt.Errorf("vehicle %s: %w", cert.ID, err)
	}
	key, ok := e.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w: %T", cert.ID, ErrUnsupportedKey, e.PrivateKey)
	}
	return key, nil
}

// Verify checks sig against data with an RSA public key.
func Verify(pub crypto.PublicKey, data, sig []byte) error {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nil
}

// VerifyWithCertificate checks sig against data with the public key of the
// first certificate in certPEM.
func VerifyWithCertificate(certPEM, data, sig []byte) error {
	for {
		var b *pem.Block
		b, certPEM = pem.Decode(certPEM)
		if b == nil {
			return errors.New("no certificate in PEM input")
		}
		if b.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		return Verify(cert.PublicKey, data, sig)
	}
}
