// Package pkitest issues throwaway certificate authorities, edge server
// certificates and vehicle client certificates for tests.
package pkitest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is a private key with its certificate and issuer chain.
type Identity struct {
	Key   *rsa.PrivateKey
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

// CA is a self-signed issuing authority.
type CA struct {
	Identity
}

// NewCA creates a self-signed CA named cn.
func NewCA(t testing.TB, cn string) *CA {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}
	return &CA{Identity{Key: key, Cert: cert}}
}

// IssueServer issues a certificate valid for localhost and 127.0.0.1.
func (ca *CA) IssueServer(t testing.TB, cn string) *Identity {
	t.Helper()
	return ca.issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: cn},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
}

// IssueClient issues a client authentication certificate for cn.
func (ca *CA) IssueClient(t testing.TB, cn string) *Identity {
	t.Helper()
	return ca.issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: cn},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
}

func (ca *CA) issue(t testing.TB, tmpl *x509.Certificate) *Identity {
	t.Helper()

	key := newKey(t)
	tmpl.SerialNumber = serial(t)
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		t.Fatalf("issue %s: %v", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse %s: %v", tmpl.Subject.CommonName, err)
	}
	return &Identity{Key: key, Cert: cert, Chain: []*x509.Certificate{ca.Cert}}
}

// Pool returns a pool holding only the CA certificate.
func (ca *CA) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.Cert)
	return p
}

// CertPEM returns the PEM encoding of the identity's own certificate.
func (id *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
}

// TLSCertificate returns the identity for use in a tls.Config.
func (id *Identity) TLSCertificate() tls.Certificate {
	c := tls.Certificate{PrivateKey: id.Key, Leaf: id.Cert, Certificate: [][]byte{id.Cert.Raw}}
	for _, ca := range id.Chain {
		c.Certificate = append(c.Certificate, ca.Raw)
	}
	return c
}

// PEM encodes the key, certificate and chain. A non-empty alias is written
// as a friendlyName header on the key block.
func (id *Identity) PEM(alias string) []byte {
	key := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.Key)}
	if alias != "" {
		key.Headers = map[string]string{"friendlyName": alias}
	}
	out := pem.EncodeToMemory(key)
	out = append(out, id.CertPEM()...)
	for _, c := range id.Chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// WritePEM writes PEM(alias) to dir/name and returns the path.
func (id *Identity) WritePEM(t testing.TB, dir, name, alias string) string {
	t.Helper()
	return write(t, filepath.Join(dir, name), id.PEM(alias))
}

// WritePKCS12 writes the identity as a PKCS#12 file encoded with enc
// (pkcs12.LegacyDES, pkcs12.Modern, ...) and returns the path.
func (id *Identity) WritePKCS12(t testing.TB, dir, name, password string, enc *pkcs12.Encoder) string {
	t.Helper()
	data, err := enc.Encode(id.Key, id.Cert, id.Chain, password)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	return write(t, filepath.Join(dir, name), data)
}

// WriteJKS writes the identity as a JKS private key entry named alias,
// protected by password, and returns the path.
func (id *Identity) WriteJKS(t testing.TB, dir, name, alias, password string) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	entry := jks.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       der,
		CertificateChain: []jks.Certificate{{Type: "X509", Content: id.Cert.Raw}},
	}
	for _, c := range id.Chain {
		entry.CertificateChain = append(entry.CertificateChain, jks.Certificate{Type: "X509", Content: c.Raw})
	}

	ks := jks.New()
	if err := ks.SetPrivateKeyEntry(alias, entry, []byte(password)); err != nil {
		t.Fatalf("set jks entry: %v", err)
	}
	return writeJKS(t, filepath.Join(dir, name), ks, password)
}

// WriteJKSTrust writes the CA certificate as a JKS trusted certificate entry
// and returns the path.
func (ca *CA) WriteJKSTrust(t testing.TB, dir, name, password string) string {
	t.Helper()
	ks := jks.New()
	err := ks.SetTrustedCertificateEntry("ca", jks.TrustedCertificateEntry{
		CreationTime: time.Now(),
		Certificate:  jks.Certificate{Type: "X509", Content: ca.Cert.Raw},
	})
	if err != nil {
		t.Fatalf("set jks trusted entry: %v", err)
	}
	return writeJKS(t, filepath.Join(dir, name), ks, password)
}

func writeJKS(t testing.TB, path string, ks jks.KeyStore, password string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		t.Fatalf("store jks: %v", err)
	}
	return write(t, path, buf.Bytes())
}

// WriteCertPEM writes the CA certificate to dir/name and returns the path.
func (ca *CA) WriteCertPEM(t testing.TB, dir, name string) string {
	t.Helper()
	return write(t, filepath.Join(dir, name), ca.CertPEM())
}

func write(t testing.TB, path string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	return n
}
