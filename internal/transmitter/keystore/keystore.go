// Package keystore opens the key stores and trust stores referenced by the
// certificate registry.
//
// Key stores are Java KeyStore (JKS) files, PKCS#12 files or PEM bundles.
// An entry's alias is the JKS alias or the PKCS#12 friendlyName bag
// attribute; PEM blocks may carry the same value in a "friendlyName" header.
// JKS aliases match case-insensitively, as they do in keytool.
package keystore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	xpkcs12 "golang.org/x/crypto/pkcs12"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"cloupeer.io/transmitter/pkg/log"
)

var (
	// ErrKeyLoad is returned when a store cannot be read, decrypted or parsed.
	ErrKeyLoad = errors.New("cannot load key material")

	// ErrKeyNotFound is returned when a store has no entry for an alias.
	ErrKeyNotFound = errors.New("key alias not found")
)

const friendlyNameHeader = "friendlyName"

var jksMagic = []byte{0xfe, 0xed, 0xfe, 0xed}

// Entry is one private key with its certificate chain, leaf first.
type Entry struct {
	Alias      string
	PrivateKey crypto.PrivateKey
	Chain      []*x509.Certificate
}

// Leaf returns the entry's own certificate, or nil.
func (e Entry) Leaf() *x509.Certificate {
	if len(e.Chain) == 0 {
		return nil
	}
	return e.Chain[0]
}

// TLSCertificate converts the entry into a client certificate for crypto/tls.
func (e Entry) TLSCertificate() tls.Certificate {
	c := tls.Certificate{PrivateKey: e.PrivateKey, Leaf: e.Leaf()}
	for _, cert := range e.Chain {
		c.Certificate = append(c.Certificate, cert.Raw)
	}
	return c
}

// KeyStore is the decoded content of a key store file.
type KeyStore struct {
	entries []Entry

	// aliasless is set when the decoder could not read aliases at all.
	aliasless bool
	foldCase  bool
}

// Load reads the key store at path. Files starting with the JKS magic are
// parsed as JKS, files that contain PEM armor as PEM, everything else as
// PKCS#12. JKS and PKCS#12 stores are protected by password.
func Load(path, password string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyLoad, path, err)
	}
	ks, err := Parse(data, password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ks, nil
}

// Parse decodes a key store from memory.
func Parse(data []byte, password string) (*KeyStore, error) {
	var (
		ks  *KeyStore
		err error
	)
	switch {
	case bytes.HasPrefix(data, jksMagic):
		ks, err = decodeJKS(data, password)
	case isPEM(data):
		var entries []Entry
		entries, err = entriesFromBlocks(decodePEM(data))
		ks = &KeyStore{entries: entries}
	default:
		ks, err = decodePKCS12(data, password)
	}
	if err != nil {
		return nil, err
	}
	if len(ks.entries) == 0 {
		return nil, fmt.Errorf("%w: no private key in store", ErrKeyLoad)
	}
	return ks, nil
}

// Entry returns the entry named alias. An empty alias selects the only entry
// of a single-key store. An alias never matches an unnamed entry, except in
// a single-key PKCS#12 store whose aliases could not be decoded.
func (ks *KeyStore) Entry(alias string) (Entry, error) {
	if alias == "" {
		if len(ks.entries) == 1 {
			return ks.entries[0], nil
		}
		return Entry{}, fmt.Errorf("%w: store holds %d keys, an alias is required", ErrKeyNotFound, len(ks.entries))
	}
	for _, e := range ks.entries {
		if e.Alias == alias || (ks.foldCase && strings.EqualFold(e.Alias, alias)) {
			return e, nil
		}
	}
	if ks.aliasless && len(ks.entries) == 1 {
		log.Warn("Key store aliases are unreadable, using its only key", "alias", alias)
		return ks.entries[0], nil
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrKeyNotFound, alias)
}

// Aliases lists the aliases in store order.
func (ks *KeyStore) Aliases() []string {
	out := make([]string, 0, len(ks.entries))
	for _, e := range ks.entries {
		out = append(out, e.Alias)
	}
	return out
}

func decodePKCS12(data []byte, password string) (*KeyStore, error) {
	// x/crypto keeps bag attributes, and with them the aliases, but only
	// understands the legacy 3DES and RC2 encryption schemes.
	blocks, err := xpkcs12.ToPEM(data, password)
	if err == nil {
		entries, err := entriesFromBlocks(blocks)
		if err != nil {
			return nil, err
		}
		return &KeyStore{entries: entries}, nil
	}
	if errors.Is(err, xpkcs12.ErrIncorrectPassword) {
		return nil, fmt.Errorf("%w: %w", ErrKeyLoad, err)
	}

	key, leaf, cas, chainErr := pkcs12.DecodeChain(data, password)
	if chainErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyLoad, errors.Join(err, chainErr))
	}
	return &KeyStore{
		entries:   []Entry{{PrivateKey: key, Chain: append([]*x509.Certificate{leaf}, cas...)}},
		aliasless: true,
	}, nil
}

// decodeJKS reads the private key entries of a JKS store. Every key is
// protected by the store password.
func decodeJKS(data []byte, password string) (*KeyStore, error) {
	store := jks.New(jks.WithOrderedAliases())
	if err := store.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: jks: %w", ErrKeyLoad, err)
	}

	ks := &KeyStore{foldCase: true}
	for _, alias := range store.Aliases() {
		if !store.IsPrivateKeyEntry(alias) {
			continue
		}
		pke, err := store.GetPrivateKeyEntry(alias, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("%w: jks entry %q: %w", ErrKeyLoad, alias, err)
		}
		key, err := parsePrivateKey(pke.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: jks entry %q: %w", ErrKeyLoad, alias, err)
		}
		e := Entry{Alias: alias, PrivateKey: key}
		for _, c := range pke.CertificateChain {
			cert, err := x509.ParseCertificate(c.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: jks entry %q: parse certificate: %w", ErrKeyLoad, alias, err)
			}
			e.Chain = append(e.Chain, cert)
		}
		ks.entries = append(ks.entries, e)
	}
	return ks, nil
}

// jksCertificates returns the trusted certificates of a JKS store together
// with the chains of its key entries.
func jksCertificates(data []byte, password string) ([]*x509.Certificate, error) {
	store := jks.New(jks.WithOrderedAliases())
	if err := store.Load(bytes.NewReader(data), []byte(password)); err != nil {
		return nil, fmt.Errorf("jks: %w", err)
	}

	var certs []*x509.Certificate
	for _, alias := range store.Aliases() {
		var raw [][]byte
		switch {
		case store.IsTrustedCertificateEntry(alias):
			tce, err := store.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: %w", alias, err)
			}
			raw = append(raw, tce.Certificate.Content)
		case store.IsPrivateKeyEntry(alias):
			pke, err := store.GetPrivateKeyEntry(alias, []byte(password))
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: %w", alias, err)
			}
			for _, c := range pke.CertificateChain {
				raw = append(raw, c.Content)
			}
		}
		for _, der := range raw {
			c, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("jks entry %q: parse certificate: %w", alias, err)
			}
			certs = append(certs, c)
		}
	}
	return certs, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

func decodePEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			return blocks
		}
		blocks = append(blocks, b)
	}
}

type certBlock struct {
	cert  *x509.Certificate
	alias string
}

func entriesFromBlocks(blocks []*pem.Block) ([]Entry, error) {
	var (
		keys  []Entry
		certs []certBlock
	)
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: parse certificate: %w", ErrKeyLoad, err)
			}
			certs = append(certs, certBlock{cert: c, alias: b.Headers[friendlyNameHeader]})
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if _, encrypted := b.Headers["DEK-Info"]; encrypted {
				return nil, fmt.Errorf("%w: encrypted PEM keys are not supported", ErrKeyLoad)
			}
			k, err := parsePrivateKey(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrKeyLoad, err)
			}
			keys = append(keys, Entry{Alias: b.Headers[friendlyNameHeader], PrivateKey: k})
		}
	}

	for i := range keys {
		leaf := -1
		for j, c := range certs {
			if publicKeyMatches(keys[i].PrivateKey, c.cert.PublicKey) {
				leaf = j
				break
			}
		}
		if leaf < 0 {
			continue
		}
		if keys[i].Alias == "" {
			keys[i].Alias = certs[leaf].alias
		}
		keys[i].Chain = append(keys[i].Chain, certs[leaf].cert)
		for j, c := range certs {
			if j != leaf && !isOtherLeaf(c.cert, keys) {
				keys[i].Chain = append(keys[i].Chain, c.cert)
			}
		}
	}
	return keys, nil
}

// isOtherLeaf reports whether c belongs to one of keys, so that a multi-key
// store does not leak one entry's leaf into another entry's chain.
func isOtherLeaf(c *x509.Certificate, keys []Entry) bool {
	for _, k := range keys {
		if publicKeyMatches(k.PrivateKey, c.PublicKey) {
			return true
		}
	}
	return false
}

// parsePrivateKey accepts the encodings x/crypto/pkcs12 and PEM files use:
// PKCS#1, SEC 1 and PKCS#8.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("unrecognized private key encoding")
	}
	return k, nil
}

func publicKeyMatches(priv crypto.PrivateKey, pub crypto.PublicKey) bool {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case *ecdsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case ed25519.PrivateKey:
		return k.Public().(ed25519.PublicKey).Equal(pub)
	}
	return false
}
