package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cloupeer.io/transmitter/internal/transmitter/identity"
)

// fileDocument is the on-disk registry layout:
//
//	defaults:
//	  trust-store: truststore.pem
//	  trust-store-password: changeit
//	vehicles:
//	  - id: 02구2392
//	    key-store: certs/02구2392.p12
//	    key-password: secret
//	    key-alias: client-key
type fileDocument struct {
	Defaults fileEntry   `yaml:"defaults"`
	Vehicles []fileEntry `yaml:"vehicles"`
}

type fileEntry struct {
	ID                 string `yaml:"id"`
	KeyStore           string `yaml:"key-store"`
	KeyPassword        string `yaml:"key-password"`
	KeyAlias           string `yaml:"key-alias"`
	TrustStore         string `yaml:"trust-store"`
	TrustStorePassword string `yaml:"trust-store-password"`
}

// Load reads a registry file. Relative store paths are resolved against the
// directory of path, and unset per-vehicle fields inherit the defaults block.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	reg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a registry document. baseDir anchors relative paths.
func Parse(data []byte, baseDir string) (*Registry, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	d := doc.Defaults
	certs := make([]VehicleCertificate, 0, len(doc.Vehicles))
	for _, v := range doc.Vehicles {
		certs = append(certs, VehicleCertificate{
			ID:                 identity.VehicleID(v.ID),
			KeyStore:           resolve(baseDir, v.KeyStore),
			KeyPassword:        or(v.KeyPassword, d.KeyPassword),
			KeyAlias:           or(v.KeyAlias, d.KeyAlias),
			TrustStore:         resolve(baseDir, or(v.TrustStore, d.TrustStore)),
			TrustStorePassword: or(v.TrustStorePassword, d.TrustStorePassword),
		})
	}
	return New(certs...)
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
