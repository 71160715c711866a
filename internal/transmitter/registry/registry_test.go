package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloupeer.io/transmitter/internal/transmitter/identity"
)

func TestNewAndGet(t *testing.T) {
	reg, err := New(
		VehicleCertificate{ID: "02구2392", KeyStore: "/k/a.p12", KeyAlias: "client-key"},
		VehicleCertificate{ID: "17나1234", KeyStore: "/k/b.p12"},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !reg.Contains("02구2392") || reg.Contains("99다9999") {
		t.Error("Contains returned wrong membership")
	}

	c, err := reg.Get("02구2392")
	if err != nil || c.KeyAlias != "client-key" {
		t.Errorf("Get() = %+v, %v", c, err)
	}

	_, err = reg.Get("99다9999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}

	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "02구2392" || ids[1] != "17나1234" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestNewRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		certs []VehicleCertificate
	}{
		{"bad id", []VehicleCertificate{{ID: "abc", KeyStore: "k"}}},
		{"id with suffix", []VehicleCertificate{{ID: "02구2392_", KeyStore: "k"}}},
		{"missing key store", []VehicleCertificate{{ID: "02구2392"}}},
		{"duplicate", []VehicleCertificate{{ID: "02구2392", KeyStore: "a"}, {ID: "02구2392", KeyStore: "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.certs...); err == nil {
				t.Fatal("New() succeeded, want error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	doc := `
defaults:
  trust-store: trust/ca.pem
  key-alias: client-key
vehicles:
  - id: 02구2392
    key-store: certs/a.p12
    key-password: pw-a
  - id: 17나1234
    key-store: /abs/b.p12
    key-alias: other
    trust-store: /abs/ca.p12
    trust-store-password: changeit
`
	path := filepath.Join(dir, "vehicles.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d", reg.Len())
	}

	a, _ := reg.Get("02구2392")
	want := VehicleCertificate{
		ID:          "02구2392",
		KeyStore:    filepath.Join(dir, "certs/a.p12"),
		KeyPassword: "pw-a",
		KeyAlias:    "client-key",
		TrustStore:  filepath.Join(dir, "trust/ca.pem"),
	}
	if a != want {
		t.Errorf("entry a = %+v\nwant      %+v", a, want)
	}

	b, _ := reg.Get(identity.VehicleID("17나1234"))
	if b.KeyStore != "/abs/b.p12" || b.KeyAlias != "other" || b.TrustStore != "/abs/ca.p12" || b.TrustStorePassword != "changeit" {
		t.Errorf("entry b = %+v", b)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("vehicles:\n  - id: 02구2392\n    keystore: a.p12\n"), "")
	if err == nil || !strings.Contains(err.Error(), "keystore") {
		t.Fatalf("Parse() error = %v, want unknown field error", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	reg, err := Parse(nil, "")
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d", reg.Len())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
}
