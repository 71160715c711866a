package archive

import (
	"context"
	"testing"

	"cloupeer.io/transmitter/pkg/options"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		vehicle, path, want string
	}{
		{"02구2392", "/var/lib/cpeer-transmitter/done/02구2392_BMS.csv", "02구2392/02구2392_BMS.csv"},
		{"17나1234", "rel/a.csv", "17나1234/a.csv"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.vehicle, tt.path); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.vehicle, tt.path, got, tt.want)
		}
	}
}

func TestNewMinIO(t *testing.T) {
	o := options.NewS3Options()
	o.Enabled = true
	o.AccessKeyID = "minio"
	o.SecretAccessKey = "minio123"

	m, err := NewMinIO(o)
	if err != nil {
		t.Fatalf("NewMinIO() error = %v", err)
	}
	if m.bucketName != "vehicle-data" {
		t.Errorf("bucket = %q", m.bucketName)
	}

	o.Endpoint = "http://bad endpoint"
	if _, err := NewMinIO(o); err == nil {
		t.Error("NewMinIO() accepted an invalid endpoint")
	}
}

func TestNop(t *testing.T) {
	var a Archiver = Nop{}
	if err := a.Archive(context.Background(), "02구2392", "/tmp/x"); err != nil {
		t.Errorf("Nop.Archive() error = %v", err)
	}
}
