// Package registry holds the per-vehicle key material used to sign files
// and to authenticate to edge nodes. A Registry is immutable after it is
// built and safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"cloupeer.io/transmitter/internal/transmitter/identity"
)

// ErrNotFound is returned by Get for a vehicle without a certificate entry.
var ErrNotFound = errors.New("vehicle certificate not found")

// VehicleCertificate describes where a vehicle's key material lives.
type VehicleCertificate struct {
	ID identity.VehicleID

	// KeyStore is the PKCS#12 (or PEM) file holding the private key and
	// client certificate chain.
	KeyStore    string
	KeyPassword string
	KeyAlias    string

	// TrustStore holds the CA certificates that edge nodes are verified
	// against. Empty means the system roots.
	TrustStore         string
	TrustStorePassword string
}

// Registry is an immutable lookup from vehicle to certificate.
type Registry struct {
	certs map[identity.VehicleID]VehicleCertificate
}

var _ identity.Lookup = (*Registry)(nil)

// New builds a registry from certs. Entries must have a valid vehicle id and
// a key store, and ids must be unique.
func New(certs ...VehicleCertificate) (*Registry, error) {
	m := make(map[identity.VehicleID]VehicleCertificate, len(certs))
	var errs []error
	for i, c := range certs {
		switch {
		case !identity.Valid(c.ID):
			errs = append(errs, fmt.Errorf("entry %d: invalid vehicle id %q", i, c.ID))
			continue
		case c.KeyStore == "":
			errs = append(errs, fmt.Errorf("entry %d (%s): key-store is required", i, c.ID))
			continue
		}
		if _, dup := m[c.ID]; dup {
			errs = append(errs, fmt.Errorf("entry %d: duplicate vehicle id %s", i, c.ID))
			continue
		}
		m[c.ID] = c
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Registry{certs: m}, nil
}

// Get returns the certificate of id. Callers normally check Contains first,
// through the identity resolver.
func (r *Registry) Get(id identity.VehicleID) (VehicleCertificate, error) {
	c, ok := r.certs[id]
	if !ok {
		return VehicleCertificate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Contains reports whether id has a certificate entry.
func (r *Registry) Contains(id identity.VehicleID) bool {
	_, ok := r.certs[id]
	return ok
}

// Len returns the number of registered vehicles.
func (r *Registry) Len() int { return len(r.certs) }

// IDs returns every registered vehicle in sorted order.
func (r *Registry) IDs() []identity.VehicleID {
	ids := make([]identity.VehicleID, 0, len(r.certs))
	for id := range r.certs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
