package keystore

import (
	"crypto/x509"
	"sync"
)

type entryKey struct {
	path, alias string
}

// Cache loads each key store and trust store once per process. Stores are
// read lazily on first use and kept for the process lifetime; load errors
// are not cached so a fixed file is picked up by the next cycle.
type Cache struct {
	mu      sync.Mutex
	entries map[entryKey]Entry
	pools   map[string]*x509.CertPool
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[entryKey]Entry),
		pools:   make(map[string]*x509.CertPool),
	}
}

// Entry returns the entry alias of the key store at path.
func (c *Cache) Entry(path, password, alias string) (Entry, error) {
	k := entryKey{path: path, alias: alias}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e, nil
	}

	ks, err := Load(path, password)
	if err != nil {
		return Entry{}, err
	}
	e, err := ks.Entry(alias)
	if err != nil {
		return Entry{}, err
	}
	c.entries[k] = e
	return e, nil
}

// TrustPool returns the pool of the trust store at path.
func (c *Cache) TrustPool(path, password string) (*x509.CertPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool, ok := c.pools[path]; ok {
		return pool, nil
	}

	pool, err := LoadTrustPool(path, password)
	if err != nil {
		return nil, err
	}
	c.pools[path] = pool
	return pool, nil
}
