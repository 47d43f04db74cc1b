package db

import (
	"bytes"
	"sync"

	"github.com/smallstep/enrollment/errs"
)

// SimpleDB is an in-memory implementation of the LocalStore interface. It
// keeps the policy cache and the pending requests for the life of the
// process.
type SimpleDB struct {
	cache        *sync.Map
	registry     *sync.Map
	pending      *sync.Map
	certificates *sync.Map
}

func newSimpleDB(*Config) (*SimpleDB, error) {
	return &SimpleDB{
		cache:        new(sync.Map),
		registry:     new(sync.Map),
		pending:      new(sync.Map),
		certificates: new(sync.Map),
	}, nil
}

// NewSimpleDB returns an empty in-memory local store.
func NewSimpleDB() *SimpleDB {
	db, _ := newSimpleDB(nil)
	return db
}

// ReadCache returns a copy of the cached policy document or an errs.CacheMiss
// error.
func (s *SimpleDB) ReadCache(key string) (*CacheEntry, error) {
	v, ok := s.cache.Load(key)
	if !ok {
		return nil, errs.New(errs.CacheMiss, "policy %s is not cached", key)
	}
	entry := *v.(*CacheEntry)
	entry.Data = bytes.Clone(entry.Data)
	return &entry, nil
}

// WriteCache stores a copy of the policy document.
func (s *SimpleDB) WriteCache(key string, entry *CacheEntry) error {
	e := *entry
	e.Data = bytes.Clone(e.Data)
	s.cache.Store(key, &e)
	return nil
}

// RegistryValue returns a persisted setting, or nil if it is not set.
func (s *SimpleDB) RegistryValue(name string) ([]byte, error) {
	if v, ok := s.registry.Load(name); ok {
		return bytes.Clone(v.([]byte)), nil
	}
	return nil, nil
}

// SetRegistryValue persists a setting. A nil value deletes it.
func (s *SimpleDB) SetRegistryValue(name string, value []byte) error {
	if value == nil {
		s.registry.Delete(name)
		return nil
	}
	s.registry.Store(name, bytes.Clone(value))
	return nil
}

// StorePendingRequest stores a copy of the pending request.
func (s *SimpleDB) StorePendingRequest(pr *PendingRequest) error {
	if pr == nil || pr.ID == "" {
		return errs.New(errs.ValidationError, "pending request id cannot be empty")
	}
	v := *pr
	s.pending.Store(pr.ID, &v)
	return nil
}

// GetPendingRequest returns the pending request with the given id.
func (s *SimpleDB) GetPendingRequest(id string) (*PendingRequest, error) {
	v, ok := s.pending.Load(id)
	if !ok {
		return nil, errs.New(errs.OutstandingRequestMissing, "pending request %s not found", id)
	}
	pr := *v.(*PendingRequest)
	return &pr, nil
}

// FindPendingRequest returns the pending request for the given public key
// hash.
func (s *SimpleDB) FindPendingRequest(publicKeyHash string) (*PendingRequest, error) {
	var found *PendingRequest
	s.pending.Range(func(_, v any) bool {
		if pr := v.(*PendingRequest); pr.PublicKeyHash == publicKeyHash {
			c := *pr
			found = &c
			return false
		}
		return true
	})
	if found == nil {
		return nil, errs.New(errs.OutstandingRequestMissing, "there is no pending request for key %s", publicKeyHash)
	}
	return found, nil
}

// DeletePendingRequest removes a pending request.
func (s *SimpleDB) DeletePendingRequest(id string) error {
	s.pending.Delete(id)
	return nil
}

// StoreCertificate stores a copy of an installed certificate.
func (s *SimpleDB) StoreCertificate(ic *InstalledCertificate) error {
	if ic == nil || ic.Hash == "" {
		return errs.New(errs.ValidationError, "installed certificate hash cannot be empty")
	}
	v := *ic
	s.certificates.Store(ic.Hash, &v)
	return nil
}

// GetCertificate returns the installed certificate with the given hash.
func (s *SimpleDB) GetCertificate(hash string) (*InstalledCertificate, error) {
	v, ok := s.certificates.Load(hash)
	if !ok {
		return nil, errs.New(errs.InstallError, "certificate %s is not installed", hash)
	}
	ic := *v.(*InstalledCertificate)
	return &ic, nil
}

// Shutdown returns nil
func (s *SimpleDB) Shutdown() error {
	return nil
}
