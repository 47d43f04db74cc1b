package db

import "github.com/smallstep/enrollment/errs"

// NoopDB implements the LocalStore interface with Noops. Nothing is cached
// and nothing is persisted.
type NoopDB int

// ReadCache always returns an errs.CacheMiss error.
func (n *NoopDB) ReadCache(key string) (*CacheEntry, error) {
	return nil, errs.New(errs.CacheMiss, "policy %s is not cached", key)
}

// WriteCache noop
func (n *NoopDB) WriteCache(string, *CacheEntry) error {
	return nil
}

// RegistryValue noop
func (n *NoopDB) RegistryValue(string) ([]byte, error) {
	return nil, nil
}

// SetRegistryValue returns a "NotImplemented" error.
func (n *NoopDB) SetRegistryValue(string, []byte) error {
	return ErrNotImplemented
}

// StorePendingRequest noop
func (n *NoopDB) StorePendingRequest(*PendingRequest) error {
	return nil
}

// GetPendingRequest always returns an errs.OutstandingRequestMissing error.
func (n *NoopDB) GetPendingRequest(id string) (*PendingRequest, error) {
	return nil, errs.New(errs.OutstandingRequestMissing, "pending request %s not found", id)
}

// FindPendingRequest always returns an errs.OutstandingRequestMissing error.
func (n *NoopDB) FindPendingRequest(publicKeyHash string) (*PendingRequest, error) {
	return nil, errs.New(errs.OutstandingRequestMissing, "there is no pending request for key %s", publicKeyHash)
}

// DeletePendingRequest noop
func (n *NoopDB) DeletePendingRequest(string) error {
	return nil
}

// StoreCertificate noop
func (n *NoopDB) StoreCertificate(*InstalledCertificate) error {
	return nil
}

// GetCertificate returns a "NotImplemented" error.
func (n *NoopDB) GetCertificate(string) (*InstalledCertificate, error) {
	return nil, ErrNotImplemented
}

// Shutdown returns nil
func (n *NoopDB) Shutdown() error {
	return nil
}
