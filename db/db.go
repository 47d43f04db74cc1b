package db

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/smallstep/nosql"

	"github.com/smallstep/enrollment/errs"
)

var (
	cacheTable        = []byte("policy_cache")
	registryTable     = []byte("registry")
	pendingTable      = []byte("pending_requests")
	certificatesTable = []byte("installed_certificates")
)

// Types of local stores that are not backed by nosql.
const (
	// NoopType is a store that keeps nothing.
	NoopType = "noop"
	// MemoryType is an in-memory store.
	MemoryType = "memory"
)

// ErrNotImplemented is an error returned when an operation is Not Implemented.
var ErrNotImplemented = errors.Errorf("not implemented")

// Config represents the JSON attributes used for configuring the local store.
type Config struct {
	Type                  string `json:"type"`
	DataSource            string `json:"dataSource"`
	ValueDir              string `json:"valueDir,omitempty"`
	Database              string `json:"database,omitempty"`
	BadgerFileLoadingMode string `json:"badgerFileLoadingMode,omitempty"`
}

// Validate checks the store configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch strings.ToLower(c.Type) {
	case NoopType, MemoryType:
		return nil
	case "":
		return errors.New("db.type cannot be empty")
	}
	if c.DataSource == "" {
		return errors.Errorf("db.dataSource cannot be empty for db.type %s", c.Type)
	}
	switch strings.ToLower(c.BadgerFileLoadingMode) {
	case "", nosql.BadgerMemoryMap, nosql.BadgerFileIO:
		return nil
	default:
		return errors.Errorf("db.badgerFileLoadingMode %s is not supported", c.BadgerFileLoadingMode)
	}
}

// CacheEntry is a cached policy document.
type CacheEntry struct {
	Data        []byte    `json:"data"`
	ChangeToken string    `json:"changeToken,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	NextUpdate  time.Time `json:"nextUpdate,omitempty"`
}

// PendingRequest is a request submitted to a CA and waiting for a response.
type PendingRequest struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"requestID,omitempty"`
	Context       string    `json:"context"`
	Kind          string    `json:"kind"`
	Encoded       []byte    `json:"encoded"`
	PublicKeyHash string    `json:"publicKeyHash"`
	KeyContainer  string    `json:"keyContainer,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	CAConfig      string    `json:"caConfig,omitempty"`
	Template      string    `json:"template,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// InstalledCertificate is a certificate installed in a user or machine store.
// Certificates are indexed by their SHA-1 hash.
type InstalledCertificate struct {
	Hash         string    `json:"hash"`
	Context      string    `json:"context"`
	Certificate  []byte    `json:"certificate"`
	Chain        [][]byte  `json:"chain,omitempty"`
	KeyContainer string    `json:"keyContainer,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	FriendlyName string    `json:"friendlyName,omitempty"`
	InstalledAt  time.Time `json:"installedAt"`
}

// LocalStore persists the policy cache, registry-like settings, pending
// requests and installed certificates.
type LocalStore interface {
	ReadCache(key string) (*CacheEntry, error)
	WriteCache(key string, entry *CacheEntry) error
	RegistryValue(name string) ([]byte, error)
	SetRegistryValue(name string, value []byte) error
	StorePendingRequest(pr *PendingRequest) error
	GetPendingRequest(id string) (*PendingRequest, error)
	FindPendingRequest(publicKeyHash string) (*PendingRequest, error)
	DeletePendingRequest(id string) error
	StoreCertificate(ic *InstalledCertificate) error
	GetCertificate(hash string) (*InstalledCertificate, error)
	Shutdown() error
}

// DB is a wrapper over the nosql.DB interface.
type DB struct {
	nosql.DB
}

// New returns a new local store for the given configuration. A nil
// configuration returns a NoopDB.
func New(c *Config) (LocalStore, error) {
	if c == nil {
		return new(NoopDB), nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(c.Type) {
	case NoopType:
		return new(NoopDB), nil
	case MemoryType:
		return newSimpleDB(c)
	}

	opts := []nosql.Option{
		nosql.WithDatabase(c.Database),
		nosql.WithValueDir(c.ValueDir),
	}
	if c.BadgerFileLoadingMode != "" {
		opts = append(opts, nosql.WithBadgerFileLoadingMode(c.BadgerFileLoadingMode))
	}
	db, err := nosql.New(c.Type, c.DataSource, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s database", c.Type)
	}
	return Wrap(db)
}

// Wrap creates the local store tables in db and returns the store.
func Wrap(db nosql.DB) (*DB, error) {
	tables := [][]byte{cacheTable, registryTable, pendingTable, certificatesTable}
	for _, b := range tables {
		if err := db.CreateTable(b); err != nil {
			return nil, errors.Wrapf(err, "error creating table %s", string(b))
		}
	}
	return &DB{db}, nil
}

// ReadCache returns the cached policy document with the given key. It
// returns an errs.CacheMiss error if nothing is cached.
func (db *DB) ReadCache(key string) (*CacheEntry, error) {
	b, err := db.Get(cacheTable, []byte(key))
	if err != nil {
		if nosql.IsErrNotFound(err) {
			return nil, errs.New(errs.CacheMiss, "policy %s is not cached", key)
		}
		return nil, errors.Wrap(err, "error reading policy cache")
	}
	entry := new(CacheEntry)
	if err := json.Unmarshal(b, entry); err != nil {
		return nil, errors.Wrapf(err, "error unmarshaling cached policy %s", key)
	}
	return entry, nil
}

// WriteCache stores a policy document.
func (db *DB) WriteCache(key string, entry *CacheEntry) error {
	return db.setJSON(cacheTable, key, entry)
}

// RegistryValue returns a persisted setting, or nil if it is not set.
func (db *DB) RegistryValue(name string) ([]byte, error) {
	b, err := db.Get(registryTable, []byte(name))
	switch {
	case nosql.IsErrNotFound(err):
		return nil, nil
	case err != nil:
		return nil, errors.Wrapf(err, "error reading registry value %s", name)
	default:
		return b, nil
	}
}

// SetRegistryValue persists a setting. A nil value deletes it.
func (db *DB) SetRegistryValue(name string, value []byte) error {
	if value == nil {
		if err := db.Del(registryTable, []byte(name)); err != nil && !nosql.IsErrNotFound(err) {
			return errors.Wrapf(err, "error deleting registry value %s", name)
		}
		return nil
	}
	if err := db.Set(registryTable, []byte(name), value); err != nil {
		return errors.Wrapf(err, "error storing registry value %s", name)
	}
	return nil
}

// StorePendingRequest stores a pending request by its id.
func (db *DB) StorePendingRequest(pr *PendingRequest) error {
	if pr == nil || pr.ID == "" {
		return errs.New(errs.ValidationError, "pending request id cannot be empty")
	}
	return db.setJSON(pendingTable, pr.ID, pr)
}

// GetPendingRequest returns the pending request with the given id. It
// returns an errs.OutstandingRequestMissing error if it does not exist.
func (db *DB) GetPendingRequest(id string) (*PendingRequest, error) {
	b, err := db.Get(pendingTable, []byte(id))
	if err != nil {
		if nosql.IsErrNotFound(err) {
			return nil, errs.New(errs.OutstandingRequestMissing, "pending request %s not found", id)
		}
		return nil, errors.Wrapf(err, "error loading pending request %s", id)
	}
	return unmarshalPendingRequest(b)
}

// FindPendingRequest returns the pending request for the given public key
// hash. It returns an errs.OutstandingRequestMissing error if there is none.
func (db *DB) FindPendingRequest(publicKeyHash string) (*PendingRequest, error) {
	entries, err := db.List(pendingTable)
	if err != nil && !nosql.IsErrNotFound(err) {
		return nil, errors.Wrap(err, "error listing pending requests")
	}
	for _, e := range entries {
		pr, err := unmarshalPendingRequest(e.Value)
		if err != nil {
			return nil, err
		}
		if pr.PublicKeyHash == publicKeyHash {
			return pr, nil
		}
	}
	return nil, errs.New(errs.OutstandingRequestMissing, "there is no pending request for key %s", publicKeyHash)
}

// DeletePendingRequest removes a pending request.
func (db *DB) DeletePendingRequest(id string) error {
	if err := db.Del(pendingTable, []byte(id)); err != nil && !nosql.IsErrNotFound(err) {
		return errors.Wrapf(err, "error deleting pending request %s", id)
	}
	return nil
}

// StoreCertificate stores an installed certificate by its hash.
func (db *DB) StoreCertificate(ic *InstalledCertificate) error {
	if ic == nil || ic.Hash == "" {
		return errs.New(errs.ValidationError, "installed certificate hash cannot be empty")
	}
	return db.setJSON(certificatesTable, ic.Hash, ic)
}

// GetCertificate returns the installed certificate with the given hash.
func (db *DB) GetCertificate(hash string) (*InstalledCertificate, error) {
	b, err := db.Get(certificatesTable, []byte(hash))
	if err != nil {
		if nosql.IsErrNotFound(err) {
			return nil, errs.New(errs.InstallError, "certificate %s is not installed", hash)
		}
		return nil, errors.Wrapf(err, "error loading certificate %s", hash)
	}
	ic := new(InstalledCertificate)
	if err := json.Unmarshal(b, ic); err != nil {
		return nil, errors.Wrapf(err, "error unmarshaling certificate %s", hash)
	}
	return ic, nil
}

// Shutdown sends a shutdown message to the database.
func (db *DB) Shutdown() error {
	if err := db.Close(); err != nil {
		return errors.Wrap(err, "database shutdown error")
	}
	return nil
}

func (db *DB) setJSON(table []byte, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "error marshaling %s/%s", table, key)
	}
	if err := db.Set(table, []byte(key), b); err != nil {
		return errors.Wrapf(err, "error storing %s/%s", table, key)
	}
	return nil
}

func unmarshalPendingRequest(b []byte) (*PendingRequest, error) {
	pr := new(PendingRequest)
	if err := json.Unmarshal(b, pr); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling pending request")
	}
	return pr, nil
}
