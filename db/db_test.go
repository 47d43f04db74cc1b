package db

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/smallstep/assert"
	"github.com/smallstep/nosql"
	"github.com/smallstep/nosql/database"

	"github.com/smallstep/enrollment/errs"
)

func TestConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		config *Config
		err    error
	}{
		"ok/nil":    {},
		"ok/noop":   {config: &Config{Type: "noop"}},
		"ok/memory": {config: &Config{Type: "Memory"}},
		"ok/badger": {config: &Config{Type: "badgerv2", DataSource: "/tmp/db", BadgerFileLoadingMode: "fileio"}},
		"fail/type": {
			config: &Config{},
			err:    errors.New("db.type cannot be empty"),
		},
		"fail/dataSource": {
			config: &Config{Type: "bbolt"},
			err:    errors.New("db.dataSource cannot be empty for db.type bbolt"),
		},
		"fail/badgerFileLoadingMode": {
			config: &Config{Type: "badgerv2", DataSource: "/tmp/db", BadgerFileLoadingMode: "foo"},
			err:    errors.New("db.badgerFileLoadingMode foo is not supported"),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.err != nil {
				if assert.Error(t, err) {
					assert.Equals(t, tc.err.Error(), err.Error())
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	store, err := New(nil)
	assert.FatalError(t, err)
	assert.Type(t, new(NoopDB), store)

	store, err = New(&Config{Type: "memory"})
	assert.FatalError(t, err)
	assert.Type(t, &SimpleDB{}, store)

	_, err = New(&Config{Type: "foo", DataSource: "bar"})
	assert.Error(t, err)

	store, err = New(&Config{Type: nosql.BadgerV2Driver, DataSource: t.TempDir()})
	assert.FatalError(t, err)
	defer store.Shutdown()

	_, err = store.ReadCache("https://policy.example.com")
	assert.True(t, errs.Is(err, errs.CacheMiss))
	entry := &CacheEntry{Data: []byte(`{"templates":[]}`), ChangeToken: "1", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	assert.FatalError(t, store.WriteCache("https://policy.example.com", entry))
	got, err := store.ReadCache("https://policy.example.com")
	assert.FatalError(t, err)
	assert.Equals(t, entry.Data, got.Data)
	assert.Equals(t, "1", got.ChangeToken)
	assert.True(t, entry.UpdatedAt.Equal(got.UpdatedAt))

	pr := &PendingRequest{ID: "1", PublicKeyHash: "abc", Encoded: []byte("request")}
	assert.FatalError(t, store.StorePendingRequest(pr))
	found, err := store.FindPendingRequest("abc")
	assert.FatalError(t, err)
	assert.Equals(t, "1", found.ID)
	assert.FatalError(t, store.DeletePendingRequest("1"))
	_, err = store.GetPendingRequest("1")
	assert.True(t, errs.Is(err, errs.OutstandingRequestMissing))
}

func TestWrap(t *testing.T) {
	var tables []string
	_, err := Wrap(&MockNoSQLDB{
		MCreateTable: func(bucket []byte) error {
			tables = append(tables, string(bucket))
			return nil
		},
	})
	assert.FatalError(t, err)
	assert.Equals(t, []string{"policy_cache", "registry", "pending_requests", "installed_certificates"}, tables)

	_, err = Wrap(&MockNoSQLDB{Err: errors.New("force")})
	if assert.Error(t, err) {
		assert.Equals(t, "error creating table policy_cache: force", err.Error())
	}
}

func TestDB_ReadCache(t *testing.T) {
	entry := &CacheEntry{Data: []byte("policy"), ChangeToken: "token"}
	b, err := json.Marshal(entry)
	assert.FatalError(t, err)

	tests := map[string]struct {
		db   *DB
		kind errs.Kind
		err  error
		want *CacheEntry
	}{
		"fail/not-found": {
			db:   &DB{&MockNoSQLDB{Err: database.ErrNotFound}},
			kind: errs.CacheMiss,
			err:  errors.New("policy key is not cached"),
		},
		"fail/force": {
			db:  &DB{&MockNoSQLDB{Err: errors.New("force")}},
			err: errors.New("error reading policy cache: force"),
		},
		"fail/unmarshal": {
			db:  &DB{&MockNoSQLDB{Ret1: []byte("{")}},
			err: errors.New("error unmarshaling cached policy key"),
		},
		"ok": {
			db: &DB{&MockNoSQLDB{
				MGet: func(bucket, key []byte) ([]byte, error) {
					assert.Equals(t, cacheTable, bucket)
					assert.Equals(t, []byte("key"), key)
					return b, nil
				},
			}},
			want: entry,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.db.ReadCache("key")
			if err != nil {
				if assert.NotNil(t, tc.err) {
					assert.HasPrefix(t, err.Error(), tc.err.Error())
					assert.Equals(t, tc.kind, errs.KindOf(err))
				}
			} else {
				assert.Nil(t, tc.err)
				assert.Equals(t, tc.want.Data, got.Data)
				assert.Equals(t, tc.want.ChangeToken, got.ChangeToken)
			}
		})
	}
}

func TestDB_RegistryValue(t *testing.T) {
	tests := map[string]struct {
		db   *DB
		want []byte
		err  error
	}{
		"ok/not-found": {
			db: &DB{&MockNoSQLDB{Err: database.ErrNotFound}},
		},
		"ok": {
			db:   &DB{&MockNoSQLDB{Ret1: []byte("https://policy.example.com")}},
			want: []byte("https://policy.example.com"),
		},
		"fail/force": {
			db:  &DB{&MockNoSQLDB{Err: errors.New("force")}},
			err: errors.New("error reading registry value servers: force"),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.db.RegistryValue("servers")
			if err != nil {
				if assert.NotNil(t, tc.err) {
					assert.HasPrefix(t, err.Error(), tc.err.Error())
				}
			} else {
				assert.Nil(t, tc.err)
				assert.Equals(t, tc.want, got)
			}
		})
	}
}

func TestDB_SetRegistryValue(t *testing.T) {
	var deleted, stored bool
	db := &DB{&MockNoSQLDB{
		MDel: func(bucket, key []byte) error {
			assert.Equals(t, registryTable, bucket)
			deleted = true
			return database.ErrNotFound
		},
		MSet: func(bucket, key, value []byte) error {
			assert.Equals(t, registryTable, bucket)
			assert.Equals(t, []byte("servers"), key)
			assert.Equals(t, []byte("value"), value)
			stored = true
			return nil
		},
	}}
	assert.FatalError(t, db.SetRegistryValue("servers", nil))
	assert.FatalError(t, db.SetRegistryValue("servers", []byte("value")))
	assert.True(t, deleted)
	assert.True(t, stored)

	db = &DB{&MockNoSQLDB{Err: errors.New("force")}}
	err := db.SetRegistryValue("servers", []byte("value"))
	if assert.Error(t, err) {
		assert.Equals(t, "error storing registry value servers: force", err.Error())
	}
}

func TestDB_FindPendingRequest(t *testing.T) {
	mustEntry := func(pr *PendingRequest) *database.Entry {
		b, err := json.Marshal(pr)
		assert.FatalError(t, err)
		return &database.Entry{Bucket: pendingTable, Key: []byte(pr.ID), Value: b}
	}
	entries := []*database.Entry{
		mustEntry(&PendingRequest{ID: "1", PublicKeyHash: "aaa"}),
		mustEntry(&PendingRequest{ID: "2", PublicKeyHash: "bbb", RequestID: "42"}),
	}

	tests := map[string]struct {
		db   *DB
		hash string
		want string
		kind errs.Kind
		err  error
	}{
		"ok": {
			db:   &DB{&MockNoSQLDB{Ret1: entries}},
			hash: "bbb",
			want: "2",
		},
		"fail/missing": {
			db:   &DB{&MockNoSQLDB{Ret1: entries}},
			hash: "ccc",
			kind: errs.OutstandingRequestMissing,
			err:  errors.New("there is no pending request for key ccc"),
		},
		"fail/empty-table": {
			db: &DB{&MockNoSQLDB{
				MList: func([]byte) ([]*database.Entry, error) {
					return nil, database.ErrNotFound
				},
			}},
			hash: "aaa",
			kind: errs.OutstandingRequestMissing,
			err:  errors.New("there is no pending request for key aaa"),
		},
		"fail/force": {
			db: &DB{&MockNoSQLDB{
				MList: func([]byte) ([]*database.Entry, error) {
					return nil, errors.New("force")
				},
			}},
			hash: "aaa",
			err:  errors.New("error listing pending requests: force"),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.db.FindPendingRequest(tc.hash)
			if err != nil {
				if assert.NotNil(t, tc.err) {
					assert.HasPrefix(t, err.Error(), tc.err.Error())
					assert.Equals(t, tc.kind, errs.KindOf(err))
				}
			} else {
				assert.Nil(t, tc.err)
				assert.Equals(t, tc.want, got.ID)
			}
		})
	}
}

func TestDB_StoreCertificate(t *testing.T) {
	ic := &InstalledCertificate{Hash: "abcd", Context: "user", Certificate: []byte("cert")}
	var stored []byte
	db := &DB{&MockNoSQLDB{
		MSet: func(bucket, key, value []byte) error {
			assert.Equals(t, certificatesTable, bucket)
			assert.Equals(t, []byte("abcd"), key)
			stored = value
			return nil
		},
		MGet: func(bucket, key []byte) ([]byte, error) {
			if stored == nil {
				return nil, database.ErrNotFound
			}
			return stored, nil
		},
	}}

	_, err := db.GetCertificate("abcd")
	assert.True(t, errs.Is(err, errs.InstallError))
	assert.True(t, errs.Is(db.StoreCertificate(&InstalledCertificate{}), errs.ValidationError))
	assert.FatalError(t, db.StoreCertificate(ic))
	got, err := db.GetCertificate("abcd")
	assert.FatalError(t, err)
	assert.Equals(t, ic, got)
}
