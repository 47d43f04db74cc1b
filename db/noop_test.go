package db

import (
	"testing"

	"github.com/smallstep/assert"

	"github.com/smallstep/enrollment/errs"
)

func Test_noop(t *testing.T) {
	db := new(NoopDB)

	assert.Nil(t, db.WriteCache("foo", &CacheEntry{Data: []byte("bar")}))
	_, err := db.ReadCache("foo")
	assert.True(t, errs.Is(err, errs.CacheMiss))

	v, err := db.RegistryValue("foo")
	assert.Nil(t, v)
	assert.Nil(t, err)
	assert.Equals(t, ErrNotImplemented, db.SetRegistryValue("foo", []byte("bar")))

	assert.Nil(t, db.StorePendingRequest(&PendingRequest{ID: "1"}))
	_, err = db.GetPendingRequest("1")
	assert.True(t, errs.Is(err, errs.OutstandingRequestMissing))
	_, err = db.FindPendingRequest("hash")
	assert.True(t, errs.Is(err, errs.OutstandingRequestMissing))
	assert.Nil(t, db.DeletePendingRequest("1"))

	assert.Nil(t, db.StoreCertificate(&InstalledCertificate{Hash: "hash"}))
	_, err = db.GetCertificate("hash")
	assert.Equals(t, ErrNotImplemented, err)

	assert.Nil(t, db.Shutdown())
}
