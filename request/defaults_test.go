package request

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

func TestRequest_applyDefaults(t *testing.T) {
	ctx := context.Background()
	rsaKey := mustKeyHandle(t, mustRSAKey(t))
	ecKey := mustKeyHandle(t, mustECKey(t))

	decodeRequest := func(t *testing.T, r *Request) *Request {
		t.Helper()
		req, err := Decode(r.Encoded(), codec.Binary)
		require.NoError(t, err)
		return req
	}

	t.Run("ecdsa key usage", func(t *testing.T) {
		r := newPKCS10(t, ecKey, "CN=ec")
		require.NoError(t, r.Encode(ctx))
		e, ok := decodeRequest(t, r).Extensions().Get(x509util.OIDKeyUsage.ObjectID())
		require.True(t, ok)
		ku, err := x509util.DecodeKeyUsage(e)
		require.NoError(t, err)
		assert.True(t, ku.Has(x509util.KeyUsageDigitalSignature))
		assert.False(t, ku.Has(x509util.KeyUsageKeyEncipherment))
	})

	t.Run("custom key usage", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		custom, err := x509util.NewKeyUsage(x509util.KeyUsageKeyEncipherment)
		require.NoError(t, err)
		require.NoError(t, r.AddExtension(custom))
		require.NoError(t, r.Encode(ctx))
		exts := decodeRequest(t, r).Extensions()
		assert.Equal(t, 1, countExtensions(exts, x509util.OIDKeyUsage))
		e, _ := exts.Get(x509util.OIDKeyUsage.ObjectID())
		ku, err := x509util.DecodeKeyUsage(e)
		require.NoError(t, err)
		assert.False(t, ku.Has(x509util.KeyUsageDigitalSignature))
	})

	t.Run("suppress defaults", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		require.NoError(t, r.SetSuppressDefaults(true))
		require.NoError(t, r.Encode(ctx))
		req := decodeRequest(t, r)
		assert.Equal(t, 0, req.Extensions().Len())
		assert.Equal(t, 0, req.Attributes().Len())
		assert.NoError(t, req.CheckSignature(AllowedKeySignature))
	})

	t.Run("suppress oid", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		require.NoError(t, r.SuppressOID(x509util.OIDKeyUsage.ObjectID()))
		require.NoError(t, r.SuppressOID(x509util.OIDOSVersion.ObjectID()))
		require.NoError(t, r.Encode(ctx))
		req := decodeRequest(t, r)
		assert.False(t, req.Extensions().Has(x509util.OIDKeyUsage))
		assert.True(t, req.Extensions().Has(x509util.OIDBasicConstraints))
		assert.False(t, req.Attributes().Has(x509util.OIDOSVersion))
		assert.True(t, req.Attributes().Has(x509util.OIDRequestClientInfo))
	})

	t.Run("mark critical", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		require.NoError(t, r.MarkCritical(x509util.OIDBasicConstraints.ObjectID()))
		require.NoError(t, r.Encode(ctx))
		e, ok := decodeRequest(t, r).Extensions().Get(x509util.OIDBasicConstraints.ObjectID())
		require.True(t, ok)
		assert.True(t, e.Critical)
	})

	t.Run("machine context", func(t *testing.T) {
		r := New(PKCS10)
		require.NoError(t, r.InitializeFromPrivateKey(ContextMachine, rsaKey))
		require.NoError(t, r.SetSubjectName("CN=host.example.com", 0))
		require.NoError(t, r.SetEnvironment(testEnvironment))
		require.NoError(t, r.Encode(ctx))
		a, ok := decodeRequest(t, r).Attributes().Get(x509util.OIDRequestClientInfo.ObjectID())
		require.True(t, ok)
		info, err := x509util.DecodeClientInfo(a)
		require.NoError(t, err)
		assert.Equal(t, "host.example.com$", info.UserName)
		assert.Equal(t, "host.example.com", info.MachineName)
		assert.Equal(t, "enroll", info.ProcessName)
	})

	t.Run("certificate without attributes", func(t *testing.T) {
		r := New(Certificate)
		require.NoError(t, r.InitializeFromPrivateKey(ContextUser, ecKey))
		require.NoError(t, r.SetSubjectName("CN=self", 0))
		require.NoError(t, r.SetEnvironment(testEnvironment))
		require.NoError(t, r.Encode(ctx))
		assert.Equal(t, 0, r.Attributes().Len())
		assert.True(t, r.Extensions().Has(x509util.OIDSubjectKeyIdentifier))
	})

	t.Run("fail attributes", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		exts, err := x509util.NewExtensions()
		require.NoError(t, err)
		attr, err := x509util.NewExtensionRequestAttribute(exts)
		require.NoError(t, err)
		assert.Equal(t, errs.ValidationError, errs.KindOf(r.AddAttribute(attr)))

		osv, err := x509util.NewOSVersionAttribute("plan9")
		require.NoError(t, err)
		require.NoError(t, r.AddAttribute(osv))
		assert.Equal(t, errs.DuplicateExtension, errs.KindOf(r.AddAttribute(osv)))

		c := New(Certificate)
		require.NoError(t, c.InitializeFromPrivateKey(ContextUser, rsaKey))
		assert.Equal(t, errs.ValidationError, errs.KindOf(c.AddAttribute(osv)))
	})

	t.Run("explicit attributes win", func(t *testing.T) {
		r := newPKCS10(t, rsaKey, "CN=rsa")
		osv, err := x509util.NewOSVersionAttribute("plan9")
		require.NoError(t, err)
		require.NoError(t, r.AddAttribute(osv))
		require.NoError(t, r.Encode(ctx))
		a, ok := decodeRequest(t, r).Attributes().Get(x509util.OIDOSVersion.ObjectID())
		require.True(t, ok)
		v, err := x509util.DecodeOSVersion(a)
		require.NoError(t, err)
		assert.Equal(t, "plan9", v)
	})
}
