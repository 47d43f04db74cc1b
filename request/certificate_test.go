package request

import (
	"context"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

func TestRequest_Encode_certificate(t *testing.T) {
	ctx := context.Background()
	key := mustKeyHandle(t, mustECKey(t))
	notBefore := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2055, 1, 1, 0, 0, 0, 0, time.UTC)

	issuer, err := x509util.EncodeName("CN=Issuer,O=Smallstep", 0)
	require.NoError(t, err)

	r := New(Certificate)
	require.NoError(t, r.InitializeFromPrivateKey(ContextUser, key))
	require.NoError(t, r.SetSubjectName("CN=leaf,O=Smallstep", 0))
	require.NoError(t, r.SetValidity(notBefore, notAfter))
	require.NoError(t, r.SetSerialNumber(big.NewInt(1234)))
	require.NoError(t, r.SetIssuer(issuer))
	require.NoError(t, r.Encode(ctx))
	assert.Equal(t, Signed, r.State())
	assert.NoError(t, r.CheckSignature(AllowedKeySignature))

	cert, err := x509.ParseCertificate(r.Encoded())
	require.NoError(t, err)
	assert.Equal(t, 3, cert.Version)
	assert.Equal(t, "leaf", cert.Subject.CommonName)
	assert.Equal(t, "Issuer", cert.Issuer.CommonName)
	assert.Zero(t, cert.SerialNumber.Cmp(big.NewInt(1234)))
	assert.True(t, notBefore.Equal(cert.NotBefore))
	// 2055 requires a generalized time.
	assert.True(t, notAfter.Equal(cert.NotAfter))
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)
	assert.True(t, cert.BasicConstraintsValid)
	assert.False(t, cert.IsCA)
	assert.NotEmpty(t, cert.SubjectKeyId)

	// Decoded certificates keep the fields.
	decoded, err := Decode(r.Encoded(), codec.Binary)
	require.NoError(t, err)
	assert.Equal(t, Certificate, decoded.Kind())
	assert.Zero(t, decoded.SerialNumber().Cmp(big.NewInt(1234)))
	assert.True(t, decoded.Issuer().Equal(issuer))
	nb, na := decoded.Validity()
	assert.True(t, notBefore.Equal(nb))
	assert.True(t, notAfter.Equal(na))
	assert.NoError(t, decoded.CheckSignature(AllowedKeySignature))
}

func TestRequest_Encode_certificateDefaults(t *testing.T) {
	r := New(Certificate)
	require.NoError(t, r.InitializeFromPrivateKey(ContextUser, mustKeyHandle(t, mustRSAKey(t))))
	require.NoError(t, r.SetSubjectName("CN=self", 0))
	require.NoError(t, r.Encode(context.Background()))

	cert, err := x509.ParseCertificate(r.Encoded())
	require.NoError(t, err)
	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	assert.Equal(t, DefaultValidity, cert.NotAfter.Sub(cert.NotBefore))
	assert.Equal(t, 1, cert.SerialNumber.Sign())
	require.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))

	// The serial number and validity are kept on reset.
	serial := r.SerialNumber()
	require.NoError(t, r.ResetForEncode())
	require.NoError(t, r.Encode(context.Background()))
	assert.Zero(t, serial.Cmp(r.SerialNumber()))
}

func TestRequest_Encode_certificateWithoutKey(t *testing.T) {
	r := New(Certificate)
	require.NoError(t, r.Initialize(ContextUser))
	require.NoError(t, r.SetSubjectName("CN=self", 0))
	err := r.Encode(context.Background())
	assert.Equal(t, errs.EncodingError, errs.KindOf(err))
	assert.Contains(t, err.Error(), "public key is required")
	assert.Equal(t, Populated, r.State())
}

func TestRequest_certificateSetters(t *testing.T) {
	now := time.Now()
	r := New(Certificate)
	require.NoError(t, r.Initialize(ContextUser))
	assert.Equal(t, errs.ValidationError, errs.KindOf(r.SetValidity(now, now)))
	assert.Equal(t, errs.ValidationError, errs.KindOf(r.SetValidity(now, now.Add(-time.Hour))))
	assert.Equal(t, errs.ValidationError, errs.KindOf(r.SetSerialNumber(nil)))
	assert.Equal(t, errs.ValidationError, errs.KindOf(r.SetSerialNumber(big.NewInt(0))))
	assert.Equal(t, errs.ValidationError, errs.KindOf(r.SetSerialNumber(big.NewInt(-1))))

	p := New(PKCS10)
	require.NoError(t, p.Initialize(ContextUser))
	assert.Equal(t, errs.ValidationError, errs.KindOf(p.SetValidity(now, now.Add(time.Hour))))
	assert.Equal(t, errs.ValidationError, errs.KindOf(p.SetSerialNumber(big.NewInt(1))))
	assert.Equal(t, errs.ValidationError, errs.KindOf(p.SetIssuer(nil)))
	assert.Nil(t, p.Issuer())
	assert.Nil(t, p.SerialNumber())
}

func TestNewFromCertificate(t *testing.T) {
	ca := mustCA(t)
	ecKey := mustECKey(t)
	cert := mustSign(t, ca, "jane", ecKey.Public())

	r, err := NewFromCertificate(cert)
	require.NoError(t, err)
	assert.Equal(t, Certificate, r.Kind())
	assert.Equal(t, Signed, r.State())
	assert.Equal(t, cert.Raw, r.Encoded())
	assert.Equal(t, "jane", r.Subject().CommonName())
	assert.Equal(t, 0, cert.SerialNumber.Cmp(r.SerialNumber()))
	assert.True(t, r.Extensions().Has(x509util.OIDAuthorityKeyIdentifier))

	// Issued by the CA, not by its own key.
	assert.Equal(t, errs.SignatureInvalid, errs.KindOf(r.CheckSignature(AllowedKeySignature)))
	assert.Equal(t, errs.RequestFrozen, errs.KindOf(r.SetSubjectName("CN=other", 0)))

	require.NoError(t, r.ResetForEncode())
	assert.Equal(t, Populated, r.State())
	require.NoError(t, r.SetKey(mustKeyHandle(t, ecKey)))
	require.NoError(t, r.Encode(context.Background()))
	assert.NoError(t, r.CheckSignature(AllowedKeySignature))

	reissued, err := x509.ParseCertificate(r.Encoded())
	require.NoError(t, err)
	assert.Equal(t, cert.RawIssuer, reissued.RawIssuer)
	assert.Zero(t, cert.SerialNumber.Cmp(reissued.SerialNumber))
	assert.Equal(t, x509.ECDSAWithSHA256, reissued.SignatureAlgorithm)

	_, err = NewFromCertificate(nil)
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}
