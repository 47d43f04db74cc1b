package request

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/kms/softkms"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/transport"
	"github.com/smallstep/enrollment/x509util"
)

var testEnvironment = Environment{
	ClientInfo: x509util.ClientInfo{
		ClientID:    x509util.ClientIDUserStart,
		MachineName: "host.example.com",
		UserName:    "jane",
		ProcessName: "enroll",
	},
	OSVersion: "linux/amd64",
}

func mustSoftKMS(t *testing.T) *softkms.SoftKMS {
	t.Helper()
	k, err := softkms.New(context.Background(), apiv1.Options{})
	require.NoError(t, err)
	return k
}

func mustKeyHandle(t *testing.T, signer crypto.Signer) *apiv1.KeyHandle {
	t.Helper()
	h, err := mustSoftKMS(t).ImportKey("", signer, apiv1.AllowArchiving)
	require.NoError(t, err)
	return h
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func mustECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func mustEd25519Key(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}

// newPKCS10 returns a populated PKCS#10 request with a fixed environment.
func newPKCS10(t *testing.T, key *apiv1.KeyHandle, subject string) *Request {
	t.Helper()
	r := New(PKCS10)
	require.NoError(t, r.InitializeFromPrivateKey(ContextUser, key))
	require.NoError(t, r.SetSubjectName(subject, 0))
	require.NoError(t, r.SetEnvironment(testEnvironment))
	return r
}

func countExtensions(exts *x509util.Extensions, k x509util.KnownOID) int {
	var n int
	for _, e := range exts.Items() {
		if e.ID.Is(k) {
			n++
		}
	}
	return n
}

func TestNew(t *testing.T) {
	r := New(PKCS10)
	assert.Equal(t, PKCS10, r.Kind())
	assert.Equal(t, Uninitialized, r.State())
	assert.Equal(t, ContextNone, r.Context())
	assert.Nil(t, r.Encoded())

	err := r.Encode(context.Background())
	assert.True(t, errs.Is(err, errs.ValidationError))
	err = r.SetSubjectName("CN=test", 0)
	assert.True(t, errs.Is(err, errs.ValidationError))
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{PKCS10, PKCS7, CMC, Certificate} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind("CMC")
	require.NoError(t, err)
	assert.Equal(t, CMC, got)
	_, err = ParseKind("pkcs12")
	assert.True(t, errs.Is(err, errs.ValidationError))
}

func TestRequest_Initialize(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		ctx      Context
		wantKind errs.Kind
	}{
		{"ok pkcs10", PKCS10, ContextUser, errs.Unknown},
		{"ok pkcs7", PKCS7, ContextMachine, errs.Unknown},
		{"ok cmc", CMC, ContextAdministratorForceMachine, errs.Unknown},
		{"ok certificate", Certificate, ContextUser, errs.Unknown},
		{"fail context", PKCS10, ContextNone, errs.ValidationError},
		{"fail kind", Kind(99), ContextUser, errs.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.kind)
			err := r.Initialize(tt.ctx)
			if tt.wantKind != errs.Unknown {
				assert.Equal(t, tt.wantKind, errs.KindOf(err))
				assert.Equal(t, Uninitialized, r.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Initialized, r.State())
			assert.Equal(t, tt.ctx, r.Context())

			err = r.Initialize(tt.ctx)
			assert.Equal(t, errs.AlreadyInitialized, errs.KindOf(err))
		})
	}
}

func TestRequest_InnerRequest(t *testing.T) {
	r := New(PKCS10)
	require.NoError(t, r.Initialize(ContextUser))
	_, err := r.InnerRequest(Next)
	assert.Equal(t, errs.NoInnerRequest, errs.KindOf(err))

	inner := New(PKCS10)
	require.NoError(t, inner.Initialize(ContextUser))
	p7 := New(PKCS7)
	require.NoError(t, p7.InitializeFromInnerRequest(ContextUser, inner))
	cmc := New(CMC)
	require.NoError(t, cmc.InitializeFromInnerRequest(ContextUser, p7))

	got, err := cmc.InnerRequest(Next)
	require.NoError(t, err)
	assert.Same(t, p7, got)
	got, err = cmc.InnerRequest(Innermost)
	require.NoError(t, err)
	assert.Same(t, inner, got)

	bad := New(PKCS7)
	err = bad.InitializeFromInnerRequest(ContextUser, p7)
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	assert.Equal(t, Uninitialized, bad.State())
}

func TestRequest_Encode_pkcs10(t *testing.T) {
	ctx := context.Background()
	key := mustKeyHandle(t, mustRSAKey(t))
	r := newPKCS10(t, key, "CN=test")
	bc, err := x509util.NewBasicConstraints(false, -1)
	require.NoError(t, err)
	require.NoError(t, r.AddExtension(bc))
	assert.Equal(t, Populated, r.State())

	require.NoError(t, r.Encode(ctx))
	assert.Equal(t, Signed, r.State())
	assert.NoError(t, r.CheckSignature(AllowedKeySignature))
	assert.Equal(t, errs.SignatureInvalid, errs.KindOf(r.CheckSignature(AllowedNullSignature)))

	// Encoding twice is a noop.
	der := r.Encoded()
	require.NoError(t, r.Encode(ctx))
	assert.Equal(t, der, r.Encoded())

	encodings := []codec.Encoding{
		codec.Base64Header, codec.Base64, codec.Binary, codec.Base64RequestHeader,
		codec.Hex, codec.HexASCII, codec.HexAddress, codec.HexASCIIAddress, codec.HexRaw,
	}
	for _, enc := range encodings {
		t.Run(enc.String(), func(t *testing.T) {
			s, err := r.RawData(enc)
			require.NoError(t, err)
			got, err := Decode([]byte(s), enc)
			require.NoError(t, err)
			assert.Equal(t, PKCS10, got.Kind())
			assert.Equal(t, Signed, got.State())
			assert.Equal(t, ContextNone, got.Context())
			assert.Equal(t, der, got.Encoded())
			assert.True(t, r.Subject().Equal(got.Subject()))
			assert.NoError(t, samePublicKey(key.Public(), got.PublicKey()))
			assert.NoError(t, got.CheckSignature(AllowedKeySignature))

			exts := got.Extensions()
			assert.Equal(t, 1, countExtensions(exts, x509util.OIDBasicConstraints))
			e, ok := exts.Get(x509util.OIDBasicConstraints.ObjectID())
			require.True(t, ok)
			v, err := x509util.DecodeBasicConstraints(e)
			require.NoError(t, err)
			assert.False(t, v.IsCA)
			assert.True(t, exts.Has(x509util.OIDKeyUsage))
			assert.True(t, exts.Has(x509util.OIDSubjectKeyIdentifier))

			attrs := got.Attributes()
			assert.True(t, attrs.Has(x509util.OIDRequestClientInfo))
			assert.True(t, attrs.Has(x509util.OIDOSVersion))
			assert.True(t, attrs.Has(x509util.OIDEnrollmentCSPProvider))
			assert.False(t, attrs.Has(x509util.OIDExtensionRequest))

			info, err := got.SignatureInfo()
			require.NoError(t, err)
			assert.True(t, info.HashAlgorithm.Is(x509util.OIDSHA256))
			assert.True(t, info.PublicKeyAlgorithm.Is(x509util.OIDRSAEncryption))
		})
	}
}

func TestRequest_frozen(t *testing.T) {
	r := newPKCS10(t, mustKeyHandle(t, mustECKey(t)), "CN=test")
	require.NoError(t, r.Encode(context.Background()))

	assert.Equal(t, errs.RequestFrozen, errs.KindOf(r.SetSubjectName("CN=other", 0)))
	assert.Equal(t, errs.RequestFrozen, errs.KindOf(r.SetSilent(true)))
	assert.Equal(t, errs.RequestFrozen, errs.KindOf(r.SuppressOID(x509util.OIDKeyUsage.ObjectID())))
	_, err := r.RemoveExtension(x509util.OIDKeyUsage.ObjectID())
	assert.Equal(t, errs.RequestFrozen, errs.KindOf(err))
	assert.Equal(t, errs.AlreadyInitialized, errs.KindOf(r.Initialize(ContextUser)))
	assert.Equal(t, errs.AlreadyInitialized, errs.KindOf(r.Decode(r.Encoded(), codec.Binary)))

	require.NoError(t, r.ResetForEncode())
	assert.Equal(t, Populated, r.State())
	assert.NoError(t, r.SetSubjectName("CN=other", 0))
}

func TestRequest_ResetForEncode(t *testing.T) {
	ctx := context.Background()
	nullSigned := func(t *testing.T) *Request {
		r := New(PKCS10)
		require.NoError(t, r.InitializeFromPublicKey(ContextUser, mustECKey(t).Public()))
		require.NoError(t, r.SetSubjectName("CN=null", 0))
		require.NoError(t, r.SetEnvironment(testEnvironment))
		require.NoError(t, r.SetSignatureInfo(signature.Info{NullSigned: true}))
		return r
	}

	tests := []struct {
		name    string
		request func(t *testing.T) *Request
		allowed CheckSignatureFlags
	}{
		{"null signed", nullSigned, AllowedNullSignature},
		{"rsa", func(t *testing.T) *Request {
			return newPKCS10(t, mustKeyHandle(t, mustRSAKey(t)), "CN=rsa")
		}, AllowedKeySignature},
		{"ed25519", func(t *testing.T) *Request {
			return newPKCS10(t, mustKeyHandle(t, mustEd25519Key(t)), "CN=ed25519")
		}, AllowedKeySignature},
		{"certificate", func(t *testing.T) *Request {
			r := New(Certificate)
			require.NoError(t, r.InitializeFromPrivateKey(ContextUser, mustKeyHandle(t, mustRSAKey(t))))
			require.NoError(t, r.SetSubjectName("CN=self", 0))
			return r
		}, AllowedKeySignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.request(t)
			attrs, exts := r.Attributes().Len(), r.Extensions().Len()

			require.NoError(t, r.Encode(ctx))
			first := r.Encoded()
			assert.NoError(t, r.CheckSignature(tt.allowed))

			require.NoError(t, r.ResetForEncode())
			assert.Equal(t, Populated, r.State())
			assert.Nil(t, r.Encoded())
			assert.Equal(t, attrs, r.Attributes().Len())
			assert.Equal(t, exts, r.Extensions().Len())

			// Reset on a populated request is a noop.
			require.NoError(t, r.ResetForEncode())

			require.NoError(t, r.Encode(ctx))
			assert.Equal(t, first, r.Encoded())
		})
	}
}

func TestRequest_Encode_silent(t *testing.T) {
	ctx := context.Background()
	pin := []byte("1234")
	k := mustSoftKMS(t)
	created, err := k.Create(ctx, &apiv1.CreateKeyRequest{
		Container:  "locked",
		Protection: apiv1.ProtectHigh,
		Pin:        pin,
	})
	require.NoError(t, err)
	require.NotNil(t, created)

	t.Run("interaction required", func(t *testing.T) {
		key, err := k.Open(ctx, "locked", "")
		require.NoError(t, err)
		r := newPKCS10(t, key, "CN=locked")
		require.NoError(t, r.SetSilent(true))
		attrs, exts := r.Attributes().Len(), r.Extensions().Len()

		err = r.Encode(ctx)
		assert.Equal(t, errs.InteractionRequired, errs.KindOf(err))
		assert.Equal(t, Populated, r.State())
		assert.Equal(t, attrs, r.Attributes().Len())
		assert.Equal(t, exts, r.Extensions().Len())

		require.NoError(t, r.SetSilent(false))
		require.NoError(t, r.SetCredentialUI(transport.CredentialUIFunc(func(context.Context, string) (*transport.Credential, error) {
			return &transport.Credential{Secret: pin}, nil
		})))
		require.NoError(t, r.Encode(ctx))
		assert.Equal(t, Signed, r.State())
		assert.NoError(t, r.CheckSignature(AllowedKeySignature))
	})

	t.Run("smart card", func(t *testing.T) {
		key, err := k.Open(ctx, "locked", "")
		require.NoError(t, err)
		r := newPKCS10(t, key, "CN=locked")
		require.NoError(t, r.SetSilent(true))
		require.NoError(t, r.SetSmartCard(true))
		err = r.Encode(ctx)
		assert.Equal(t, errs.InteractionRequired, errs.KindOf(err))
		assert.Equal(t, Populated, r.State())
	})

	t.Run("no ui", func(t *testing.T) {
		key, err := k.Open(ctx, "locked", "")
		require.NoError(t, err)
		r := newPKCS10(t, key, "CN=locked")
		err = r.Encode(ctx)
		assert.Equal(t, errs.InteractionRequired, errs.KindOf(err))
	})
}

func TestRequest_Encode_errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no subject", func(t *testing.T) {
		r := New(PKCS10)
		require.NoError(t, r.InitializeFromPrivateKey(ContextUser, mustKeyHandle(t, mustECKey(t))))
		assert.Equal(t, errs.EncodingError, errs.KindOf(r.Encode(ctx)))
		assert.Equal(t, Populated, r.State())
	})
	t.Run("no key", func(t *testing.T) {
		r := New(PKCS10)
		require.NoError(t, r.Initialize(ContextUser))
		require.NoError(t, r.SetSubjectName("CN=test", 0))
		assert.Equal(t, errs.EncodingError, errs.KindOf(r.Encode(ctx)))
	})
	t.Run("public key only", func(t *testing.T) {
		r := New(PKCS10)
		require.NoError(t, r.InitializeFromPublicKey(ContextUser, mustECKey(t).Public()))
		require.NoError(t, r.SetSubjectName("CN=test", 0))
		assert.Equal(t, errs.SignatureError, errs.KindOf(r.Encode(ctx)))
	})
	t.Run("unsupported pair", func(t *testing.T) {
		r := newPKCS10(t, mustKeyHandle(t, mustECKey(t)), "CN=test")
		err := r.SetSignatureInfo(signature.Info{
			HashAlgorithm:      x509util.OIDSHA256.ObjectID(),
			PublicKeyAlgorithm: x509util.OIDEd25519.ObjectID(),
		})
		assert.Equal(t, errs.UnsupportedAlgorithmPair, errs.KindOf(err))
	})
}

func TestRequest_Decode(t *testing.T) {
	r := newPKCS10(t, mustKeyHandle(t, mustECKey(t)), "CN=test")
	require.NoError(t, r.Encode(context.Background()))
	pemData, err := r.RawData(codec.Base64RequestHeader)
	require.NoError(t, err)

	got := New(PKCS10)
	require.NoError(t, got.Decode([]byte(pemData), codec.Base64RequestHeader))
	assert.Equal(t, r.Encoded(), got.Encoded())

	wrong := New(Certificate)
	err = wrong.Decode([]byte(pemData), codec.Base64RequestHeader)
	assert.Equal(t, errs.DecodeError, errs.KindOf(err))
	assert.Equal(t, Uninitialized, wrong.State())

	_, err = Decode([]byte{0x30, 0x03, 0x02, 0x01, 0x00}, codec.Binary)
	assert.Error(t, err)
}
