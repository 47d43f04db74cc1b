package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

func oid(k x509util.KnownOID) x509util.ObjectID {
	return k.ObjectID()
}

func TestDefault(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name     string
		pub      crypto.PublicKey
		want     Info
		wantKind errs.Kind
	}{
		{"rsa", rsaKey.Public(), Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}, errs.Unknown},
		{"ecdsa", ecKey.Public(), Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDECPublicKey)}, errs.Unknown},
		{"ed25519", edPub, Info{HashAlgorithm: oid(x509util.OIDSHA512), PublicKeyAlgorithm: oid(x509util.OIDEd25519)}, errs.Unknown},
		{"fail", []byte("foo"), Info{}, errs.UnsupportedAlgorithmPair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Default(tt.pub)
			if tt.wantKind != errs.Unknown {
				assert.Equal(t, tt.wantKind, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInfo_GetSignatureAlgorithm(t *testing.T) {
	rsa256 := Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}
	pss := rsa256
	pss.AlternateSignatureAlgorithm = true
	null := rsa256
	null.NullSigned = true
	nullPSS := pss
	nullPSS.NullSigned = true
	ec384 := Info{HashAlgorithm: oid(x509util.OIDSHA384), PublicKeyAlgorithm: oid(x509util.OIDECPublicKey)}
	ecPSS := ec384
	ecPSS.AlternateSignatureAlgorithm = true
	ed := Info{HashAlgorithm: oid(x509util.OIDSHA512), PublicKeyAlgorithm: oid(x509util.OIDEd25519)}
	edSHA1 := Info{HashAlgorithm: oid(x509util.OIDSHA1), PublicKeyAlgorithm: oid(x509util.OIDEd25519)}

	tests := []struct {
		name          string
		info          Info
		pkcs7Wrap     bool
		signatureOnly bool
		want          x509util.KnownOID
		wantKind      errs.Kind
	}{
		{"rsa", rsa256, false, false, x509util.OIDSHA256WithRSA, errs.Unknown},
		{"rsa pkcs7 digest", rsa256, true, false, x509util.OIDSHA256, errs.Unknown},
		{"rsa pkcs7 signature", rsa256, true, true, x509util.OIDRSAEncryption, errs.Unknown},
		{"pss", pss, false, false, x509util.OIDRSASSAPSS, errs.Unknown},
		{"pss pkcs7 digest", pss, true, false, x509util.OIDSHA256, errs.Unknown},
		{"pss pkcs7 signature", pss, true, true, x509util.OIDRSASSAPSS, errs.Unknown},
		{"null", null, false, false, x509util.OIDNoSignature, errs.Unknown},
		{"null wins over alternate", nullPSS, false, false, x509util.OIDNoSignature, errs.Unknown},
		{"null pkcs7", null, true, true, x509util.OIDNoSignature, errs.Unknown},
		{"ecdsa", ec384, false, false, x509util.OIDECDSAWithSHA384, errs.Unknown},
		{"ecdsa pkcs7 signature", ec384, true, true, x509util.OIDECPublicKey, errs.Unknown},
		{"ed25519", ed, false, false, x509util.OIDEd25519, errs.Unknown},
		{"fail ecdsa alternate", ecPSS, false, false, 0, errs.UnsupportedAlgorithmPair},
		{"fail ed25519 sha1", edSHA1, false, false, 0, errs.UnsupportedAlgorithmPair},
		{"fail empty", Info{}, false, false, 0, errs.UnsupportedAlgorithmPair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.info.GetSignatureAlgorithm(tt.pkcs7Wrap, tt.signatureOnly)
			if tt.wantKind != errs.Unknown {
				assert.Equal(t, tt.wantKind, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Is(tt.want), "got %s, want %s", got, tt.want.ObjectID())
		})
	}
}

func TestInfo_AlgorithmIdentifier(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	info := Info{
		HashAlgorithm:               oid(x509util.OIDSHA384),
		PublicKeyAlgorithm:          oid(x509util.OIDRSAEncryption),
		AlternateSignatureAlgorithm: true,
	}
	ai, err := info.AlgorithmIdentifier()
	require.NoError(t, err)
	assert.True(t, ai.Algorithm.Equal(x509util.OIDRSASSAPSS.ObjectID().OID()))

	var params pssParameters
	_, err = asn1.Unmarshal(ai.Parameters.FullBytes, &params)
	require.NoError(t, err)
	assert.True(t, params.Hash.Algorithm.Equal(x509util.OIDSHA384.ObjectID().OID()))
	assert.True(t, params.MGF.Algorithm.Equal(x509util.OIDMGF1.ObjectID().OID()))
	assert.Equal(t, 48, params.SaltLength)

	got, err := FromAlgorithmIdentifier(ai, rsaKey.Public())
	require.NoError(t, err)
	assert.True(t, got.AlternateSignatureAlgorithm)
	assert.True(t, got.HashAlgorithm.Is(x509util.OIDSHA384))

	ai, err = Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}.AlgorithmIdentifier()
	require.NoError(t, err)
	assert.Equal(t, asn1.NullRawValue, ai.Parameters)

	ai, err = Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDECPublicKey)}.AlgorithmIdentifier()
	require.NoError(t, err)
	assert.Empty(t, ai.Parameters.FullBytes)

	_, err = Info{}.AlgorithmIdentifier()
	assert.Equal(t, errs.UnsupportedAlgorithmPair, errs.KindOf(err))
}

func TestSignAndVerify(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tbs := []byte("to be signed")
	tests := []struct {
		name   string
		signer crypto.Signer
		info   Info
	}{
		{"rsa sha256", rsaKey, Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}},
		{"rsa sha1", rsaKey, Info{HashAlgorithm: oid(x509util.OIDSHA1), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}},
		{"rsa pss", rsaKey, Info{HashAlgorithm: oid(x509util.OIDSHA512), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption), AlternateSignatureAlgorithm: true}},
		{"ecdsa", ecKey, Info{HashAlgorithm: oid(x509util.OIDSHA384), PublicKeyAlgorithm: oid(x509util.OIDECPublicKey)}},
		{"ed25519", edKey, Info{HashAlgorithm: oid(x509util.OIDSHA512), PublicKeyAlgorithm: oid(x509util.OIDEd25519)}},
		{"null", nil, Info{NullSigned: true, HashAlgorithm: oid(x509util.OIDSHA1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := tt.info.Sign(tt.signer, tbs)
			require.NoError(t, err)

			ai, err := tt.info.AlgorithmIdentifier()
			require.NoError(t, err)

			var pub crypto.PublicKey
			if tt.signer != nil {
				pub = tt.signer.Public()
			}
			require.NoError(t, Verify(ai, pub, tbs, sig))
			assert.Equal(t, errs.SignatureInvalid, errs.KindOf(Verify(ai, pub, []byte("tampered"), sig)))
		})
	}
}

func TestSign_crossCheck(t *testing.T) {
	// Signatures must be accepted by crypto/x509.
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	info, err := Default(ecKey.Public())
	require.NoError(t, err)
	sig, err := info.Sign(ecKey, []byte("data"))
	require.NoError(t, err)
	cert := &x509.Certificate{PublicKey: ecKey.Public()}
	assert.NoError(t, cert.CheckSignature(x509.ECDSAWithSHA256, []byte("data"), sig))
}

func TestSign_errors(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaInfo := Info{HashAlgorithm: oid(x509util.OIDSHA256), PublicKeyAlgorithm: oid(x509util.OIDRSAEncryption)}

	_, err = rsaInfo.Sign(ecKey, []byte("data"))
	assert.Equal(t, errs.UnsupportedAlgorithmPair, errs.KindOf(err))
	_, err = rsaInfo.Sign(nil, []byte("data"))
	assert.Equal(t, errs.SignatureError, errs.KindOf(err))

	_, err = FromAlgorithmIdentifier(pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 3, 4}}, nil)
	assert.Equal(t, errs.UnsupportedAlgorithmPair, errs.KindOf(err))
}
