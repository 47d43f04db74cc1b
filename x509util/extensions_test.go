package x509util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"net"
	"net/url"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/errs"
)

func mustExtension(t *testing.T, e Extension, err error) Extension {
	t.Helper()
	require.NoError(t, err)
	return e
}

func Test_convertName(t *testing.T) {
	type args struct {
		s string
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{"lowerCase", args{"FooBAR"}, "foobar"},
		{"underscore", args{"foo_bar"}, "foobar"},
		{"mixed", args{"FOO_Bar"}, "foobar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertName(tt.args.s); got != tt.want {
				t.Errorf("convertName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_newExtension(t *testing.T) {
	type args struct {
		e pkix.Extension
	}
	tests := []struct {
		name string
		args args
		want Extension
	}{
		{"ok", args{pkix.Extension{Id: []int{1, 2, 3, 4}, Value: []byte("foo")}}, Extension{ID: MustParseObjectID("1.2.3.4"), Critical: false, Value: []byte("foo")}},
		{"critical", args{pkix.Extension{Id: []int{1, 2, 3, 4}, Critical: true, Value: []byte("foo")}}, Extension{ID: MustParseObjectID("1.2.3.4"), Critical: true, Value: []byte("foo")}},
		{"known", args{pkix.Extension{Id: []int{2, 5, 29, 19}, Value: []byte{0x30, 0x00}}}, Extension{ID: OIDBasicConstraints.ObjectID(), Critical: false, Value: []byte{0x30, 0x00}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newExtension(tt.args.e); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("newExtension() = %v, want %v", got, tt.want)
			}
			if got := newExtension(tt.args.e).PKIX(); !reflect.DeepEqual(got, tt.args.e) {
				t.Errorf("Extension.PKIX() = %v, want %v", got, tt.args.e)
			}
		})
	}
}

func TestNewBasicConstraints(t *testing.T) {
	type args struct {
		isCA    bool
		pathLen int
	}
	tests := []struct {
		name string
		args args
		want []byte
		view *BasicConstraints
	}{
		{"end entity", args{false, 0}, []byte{0x30, 0x00}, &BasicConstraints{IsCA: false, PathLen: -1}},
		{"end entity ignores path", args{false, 3}, []byte{0x30, 0x00}, &BasicConstraints{IsCA: false, PathLen: -1}},
		{"ca no path", args{true, -1}, []byte{0x30, 0x03, 0x01, 0x01, 0xff}, &BasicConstraints{IsCA: true, PathLen: -1}},
		{"ca path 0", args{true, 0}, []byte{0x30, 0x06, 0x01, 0x01, 0xff, 0x02, 0x01, 0x00}, &BasicConstraints{IsCA: true, PathLen: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewBasicConstraints(tt.args.isCA, tt.args.pathLen)
			require.NoError(t, err)
			assert.True(t, e.ID.Is(OIDBasicConstraints))
			assert.Equal(t, tt.want, e.Value)

			got, err := DecodeBasicConstraints(e)
			require.NoError(t, err)
			assert.Equal(t, tt.view, got)
		})
	}
}

func TestNewKeyUsage(t *testing.T) {
	tests := []struct {
		name string
		ku   KeyUsage
		want []byte
	}{
		{"digitalSignature", KeyUsageDigitalSignature, []byte{0x03, 0x02, 0x07, 0x80}},
		{"digitalSignature keyEncipherment", KeyUsageDigitalSignature | KeyUsageKeyEncipherment, []byte{0x03, 0x02, 0x05, 0xa0}},
		{"certSign crlSign", KeyUsageCertSign | KeyUsageCRLSign, []byte{0x03, 0x02, 0x01, 0x06}},
		{"decipherOnly", KeyUsageDecipherOnly, []byte{0x03, 0x03, 0x07, 0x00, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewKeyUsage(tt.ku)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Value)

			got, err := DecodeKeyUsage(e)
			require.NoError(t, err)
			assert.Equal(t, tt.ku, got)
			assert.True(t, got.Has(tt.ku))
		})
	}
}

func TestKeyUsage_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    KeyUsage
		wantErr bool
	}{
		{"number", `5`, KeyUsageDigitalSignature | KeyUsageKeyEncipherment, false},
		{"string", `"digitalSignature"`, KeyUsageDigitalSignature, false},
		{"array", `["DigitalSignature", "key_encipherment", "nonRepudiation"]`, KeyUsageDigitalSignature | KeyUsageKeyEncipherment | KeyUsageContentCommitment, false},
		{"fail name", `["foo"]`, 0, true},
		{"fail type", `{}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got KeyUsage
			err := json.Unmarshal([]byte(tt.data), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEnhancedKeyUsage(t *testing.T) {
	e, err := NewEnhancedKeyUsage(OIDServerAuth.ObjectID(), OIDClientAuth.ObjectID(), MustParseObjectID("1.2.3.4"))
	require.NoError(t, err)

	want, err := asn1.Marshal([]asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 1}, {1, 3, 6, 1, 5, 5, 7, 3, 2}, {1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, want, e.Value)

	got, err := DecodeEnhancedKeyUsage(e)
	require.NoError(t, err)
	if assert.Len(t, got.Usages, 3) {
		assert.True(t, got.Usages[0].Is(OIDServerAuth))
		assert.True(t, got.Usages[1].Is(OIDClientAuth))
		assert.Equal(t, "1.2.3.4", got.Usages[2].String())
	}

	_, err = NewEnhancedKeyUsage()
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestNewSubjectKeyIdentifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyID, err := GenerateSubjectKeyID(key.Public())
	require.NoError(t, err)
	assert.Len(t, keyID, 20)

	e := mustExtension(t, NewSubjectKeyIdentifierFromPublicKey(key.Public()))
	got, err := DecodeSubjectKeyIdentifier(e)
	require.NoError(t, err)
	assert.Equal(t, keyID, got.KeyID)

	_, err = NewSubjectKeyIdentifier(nil)
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	_, err = NewSubjectKeyIdentifierFromPublicKey("not a key")
	assert.Error(t, err)
}

func TestAuthorityKeyIdentifier(t *testing.T) {
	issuer, err := EncodeName("CN=Root CA, O=Acme", 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		aki  *AuthorityKeyIdentifier
	}{
		{"key id", &AuthorityKeyIdentifier{KeyID: []byte{1, 2, 3, 4}}},
		{"issuer and serial", &AuthorityKeyIdentifier{Issuer: issuer, SerialNumber: big.NewInt(255)}},
		{"all", &AuthorityKeyIdentifier{KeyID: []byte{1, 2, 3, 4}, Issuer: issuer, SerialNumber: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustExtension(t, NewTypedExtension(tt.aki, false))
			got, err := DecodeAuthorityKeyIdentifier(e)
			require.NoError(t, err)
			assert.Equal(t, tt.aki.KeyID, got.KeyID)
			assert.True(t, tt.aki.Issuer.Equal(got.Issuer))
			if tt.aki.SerialNumber != nil {
				assert.Equal(t, 0, tt.aki.SerialNumber.Cmp(got.SerialNumber))
			} else {
				assert.Nil(t, got.SerialNumber)
			}
		})
	}

	e := mustExtension(t, NewAuthorityKeyIdentifier([]byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{0x30, 0x06, 0x80, 0x04, 1, 2, 3, 4}, e.Value)
}

func TestSubjectAltName_matchesCrypto(t *testing.T) {
	u, err := url.Parse("https://example.com/path")
	require.NoError(t, err)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// crypto/x509 writes DNS names, emails, IPs and URIs in that order.
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames:       []string{"example.com"},
		EmailAddresses: []string{"jane@example.com"},
		IPAddresses:    []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		URIs:           []*url.URL{u},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)

	var want []byte
	for _, ext := range csr.Extensions {
		if ext.Id.Equal(asn1.ObjectIdentifier{2, 5, 29, 17}) {
			want = ext.Value
		}
	}
	require.NotNil(t, want)

	e := mustExtension(t, NewSubjectAltName(
		AlternativeName{Type: AltNameDNS, Value: "example.com"},
		AlternativeName{Type: AltNameEmail, Value: "jane@example.com"},
		AlternativeName{Type: AltNameIP, Value: "127.0.0.1"},
		AlternativeName{Type: AltNameIP, Value: "::1"},
		AlternativeName{Type: AltNameURL, Value: "https://example.com/path"},
	))
	assert.Equal(t, want, e.Value)
}

func TestSubjectAltName_roundTrip(t *testing.T) {
	names := []AlternativeName{
		{Type: AltNameDNS, Value: "example.com"},
		{Type: AltNameEmail, Value: "jane@example.com"},
		{Type: AltNameURL, Value: "spiffe://example.com/workload"},
		{Type: AltNameIP, Value: "10.0.0.1"},
		{Type: AltNameIP, Value: "2001:db8::1"},
		{Type: AltNameDirectoryName, Value: "CN=Jane, O=Acme"},
		{Type: AltNameRegisteredID, Value: "1.2.3.4.5"},
		{Type: AltNameUserPrincipalName, Value: "jane@corp.example.com"},
		{Type: AltNameGUID, Value: "f81d4fae-7dec-11d0-a765-00a0c91e6bf6"},
	}
	e := mustExtension(t, NewSubjectAltName(names...))
	got, err := DecodeSubjectAltName(e)
	require.NoError(t, err)
	assert.Equal(t, names, got.Names)
}

func TestSubjectAltName_fail(t *testing.T) {
	tests := []struct {
		name string
		alt  AlternativeName
	}{
		{"dns not ascii", AlternativeName{Type: AltNameDNS, Value: "bücher.example"}},
		{"bad ip", AlternativeName{Type: AltNameIP, Value: "300.1.1.1"}},
		{"bad url", AlternativeName{Type: AltNameURL, Value: "http://[::1"}},
		{"bad dn", AlternativeName{Type: AltNameDirectoryName, Value: "CN"}},
		{"bad rid", AlternativeName{Type: AltNameRegisteredID, Value: "foo"}},
		{"bad guid", AlternativeName{Type: AltNameGUID, Value: "foo"}},
		{"unknown", AlternativeName{Type: AltNameUnknown, Value: "foo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubjectAltName(tt.alt)
			assert.Error(t, err)
		})
	}

	_, err := NewSubjectAltName()
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestParseAltNameType(t *testing.T) {
	for _, s := range []string{"dns", "DNS", "email", "uri", "url", "ip", "dn", "rid", "upn", "guid"} {
		typ, err := ParseAltNameType(s)
		require.NoError(t, err, s)
		assert.NotEqual(t, AltNameUnknown, typ)
	}
	_, err := ParseAltNameType("foo")
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	assert.Equal(t, "dns", AltNameDNS.String())
	assert.Equal(t, "uri", AltNameURL.String())
	assert.Equal(t, "unknown", AltNameUnknown.String())
}

func TestCertificatePolicies(t *testing.T) {
	policies := []CertificatePolicy{
		{ID: OIDAnyPolicy.ObjectID()},
		{ID: MustParseObjectID("1.3.6.1.4.1.99999.1.1"), Qualifiers: []PolicyQualifier{
			{Type: PolicyQualifierURL, Value: "https://example.com/cps"},
			{Type: PolicyQualifierUserNotice, Value: "Issued for testing"},
		}},
	}
	e := mustExtension(t, NewCertificatePolicies(policies...))
	assert.True(t, e.ID.Is(OIDCertificatePolicies))

	got, err := DecodeCertificatePolicies(e)
	require.NoError(t, err)
	assert.Equal(t, policies, got.Policies)

	// crypto/x509 reads the policy identifiers.
	var parsed []struct {
		Policy asn1.ObjectIdentifier
		Rest   asn1.RawValue `asn1:"optional"`
	}
	_, err = asn1.Unmarshal(e.Value, &parsed)
	require.NoError(t, err)
	if assert.Len(t, parsed, 2) {
		assert.Equal(t, "2.5.29.32.0", parsed[0].Policy.String())
		assert.Equal(t, "1.3.6.1.4.1.99999.1.1", parsed[1].Policy.String())
	}

	_, err = NewCertificatePolicies()
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	_, err = NewCertificatePolicies(CertificatePolicy{})
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	_, err = NewCertificatePolicies(CertificatePolicy{ID: OIDAnyPolicy.ObjectID(), Qualifiers: []PolicyQualifier{{Type: PolicyQualifierURL, Value: "https://bücher.example"}}})
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestCertificatePolicies_unknownQualifier(t *testing.T) {
	q := PolicyQualifier{Type: PolicyQualifierUnknown, ID: MustParseObjectID("1.2.3.4"), Value: "0500"}
	e := mustExtension(t, NewCertificatePolicies(CertificatePolicy{ID: OIDAnyPolicy.ObjectID(), Qualifiers: []PolicyQualifier{q}}))
	got, err := DecodeCertificatePolicies(e)
	require.NoError(t, err)
	assert.Equal(t, []PolicyQualifier{q}, got.Policies[0].Qualifiers)
}

func TestApplicationPolicies(t *testing.T) {
	e := mustExtension(t, NewApplicationPolicies(OIDClientAuth.ObjectID(), OIDSmartcardLogon.ObjectID()))
	assert.True(t, e.ID.Is(OIDApplicationCertPolicies))

	got, err := DecodeApplicationPolicies(e)
	require.NoError(t, err)
	if assert.Len(t, got.Policies, 2) {
		assert.True(t, got.Policies[0].ID.Is(OIDClientAuth))
		assert.True(t, got.Policies[1].ID.Is(OIDSmartcardLogon))
	}

	_, err = NewApplicationPolicies()
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestTemplateInfo(t *testing.T) {
	template := MustParseObjectID("1.3.6.1.4.1.311.21.8.1234.5678")
	e := mustExtension(t, NewTemplateInfo(template, 100, 3))
	got, err := DecodeTemplateInfo(e)
	require.NoError(t, err)
	assert.Equal(t, &TemplateInfo{Template: template, MajorVersion: 100, MinorVersion: 3}, got)

	// The minor version is optional.
	der, err := asn1.Marshal(struct {
		Template asn1.ObjectIdentifier
		Major    int
	}{template.OID(), 7})
	require.NoError(t, err)
	got, err = DecodeTemplateInfo(NewExtension(OIDCertificateTemplate.ObjectID(), false, der))
	require.NoError(t, err)
	assert.Equal(t, 7, got.MajorVersion)
	assert.Equal(t, 0, got.MinorVersion)

	_, err = NewTemplateInfo(ObjectID{}, 1, 0)
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
	_, err = NewTemplateInfo(template, -1, 0)
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestTemplateName(t *testing.T) {
	e := mustExtension(t, NewTemplateName("User"))
	assert.Equal(t, []byte{0x1e, 0x08, 0x00, 'U', 0x00, 's', 0x00, 'e', 0x00, 'r'}, e.Value)

	got, err := DecodeTemplateName(e)
	require.NoError(t, err)
	assert.Equal(t, "User", got.Name)

	_, err = NewTemplateName("")
	assert.Equal(t, errs.ValidationError, errs.KindOf(err))
}

func TestSmimeCapabilities(t *testing.T) {
	e := mustExtension(t, NewSmimeCapabilities())
	got, err := DecodeSmimeCapabilities(e)
	require.NoError(t, err)
	assert.Equal(t, DefaultSmimeCapabilities(), got.Capabilities)

	caps := []SmimeCapability{
		{ID: OIDRC2CBC.ObjectID(), BitCount: 128},
		{ID: OIDAES256CBC.ObjectID()},
	}
	e = mustExtension(t, NewSmimeCapabilities(caps...))
	got, err = DecodeSmimeCapabilities(e)
	require.NoError(t, err)
	assert.Equal(t, caps, got.Capabilities)
}

func TestExtension_Decode(t *testing.T) {
	bc := mustExtension(t, NewBasicConstraints(false, 0))
	typed, err := bc.Decode()
	require.NoError(t, err)
	assert.IsType(t, &BasicConstraints{}, typed)
	assert.True(t, typed.ObjectID().Is(OIDBasicConstraints))

	tests := []struct {
		name string
		ext  Extension
		kind errs.Kind
	}{
		{"unknown", NewExtension(MustParseObjectID("1.2.3.4"), false, []byte{0x05, 0x00}), errs.UnknownOid},
		{"malformed basic constraints", NewExtension(OIDBasicConstraints.ObjectID(), false, []byte("foo")), errs.DecodeError},
		{"trailing data", NewExtension(OIDBasicConstraints.ObjectID(), false, []byte{0x30, 0x00, 0x00}), errs.DecodeError},
		{"malformed key usage", NewExtension(OIDKeyUsage.ObjectID(), false, []byte{0x04, 0x00}), errs.DecodeError},
		{"malformed san", NewExtension(OIDSubjectAltName.ObjectID(), false, []byte{0x30, 0x02, 0x85, 0x00}), errs.DecodeError},
		{"malformed template name", NewExtension(OIDCertificateTemplateName.ObjectID(), false, []byte{0x1e, 0x01, 0x00}), errs.DecodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.ext.Decode()
			assert.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}

	_, err = DecodeBasicConstraints(mustExtension(t, NewKeyUsage(KeyUsageDigitalSignature)))
	assert.Equal(t, errs.DecodeError, errs.KindOf(err))
}
