package x509util

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/errs"
)

func TestEncodeName(t *testing.T) {
	tests := []struct {
		name        string
		display     string
		flags       NameFlags
		want        string
		wantValues  []string
		wantEncs    []StringEncoding
		wantErrKind errs.Kind
	}{
		{"ok", "CN=test, O=Acme", 0, "CN=test, O=Acme", []string{"test", "Acme"}, []StringEncoding{PrintableString, PrintableString}, 0},
		{"ok semicolon", "CN=test; O=Acme", SemicolonSeparator, "CN=test, O=Acme", []string{"test", "Acme"}, nil, 0},
		{"ok quoted", `CN="Doe, John", O=Acme`, 0, `CN="Doe, John", O=Acme`, []string{"Doe, John", "Acme"}, nil, 0},
		{"ok quoted quote", `CN="say ""hi"""`, 0, `CN="say ""hi"""`, []string{`say "hi"`}, nil, 0},
		{"ok escaped", `CN=Doe\, John`, NoQuoting, `CN="Doe, John"`, []string{"Doe, John"}, nil, 0},
		{"ok hex escape", `CN=\41BC`, 0, "CN=ABC", []string{"ABC"}, nil, 0},
		{"ok trailing spaces", "CN=test  , O=x", 0, "CN=test, O=x", []string{"test", "x"}, nil, 0},
		{"ok escaped trailing space", `CN=test\ `, 0, `CN="test "`, []string{"test "}, nil, 0},
		{"ok utf8", "CN=café", 0, "CN=café", []string{"café"}, []StringEncoding{UTF8String}, 0},
		{"ok force utf8", "CN=test", ForceUTF8, "CN=test", []string{"test"}, []StringEncoding{UTF8String}, 0},
		{"ok force t61", "CN=café", ForceT61, "CN=café", []string{"café"}, []StringEncoding{T61String}, 0},
		{"ok force t61 fallback", "CN=日本", ForceT61, "CN=日本", []string{"日本"}, []StringEncoding{UTF8String}, 0},
		{"ok email", "E=jane@example.com", 0, "E=jane@example.com", []string{"jane@example.com"}, []StringEncoding{IA5String}, 0},
		{"ok country", "C=US", 0, "C=US", []string{"US"}, []StringEncoding{PrintableString}, 0},
		{"ok dotted type", "2.5.4.3=test", 0, "CN=test", []string{"test"}, nil, 0},
		{"ok unknown type", "1.2.3.4=test", 0, "1.2.3.4=test", []string{"test"}, nil, 0},
		{"ok empty", "", 0, "", nil, nil, 0},
		{"fail missing equal", "CN", 0, "", nil, nil, errs.MalformedName},
		{"fail missing type", "=test", 0, "", nil, nil, errs.MalformedName},
		{"fail unknown type", "XYZ=test", 0, "", nil, nil, errs.MalformedName},
		{"fail quoting not allowed", `CN="Doe, John"`, NoQuoting, "", nil, nil, errs.MalformedName},
		{"fail unterminated quote", `CN="Doe`, 0, "", nil, nil, errs.MalformedName},
		{"fail after quote", `CN="Doe"x`, 0, "", nil, nil, errs.MalformedName},
		{"fail dangling escape", `CN=test\`, 0, "", nil, nil, errs.MalformedName},
		{"fail country", "C=Ü", 0, "", nil, nil, errs.MalformedName},
		{"fail trailing separator", "CN=test,", 0, "", nil, nil, errs.MalformedName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeName(tt.display, tt.flags)
			if tt.wantErrKind != 0 {
				assert.Error(t, err)
				assert.Equal(t, tt.wantErrKind, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())

			var values []string
			var encs []StringEncoding
			for _, rdn := range got.RDNs {
				for _, av := range rdn {
					values = append(values, av.Value)
					encs = append(encs, av.Encoding)
				}
			}
			assert.Equal(t, tt.wantValues, values)
			if tt.wantEncs != nil {
				assert.Equal(t, tt.wantEncs, encs)
			}

			// Binary round trip.
			dn, err := DecodeName(got.Bytes(), 0)
			require.NoError(t, err)
			assert.True(t, got.Equal(dn))
			assert.Equal(t, got.Bytes(), dn.Bytes())
		})
	}
}

func TestEncodeName_matchesPKIX(t *testing.T) {
	dn, err := EncodeName("CN=test, OU=Engineering, O=Acme, C=US", 0)
	require.NoError(t, err)

	want, err := asn1.Marshal(pkix.RDNSequence{
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: "test"}},
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 11}, Value: "Engineering"}},
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 10}, Value: "Acme"}},
		{{Type: asn1.ObjectIdentifier{2, 5, 4, 6}, Value: "US"}},
	})
	require.NoError(t, err)
	assert.Equal(t, want, dn.Bytes())
}

func TestEncodeName_reverseOrder(t *testing.T) {
	dn, err := EncodeName("O=Acme, CN=test", ReverseOrder)
	require.NoError(t, err)
	assert.Equal(t, "CN=test, O=Acme", dn.String())
	assert.Equal(t, "O=Acme, CN=test", dn.Format(ReverseOrder))
	assert.Equal(t, "O=Acme; CN=test", dn.Format(ReverseOrder|SemicolonSeparator))
	assert.Equal(t, "test", dn.CommonName())

	same, err := EncodeName("CN=test, O=Acme", 0)
	require.NoError(t, err)
	assert.Equal(t, same.Bytes(), dn.Bytes())
}

func TestEncodeName_multiValued(t *testing.T) {
	dn, err := EncodeName("CN=a + O=b, C=US", 0)
	require.NoError(t, err)
	require.Len(t, dn.RDNs, 2)
	assert.Len(t, dn.RDNs[0], 2)
	assert.Equal(t, "CN=a + O=b, C=US", dn.String())

	decoded, err := DecodeName(dn.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, "CN=a + O=b, C=US", decoded.String())
}

func TestEncodeName_punycode(t *testing.T) {
	dn, err := EncodeName("DC=bücher.example, CN=test", EnablePunycode)
	require.NoError(t, err)
	v, ok := dn.Get(OIDDomainComponent)
	require.True(t, ok)
	assert.Equal(t, "xn--bcher-kva.example", v)
	assert.Equal(t, IA5String, dn.RDNs[0][0].Encoding)

	raw, err := DecodeName(dn.Bytes(), 0)
	require.NoError(t, err)
	v, _ = raw.Get(OIDDomainComponent)
	assert.Equal(t, "xn--bcher-kva.example", v)

	unicode, err := DecodeName(dn.Bytes(), EnablePunycode)
	require.NoError(t, err)
	v, _ = unicode.Get(OIDDomainComponent)
	assert.Equal(t, "bücher.example", v)
}

func TestDistinguishedName_Format(t *testing.T) {
	dn, err := EncodeName(`CN=Doe\, John, O=#1`, NoQuoting)
	require.NoError(t, err)
	assert.Equal(t, `CN="Doe, John", O="#1"`, dn.Format(0))
	assert.Equal(t, `CN=Doe\, John, O=\#1`, dn.Format(NoQuoting))

	var empty *DistinguishedName
	assert.Equal(t, "", empty.String())
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.Bytes())
	assert.Equal(t, "", empty.CommonName())
}

func TestDistinguishedName_Equal(t *testing.T) {
	a, err := EncodeName("CN=test, O=Acme", 0)
	require.NoError(t, err)
	b, err := EncodeName("CN=test, O=Acme", ForceUTF8)
	require.NoError(t, err)
	c, err := EncodeName("CN=test", 0)
	require.NoError(t, err)
	d, err := EncodeName("CN=other, O=Acme", 0)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.NotEqual(t, a.Bytes(), b.Bytes())
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.True(t, (*DistinguishedName)(nil).Equal(&DistinguishedName{}))
}

func TestDecodeName_bmpString(t *testing.T) {
	der, err := marshalRDNs([]RDN{{{Type: OIDCommonName.ObjectID(), Encoding: BMPString, Value: "hé"}}})
	require.NoError(t, err)
	dn, err := DecodeName(der, 0)
	require.NoError(t, err)
	assert.Equal(t, "hé", dn.CommonName())
	assert.Equal(t, BMPString, dn.RDNs[0][0].Encoding)
}

func TestDecodeName_fail(t *testing.T) {
	tests := []struct {
		name string
		der  []byte
	}{
		{"not a sequence", []byte{0x31, 0x00}},
		{"trailing data", []byte{0x30, 0x00, 0x00}},
		{"not a set", []byte{0x30, 0x02, 0x30, 0x00}},
		{"bad string tag", []byte{0x30, 0x0b, 0x31, 0x09, 0x30, 0x07, 0x06, 0x03, 0x55, 0x04, 0x03, 0x02, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeName(tt.der, 0)
			assert.Error(t, err)
			assert.Equal(t, errs.DecodeError, errs.KindOf(err))
		})
	}
}
