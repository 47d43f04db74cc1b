package x509util

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
)

// Attribute is a request attribute. Values hold the DER encoding of each
// member of the attribute SET.
type Attribute struct {
	ID     ObjectID `json:"id"`
	Values [][]byte `json:"values"`
}

// NewAttribute returns an attribute with copies of the given DER values.
func NewAttribute(id ObjectID, values ...[]byte) Attribute {
	a := Attribute{ID: id}
	for _, v := range values {
		a.Values = append(a.Values, append([]byte(nil), v...))
	}
	return a
}

func (a Attribute) clone() Attribute {
	return NewAttribute(a.ID, a.Values...)
}

// Marshal returns the DER encoding of the attribute.
func (a Attribute) Marshal() ([]byte, error) {
	values := make([][]byte, len(a.Values))
	copy(values, a.Values)
	sort.Slice(values, func(i, j int) bool {
		return bytes.Compare(values[i], values[j]) < 0
	})

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(a.ID.OID())
		b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
			for _, v := range values {
				b.AddBytes(v)
			}
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrapf(errs.EncodingError, err, "error encoding attribute %s", a.ID)
	}
	return der, nil
}

// ParseAttribute decodes a DER encoded attribute.
func ParseAttribute(der []byte) (Attribute, error) {
	input := cryptobyte.String(der)
	var (
		seq, set cryptobyte.String
		oid      asn1.ObjectIdentifier
	)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1ObjectIdentifier(&oid) || !seq.ReadASN1(&set, cryptobyte_asn1.SET) || !seq.Empty() {
		return Attribute{}, errs.New(errs.DecodeError, "malformed attribute")
	}
	a := Attribute{ID: NewObjectID(oid)}
	for !set.Empty() {
		var (
			v   cryptobyte.String
			tag cryptobyte_asn1.Tag
		)
		if !set.ReadAnyASN1Element(&v, &tag) {
			return Attribute{}, errs.New(errs.DecodeError, "malformed attribute %s", a.ID)
		}
		a.Values = append(a.Values, append([]byte(nil), v...))
	}
	return a, nil
}

func (a Attribute) single(k KnownOID) ([]byte, error) {
	if !a.ID.Is(k) {
		return nil, errs.New(errs.DecodeError, "attribute %s is not %s", a.ID, k)
	}
	if len(a.Values) != 1 {
		return nil, errs.New(errs.DecodeError, "attribute %s must have exactly one value", a.ID)
	}
	return a.Values[0], nil
}

// NewExtensionRequestAttribute returns the PKCS#9 extension request attribute
// carrying the given extensions.
func NewExtensionRequestAttribute(exts *Extensions) (Attribute, error) {
	der, err := exts.Marshal()
	if err != nil {
		return Attribute{}, err
	}
	return NewAttribute(OIDExtensionRequest.ObjectID(), der), nil
}

// DecodeExtensionRequest returns the extensions of an extension request
// attribute.
func DecodeExtensionRequest(a Attribute) (*Extensions, error) {
	v, err := a.single(OIDExtensionRequest)
	if err != nil {
		return nil, err
	}
	return ParseExtensions(v)
}

// NewChallengePasswordAttribute returns the PKCS#9 challenge password
// attribute.
func NewChallengePasswordAttribute(password string) (Attribute, error) {
	if password == "" {
		return Attribute{}, errs.New(errs.ValidationError, "challenge password cannot be empty")
	}
	tag := cryptobyte_asn1.UTF8String
	if isPrintable(password) {
		tag = cryptobyte_asn1.PrintableString
	}
	der, err := marshalTagged(tag, []byte(password))
	if err != nil {
		return Attribute{}, err
	}
	return NewAttribute(OIDChallengePassword.ObjectID(), der), nil
}

// DecodeChallengePassword returns the challenge password.
func DecodeChallengePassword(a Attribute) (string, error) {
	v, err := a.single(OIDChallengePassword)
	if err != nil {
		return "", err
	}
	input := cryptobyte.String(v)
	var (
		s   cryptobyte.String
		tag cryptobyte_asn1.Tag
	)
	if !input.ReadAnyASN1(&s, &tag) || !input.Empty() {
		return "", errs.New(errs.DecodeError, "malformed challenge password")
	}
	pw, _, err := decodeString(tag, s)
	return pw, err
}

// ClientID identifies the kind of application that created a request.
type ClientID int

// Client identifiers.
const (
	ClientIDNone ClientID = iota
	ClientIDXEnroll2000
	ClientIDXEnroll2003
	ClientIDAutoEnroll2003
	ClientIDXEnrollReserved
	ClientIDAutoEnrollReserved
	ClientIDRequestWizard
	ClientIDEOBO
	ClientIDCertReq
	ClientIDTest
	ClientIDWinRT
	ClientIDUserStart ClientID = 1000
)

// ClientInfo is the value of the request client information attribute.
type ClientInfo struct {
	ClientID    ClientID `json:"clientID"`
	MachineName string   `json:"machineName"`
	UserName    string   `json:"userName"`
	ProcessName string   `json:"processName"`
}

// NewClientIDAttribute returns the request client information attribute.
func NewClientIDAttribute(info ClientInfo) (Attribute, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(info.ClientID))
		for _, s := range []string{info.MachineName, info.UserName, info.ProcessName} {
			b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(s))
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return Attribute{}, errs.Wrap(errs.EncodingError, err, "error encoding client information")
	}
	return NewAttribute(OIDRequestClientInfo.ObjectID(), der), nil
}

// DecodeClientInfo decodes a request client information attribute.
func DecodeClientInfo(a Attribute) (*ClientInfo, error) {
	v, err := a.single(OIDRequestClientInfo)
	if err != nil {
		return nil, err
	}
	input := cryptobyte.String(v)
	var (
		seq cryptobyte.String
		id  int64
	)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !seq.ReadASN1Integer(&id) {
		return nil, errs.New(errs.DecodeError, "malformed client information")
	}
	var fields [3]string
	for i := range fields {
		var s cryptobyte.String
		if !seq.ReadASN1(&s, cryptobyte_asn1.UTF8String) {
			return nil, errs.New(errs.DecodeError, "malformed client information")
		}
		fields[i] = string(s)
	}
	return &ClientInfo{
		ClientID:    ClientID(id),
		MachineName: fields[0],
		UserName:    fields[1],
		ProcessName: fields[2],
	}, nil
}

// CSPProvider is the value of the enrollment CSP provider attribute.
type CSPProvider struct {
	KeySpec   int    `json:"keySpec"`
	Name      string `json:"name"`
	Signature []byte `json:"signature,omitempty"`
}

// NewCSPProviderAttribute returns the enrollment CSP provider attribute.
func NewCSPProviderAttribute(p CSPProvider) (Attribute, error) {
	if p.Name == "" {
		return Attribute{}, errs.New(errs.ValidationError, "provider name cannot be empty")
	}
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(p.KeySpec))
		b.AddASN1(tagBMPString, func(b *cryptobyte.Builder) {
			b.AddBytes(encodeBMP(p.Name))
		})
		b.AddASN1BitString(p.Signature)
	})
	der, err := b.Bytes()
	if err != nil {
		return Attribute{}, errs.Wrap(errs.EncodingError, err, "error encoding csp provider")
	}
	return NewAttribute(OIDEnrollmentCSPProvider.ObjectID(), der), nil
}

// DecodeCSPProvider decodes an enrollment CSP provider attribute.
func DecodeCSPProvider(a Attribute) (*CSPProvider, error) {
	v, err := a.single(OIDEnrollmentCSPProvider)
	if err != nil {
		return nil, err
	}
	input := cryptobyte.String(v)
	var (
		seq, name cryptobyte.String
		keySpec   int64
		sig       asn1.BitString
	)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1Integer(&keySpec) ||
		!seq.ReadASN1(&name, tagBMPString) ||
		!seq.ReadASN1BitString(&sig) {
		return nil, errs.New(errs.DecodeError, "malformed csp provider")
	}
	s, err := decodeBMP(name)
	if err != nil {
		return nil, err
	}
	p := &CSPProvider{KeySpec: int(keySpec), Name: s}
	if len(sig.Bytes) > 0 {
		p.Signature = append([]byte(nil), sig.Bytes...)
	}
	return p, nil
}

// NewOSVersionAttribute returns the OS version attribute.
func NewOSVersionAttribute(version string) (Attribute, error) {
	if err := isIA5String(version); err != nil {
		return Attribute{}, err
	}
	der, err := marshalTagged(cryptobyte_asn1.IA5String, []byte(version))
	if err != nil {
		return Attribute{}, err
	}
	return NewAttribute(OIDOSVersion.ObjectID(), der), nil
}

// DecodeOSVersion returns the value of an OS version attribute.
func DecodeOSVersion(a Attribute) (string, error) {
	v, err := a.single(OIDOSVersion)
	if err != nil {
		return "", err
	}
	input := cryptobyte.String(v)
	var s cryptobyte.String
	if !input.ReadASN1(&s, cryptobyte_asn1.IA5String) || !input.Empty() {
		return "", errs.New(errs.DecodeError, "malformed os version")
	}
	return string(s), nil
}

// NewArchivedKeyAttribute returns the archived key attribute. The value is
// the DER encoded CMS ContentInfo enveloping the private key.
func NewArchivedKeyAttribute(contentInfo []byte) (Attribute, error) {
	input := cryptobyte.String(contentInfo)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return Attribute{}, errs.New(errs.ValidationError, "archived key must be a DER encoded content info")
	}
	return NewAttribute(OIDArchivedKey.ObjectID(), contentInfo), nil
}

// DecodeArchivedKey returns the enveloped content info of an archived key
// attribute.
func DecodeArchivedKey(a Attribute) ([]byte, error) {
	v, err := a.single(OIDArchivedKey)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// NewRenewalCertificateAttribute returns the renewal certificate attribute
// linking a request to the certificate it renews.
func NewRenewalCertificateAttribute(cert *x509.Certificate) (Attribute, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return Attribute{}, errs.New(errs.ValidationError, "renewal certificate cannot be empty")
	}
	return NewAttribute(OIDRenewalCertificate.ObjectID(), cert.Raw), nil
}

// DecodeRenewalCertificate returns the certificate of a renewal certificate
// attribute.
func DecodeRenewalCertificate(a Attribute) (*x509.Certificate, error) {
	v, err := a.single(OIDRenewalCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(v)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing renewal certificate")
	}
	return cert, nil
}

// NameValuePair is an enrollment name-value pair sent to the CA.
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MarshalNameValuePair returns the DER encoding of a name-value pair.
func MarshalNameValuePair(p NameValuePair) ([]byte, error) {
	if p.Name == "" {
		return nil, errs.New(errs.ValidationError, "name-value pair name cannot be empty")
	}
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(tagBMPString, func(b *cryptobyte.Builder) {
			b.AddBytes(encodeBMP(p.Name))
		})
		b.AddASN1(tagBMPString, func(b *cryptobyte.Builder) {
			b.AddBytes(encodeBMP(p.Value))
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding name-value pair")
	}
	return der, nil
}

// ParseNameValuePair decodes a DER encoded name-value pair.
func ParseNameValuePair(der []byte) (NameValuePair, error) {
	input := cryptobyte.String(der)
	var seq, name, value cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1(&name, tagBMPString) || !seq.ReadASN1(&value, tagBMPString) {
		return NameValuePair{}, errs.New(errs.DecodeError, "malformed name-value pair")
	}
	n, err := decodeBMP(name)
	if err != nil {
		return NameValuePair{}, err
	}
	v, err := decodeBMP(value)
	if err != nil {
		return NameValuePair{}, err
	}
	return NameValuePair{Name: n, Value: v}, nil
}

// NewNameValuePairAttribute returns the enrollment name-value pair attribute
// with one value per pair.
func NewNameValuePairAttribute(pairs ...NameValuePair) (Attribute, error) {
	if len(pairs) == 0 {
		return Attribute{}, errs.New(errs.ValidationError, "name-value pair attribute requires at least one pair")
	}
	a := Attribute{ID: OIDEnrollmentNameValuePair.ObjectID()}
	for _, p := range pairs {
		der, err := MarshalNameValuePair(p)
		if err != nil {
			return Attribute{}, err
		}
		a.Values = append(a.Values, der)
	}
	return a, nil
}

// DecodeNameValuePairs returns the pairs of a name-value pair attribute.
func DecodeNameValuePairs(a Attribute) ([]NameValuePair, error) {
	if !a.ID.Is(OIDEnrollmentNameValuePair) {
		return nil, errs.New(errs.DecodeError, "attribute %s is not %s", a.ID, OIDEnrollmentNameValuePair)
	}
	pairs := make([]NameValuePair, 0, len(a.Values))
	for _, v := range a.Values {
		p, err := ParseNameValuePair(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func marshalTagged(tag cryptobyte_asn1.Tag, contents []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		b.AddBytes(contents)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding attribute value")
	}
	return der, nil
}
