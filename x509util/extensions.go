package x509util

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
)

func convertName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}

// Extension is an X.509 extension. The encoded value is authoritative, typed
// views are decoded from it on demand.
type Extension struct {
	ID       ObjectID `json:"id"`
	Critical bool     `json:"critical"`
	Value    []byte   `json:"value"`
}

// NewExtension creates an Extension with a copy of the given value.
func NewExtension(id ObjectID, critical bool, value []byte) Extension {
	return Extension{
		ID:       id,
		Critical: critical,
		Value:    append([]byte(nil), value...),
	}
}

// newExtension creates an Extension from a standard pkix.Extension.
func newExtension(e pkix.Extension) Extension {
	return NewExtension(NewObjectID(e.Id), e.Critical, e.Value)
}

// PKIX returns the pkix.Extension used in ASN.1 structures.
func (e Extension) PKIX() pkix.Extension {
	return pkix.Extension{
		Id:       e.ID.OID(),
		Critical: e.Critical,
		Value:    append([]byte(nil), e.Value...),
	}
}

// TypedExtension is implemented by the decoded views of the known extensions.
type TypedExtension interface {
	ObjectID() ObjectID
	Marshal() ([]byte, error)
}

// NewTypedExtension encodes the typed extension.
func NewTypedExtension(t TypedExtension, critical bool) (Extension, error) {
	b, err := t.Marshal()
	if err != nil {
		return Extension{}, errs.Wrapf(errs.EncodingError, err, "error encoding %s", t.ObjectID().FriendlyName())
	}
	return Extension{ID: t.ObjectID(), Critical: critical, Value: b}, nil
}

// Decode returns the typed view of the extension. Extensions without a typed
// view fail with UnknownOid.
func (e Extension) Decode() (TypedExtension, error) {
	var t interface {
		TypedExtension
		unmarshal([]byte) error
	}
	switch e.ID.Known() {
	case OIDBasicConstraints:
		t = new(BasicConstraints)
	case OIDKeyUsage:
		t = new(KeyUsage)
	case OIDSubjectAltName:
		t = new(SubjectAltName)
	case OIDCertificatePolicies:
		t = new(CertificatePolicies)
	case OIDExtKeyUsage:
		t = new(EnhancedKeyUsage)
	case OIDSubjectKeyIdentifier:
		t = new(SubjectKeyIdentifier)
	case OIDAuthorityKeyIdentifier:
		t = new(AuthorityKeyIdentifier)
	case OIDCertificateTemplate:
		t = new(TemplateInfo)
	case OIDCertificateTemplateName:
		t = new(TemplateName)
	case OIDSmimeCapabilities:
		t = new(SmimeCapabilities)
	case OIDApplicationCertPolicies:
		t = new(ApplicationPolicies)
	default:
		return nil, errs.New(errs.UnknownOid, "extension %s does not have a typed view", e.ID)
	}
	if err := t.unmarshal(e.Value); err != nil {
		return nil, errs.Wrapf(errs.DecodeError, err, "error decoding extension %s", e.ID)
	}
	return t, nil
}

func decodeAs[T TypedExtension](e Extension, k KnownOID) (T, error) {
	var zero T
	if !e.ID.Is(k) {
		return zero, errs.New(errs.DecodeError, "extension %s is not %s", e.ID, k)
	}
	t, err := e.Decode()
	if err != nil {
		return zero, err
	}
	return t.(T), nil
}

// BasicConstraints is the typed view of the basic constraints extension. A
// negative PathLen means no path length constraint.
type BasicConstraints struct {
	IsCA    bool `json:"isCA"`
	PathLen int  `json:"pathLen"`
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

// NewBasicConstraints returns the basic constraints extension.
func NewBasicConstraints(isCA bool, pathLen int) (Extension, error) {
	if pathLen < 0 || !isCA {
		pathLen = -1
	}
	return NewTypedExtension(&BasicConstraints{IsCA: isCA, PathLen: pathLen}, false)
}

// DecodeBasicConstraints decodes a basic constraints extension.
func DecodeBasicConstraints(e Extension) (*BasicConstraints, error) {
	return decodeAs[*BasicConstraints](e, OIDBasicConstraints)
}

// ObjectID implements TypedExtension.
func (*BasicConstraints) ObjectID() ObjectID { return OIDBasicConstraints.ObjectID() }

// Marshal implements TypedExtension.
func (b *BasicConstraints) Marshal() ([]byte, error) {
	pathLen := b.PathLen
	if pathLen < 0 {
		pathLen = -1
	}
	return asn1.Marshal(basicConstraints{IsCA: b.IsCA, MaxPathLen: pathLen})
}

func (b *BasicConstraints) unmarshal(der []byte) error {
	var v basicConstraints
	if err := unmarshalStrict(der, &v); err != nil {
		return err
	}
	b.IsCA, b.PathLen = v.IsCA, v.MaxPathLen
	return nil
}

// KeyUsage is the typed view of the key usage extension. The bits follow the
// order of crypto/x509.KeyUsage.
type KeyUsage int

// Key usage bits.
const (
	KeyUsageDigitalSignature KeyUsage = 1 << iota
	KeyUsageContentCommitment
	KeyUsageKeyEncipherment
	KeyUsageDataEncipherment
	KeyUsageKeyAgreement
	KeyUsageCertSign
	KeyUsageCRLSign
	KeyUsageEncipherOnly
	KeyUsageDecipherOnly
)

var keyUsageNames = map[string]KeyUsage{
	convertName("DigitalSignature"):  KeyUsageDigitalSignature,
	convertName("ContentCommitment"): KeyUsageContentCommitment,
	convertName("NonRepudiation"):    KeyUsageContentCommitment,
	convertName("KeyEncipherment"):   KeyUsageKeyEncipherment,
	convertName("DataEncipherment"):  KeyUsageDataEncipherment,
	convertName("KeyAgreement"):      KeyUsageKeyAgreement,
	convertName("CertSign"):          KeyUsageCertSign,
	convertName("CRLSign"):           KeyUsageCRLSign,
	convertName("EncipherOnly"):      KeyUsageEncipherOnly,
	convertName("DecipherOnly"):      KeyUsageDecipherOnly,
}

// NewKeyUsage returns the key usage extension.
func NewKeyUsage(ku KeyUsage) (Extension, error) {
	return NewTypedExtension(&ku, false)
}

// DecodeKeyUsage decodes a key usage extension.
func DecodeKeyUsage(e Extension) (KeyUsage, error) {
	ku, err := decodeAs[*KeyUsage](e, OIDKeyUsage)
	if err != nil {
		return 0, err
	}
	return *ku, nil
}

// ObjectID implements TypedExtension.
func (*KeyUsage) ObjectID() ObjectID { return OIDKeyUsage.ObjectID() }

// Has returns true if all the bits in u are set.
func (k KeyUsage) Has(u KeyUsage) bool {
	return k&u == u
}

// Marshal implements TypedExtension.
func (k *KeyUsage) Marshal() ([]byte, error) {
	var a [2]byte
	a[0] = reverseBitsInAByte(byte(*k))
	a[1] = reverseBitsInAByte(byte(*k >> 8))

	l := 1
	if a[1] != 0 {
		l = 2
	}
	bitString := a[:l]
	return asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: asn1BitLength(bitString)})
}

func (k *KeyUsage) unmarshal(der []byte) error {
	var bs asn1.BitString
	if err := unmarshalStrict(der, &bs); err != nil {
		return err
	}
	var ku KeyUsage
	for i := 0; i < 9; i++ {
		if bs.At(i) != 0 {
			ku |= 1 << uint(i)
		}
	}
	*k = ku
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface and coverts a
// number, a string or a list of strings into a key usage.
func (k *KeyUsage) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*k = KeyUsage(n)
		return nil
	}

	ms, err := unmarshalMultiString(data)
	if err != nil {
		return err
	}
	*k = 0
	for _, s := range ms {
		ku, ok := keyUsageNames[convertName(s)]
		if !ok {
			return errs.New(errs.ValidationError, "unsupported keyUsage %s", s)
		}
		*k |= ku
	}
	return nil
}

func reverseBitsInAByte(in byte) byte {
	b1 := in>>4 | in<<4
	b2 := b1>>2&0x33 | b1<<2&0xcc
	b3 := b2>>1&0x55 | b2<<1&0xaa
	return b3
}

// asn1BitLength returns the bit-length of bitString by considering the
// most-significant bit in a byte to be the "first" bit.
func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}

// EnhancedKeyUsage is the typed view of the extended key usage extension.
type EnhancedKeyUsage struct {
	Usages ObjectIDs `json:"usages"`
}

// NewEnhancedKeyUsage returns the extended key usage extension.
func NewEnhancedKeyUsage(usages ...ObjectID) (Extension, error) {
	if len(usages) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "enhanced key usage requires at least one usage")
	}
	return NewTypedExtension(&EnhancedKeyUsage{Usages: usages}, false)
}

// DecodeEnhancedKeyUsage decodes an extended key usage extension.
func DecodeEnhancedKeyUsage(e Extension) (*EnhancedKeyUsage, error) {
	return decodeAs[*EnhancedKeyUsage](e, OIDExtKeyUsage)
}

// ObjectID implements TypedExtension.
func (*EnhancedKeyUsage) ObjectID() ObjectID { return OIDExtKeyUsage.ObjectID() }

// Marshal implements TypedExtension.
func (u *EnhancedKeyUsage) Marshal() ([]byte, error) {
	oids := make([]asn1.ObjectIdentifier, len(u.Usages))
	for i, o := range u.Usages {
		oids[i] = o.OID()
	}
	return asn1.Marshal(oids)
}

func (u *EnhancedKeyUsage) unmarshal(der []byte) error {
	var oids []asn1.ObjectIdentifier
	if err := unmarshalStrict(der, &oids); err != nil {
		return err
	}
	u.Usages = make(ObjectIDs, len(oids))
	for i, o := range oids {
		u.Usages[i] = NewObjectID(o)
	}
	return nil
}

// SubjectKeyIdentifier is the typed view of the subject key identifier
// extension.
type SubjectKeyIdentifier struct {
	KeyID []byte `json:"keyID"`
}

// NewSubjectKeyIdentifier returns the subject key identifier extension with
// the given identifier.
func NewSubjectKeyIdentifier(keyID []byte) (Extension, error) {
	if len(keyID) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "subject key identifier cannot be empty")
	}
	return NewTypedExtension(&SubjectKeyIdentifier{KeyID: keyID}, false)
}

// NewSubjectKeyIdentifierFromPublicKey returns the subject key identifier
// extension computed from the public key.
func NewSubjectKeyIdentifierFromPublicKey(pub crypto.PublicKey) (Extension, error) {
	id, err := GenerateSubjectKeyID(pub)
	if err != nil {
		return Extension{}, err
	}
	return NewSubjectKeyIdentifier(id)
}

// DecodeSubjectKeyIdentifier decodes a subject key identifier extension.
func DecodeSubjectKeyIdentifier(e Extension) (*SubjectKeyIdentifier, error) {
	return decodeAs[*SubjectKeyIdentifier](e, OIDSubjectKeyIdentifier)
}

// ObjectID implements TypedExtension.
func (*SubjectKeyIdentifier) ObjectID() ObjectID { return OIDSubjectKeyIdentifier.ObjectID() }

// Marshal implements TypedExtension.
func (s *SubjectKeyIdentifier) Marshal() ([]byte, error) {
	return asn1.Marshal(s.KeyID)
}

func (s *SubjectKeyIdentifier) unmarshal(der []byte) error {
	return unmarshalStrict(der, &s.KeyID)
}

// AuthorityKeyIdentifier is the typed view of the authority key identifier
// extension.
type AuthorityKeyIdentifier struct {
	KeyID        []byte             `json:"keyID,omitempty"`
	Issuer       *DistinguishedName `json:"-"`
	SerialNumber *big.Int           `json:"serialNumber,omitempty"`
}

// NewAuthorityKeyIdentifier returns the authority key identifier extension
// with the given key identifier.
func NewAuthorityKeyIdentifier(keyID []byte) (Extension, error) {
	if len(keyID) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "authority key identifier cannot be empty")
	}
	return NewTypedExtension(&AuthorityKeyIdentifier{KeyID: keyID}, false)
}

// DecodeAuthorityKeyIdentifier decodes an authority key identifier extension.
func DecodeAuthorityKeyIdentifier(e Extension) (*AuthorityKeyIdentifier, error) {
	return decodeAs[*AuthorityKeyIdentifier](e, OIDAuthorityKeyIdentifier)
}

// ObjectID implements TypedExtension.
func (*AuthorityKeyIdentifier) ObjectID() ObjectID { return OIDAuthorityKeyIdentifier.ObjectID() }

// Marshal implements TypedExtension.
func (a *AuthorityKeyIdentifier) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if len(a.KeyID) > 0 {
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(a.KeyID)
			})
		}
		if a.Issuer != nil {
			b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.Tag(4).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddBytes(a.Issuer.Bytes())
				})
			})
		}
		if a.SerialNumber != nil {
			b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes(integerBytes(a.SerialNumber))
			})
		}
	})
	return b.Bytes()
}

func (a *AuthorityKeyIdentifier) unmarshal(der []byte) error {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return errs.New(errs.DecodeError, "malformed authority key identifier")
	}
	var keyID, issuer, serial cryptobyte.String
	var hasKeyID, hasIssuer, hasSerial bool
	if !seq.ReadOptionalASN1(&keyID, &hasKeyID, cryptobyte_asn1.Tag(0).ContextSpecific()) ||
		!seq.ReadOptionalASN1(&issuer, &hasIssuer, cryptobyte_asn1.Tag(1).ContextSpecific().Constructed()) ||
		!seq.ReadOptionalASN1(&serial, &hasSerial, cryptobyte_asn1.Tag(2).ContextSpecific()) ||
		!seq.Empty() {
		return errs.New(errs.DecodeError, "malformed authority key identifier")
	}
	if hasKeyID {
		a.KeyID = append([]byte(nil), keyID...)
	}
	if hasIssuer {
		var dn cryptobyte.String
		if !issuer.ReadASN1(&dn, cryptobyte_asn1.Tag(4).ContextSpecific().Constructed()) {
			return errs.New(errs.DecodeError, "malformed authority key identifier issuer")
		}
		name, err := DecodeName(dn, 0)
		if err != nil {
			return err
		}
		a.Issuer = name
	}
	if hasSerial {
		a.SerialNumber = new(big.Int).SetBytes(serial)
	}
	return nil
}

// integerBytes returns the contents of a DER INTEGER for a non-negative
// number.
func integerBytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// unmarshalStrict unmarshals der into v and fails on trailing data.
func unmarshalStrict(der []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errs.New(errs.DecodeError, "trailing data after ASN.1 value")
	}
	return nil
}
