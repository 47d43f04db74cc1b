package x509util

import (
	"encoding/asn1"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
)

// PolicyQualifierType is the type of a certificate policy qualifier.
type PolicyQualifierType int

// Policy qualifier types.
const (
	PolicyQualifierUnknown PolicyQualifierType = iota
	PolicyQualifierURL
	PolicyQualifierUserNotice
)

// PolicyQualifier is a qualifier of a certificate policy. Unknown qualifiers
// keep their identifier and the hex encoding of the qualifier.
type PolicyQualifier struct {
	Type  PolicyQualifierType `json:"type"`
	ID    ObjectID            `json:"id,omitempty"`
	Value string              `json:"value"`
}

// CertificatePolicy is a policy identifier with optional qualifiers.
type CertificatePolicy struct {
	ID         ObjectID          `json:"id"`
	Qualifiers []PolicyQualifier `json:"qualifiers,omitempty"`
}

// CertificatePolicies is the typed view of the certificate policies
// extension.
type CertificatePolicies struct {
	Policies []CertificatePolicy `json:"policies"`
}

// NewCertificatePolicies returns the certificate policies extension.
func NewCertificatePolicies(policies ...CertificatePolicy) (Extension, error) {
	if len(policies) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "certificate policies requires at least one policy")
	}
	return NewTypedExtension(&CertificatePolicies{Policies: policies}, false)
}

// DecodeCertificatePolicies decodes a certificate policies extension.
func DecodeCertificatePolicies(e Extension) (*CertificatePolicies, error) {
	return decodeAs[*CertificatePolicies](e, OIDCertificatePolicies)
}

// ObjectID implements TypedExtension.
func (*CertificatePolicies) ObjectID() ObjectID { return OIDCertificatePolicies.ObjectID() }

// Marshal implements TypedExtension.
func (p *CertificatePolicies) Marshal() ([]byte, error) {
	return marshalPolicies(p.Policies)
}

func (p *CertificatePolicies) unmarshal(der []byte) error {
	policies, err := unmarshalPolicies(der)
	if err != nil {
		return err
	}
	p.Policies = policies
	return nil
}

// ApplicationPolicies is the typed view of the Microsoft application policies
// extension. It uses the syntax of the certificate policies extension.
type ApplicationPolicies struct {
	Policies []CertificatePolicy `json:"policies"`
}

// NewApplicationPolicies returns the application policies extension for the
// given usages.
func NewApplicationPolicies(usages ...ObjectID) (Extension, error) {
	if len(usages) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "application policies requires at least one policy")
	}
	policies := make([]CertificatePolicy, len(usages))
	for i, u := range usages {
		policies[i] = CertificatePolicy{ID: u}
	}
	return NewTypedExtension(&ApplicationPolicies{Policies: policies}, false)
}

// DecodeApplicationPolicies decodes an application policies extension.
func DecodeApplicationPolicies(e Extension) (*ApplicationPolicies, error) {
	return decodeAs[*ApplicationPolicies](e, OIDApplicationCertPolicies)
}

// ObjectID implements TypedExtension.
func (*ApplicationPolicies) ObjectID() ObjectID { return OIDApplicationCertPolicies.ObjectID() }

// Marshal implements TypedExtension.
func (p *ApplicationPolicies) Marshal() ([]byte, error) {
	return marshalPolicies(p.Policies)
}

func (p *ApplicationPolicies) unmarshal(der []byte) error {
	policies, err := unmarshalPolicies(der)
	if err != nil {
		return err
	}
	p.Policies = policies
	return nil
}

func marshalPolicies(policies []CertificatePolicy) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, p := range policies {
			if p.ID.IsZero() {
				b.SetError(errs.New(errs.ValidationError, "policy identifier cannot be empty"))
				return
			}
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(p.ID.OID())
				if len(p.Qualifiers) == 0 {
					return
				}
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, q := range p.Qualifiers {
						if err := addPolicyQualifier(b, q); err != nil {
							b.SetError(err)
							return
						}
					}
				})
			})
		}
	})
	return b.Bytes()
}

func addPolicyQualifier(b *cryptobyte.Builder, q PolicyQualifier) error {
	switch q.Type {
	case PolicyQualifierURL:
		if err := isIA5String(q.Value); err != nil {
			return err
		}
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDPolicyQualifierCPS.ObjectID().OID())
			b.AddASN1(cryptobyte_asn1.IA5String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(q.Value))
			})
		})
	case PolicyQualifierUserNotice:
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDPolicyQualifierUserNotice.ObjectID().OID())
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(q.Value))
				})
			})
		})
	case PolicyQualifierUnknown:
		if q.ID.IsZero() {
			return errs.New(errs.ValidationError, "unknown policy qualifier requires an identifier")
		}
		raw, err := hex.DecodeString(q.Value)
		if err != nil {
			return errs.Wrap(errs.ValidationError, err, "unknown policy qualifier value must be hex encoded")
		}
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(q.ID.OID())
			b.AddBytes(raw)
		})
	default:
		return errs.New(errs.ValidationError, "unsupported policy qualifier type %d", int(q.Type))
	}
	return nil
}

func unmarshalPolicies(der []byte) ([]CertificatePolicy, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, errs.New(errs.DecodeError, "malformed certificate policies")
	}
	var policies []CertificatePolicy
	for !seq.Empty() {
		var (
			info       cryptobyte.String
			oid        asn1.ObjectIdentifier
			qualifiers cryptobyte.String
			hasQuals   bool
		)
		if !seq.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) ||
			!info.ReadASN1ObjectIdentifier(&oid) ||
			!info.ReadOptionalASN1(&qualifiers, &hasQuals, cryptobyte_asn1.SEQUENCE) {
			return nil, errs.New(errs.DecodeError, "malformed policy information")
		}
		p := CertificatePolicy{ID: NewObjectID(oid)}
		for hasQuals && !qualifiers.Empty() {
			q, err := readPolicyQualifier(&qualifiers)
			if err != nil {
				return nil, err
			}
			p.Qualifiers = append(p.Qualifiers, q)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func readPolicyQualifier(s *cryptobyte.String) (PolicyQualifier, error) {
	var (
		info cryptobyte.String
		oid  asn1.ObjectIdentifier
	)
	if !s.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) || !info.ReadASN1ObjectIdentifier(&oid) {
		return PolicyQualifier{}, errs.New(errs.DecodeError, "malformed policy qualifier")
	}
	id := NewObjectID(oid)
	switch {
	case id.Is(OIDPolicyQualifierCPS):
		var v cryptobyte.String
		if !info.ReadASN1(&v, cryptobyte_asn1.IA5String) {
			return PolicyQualifier{}, errs.New(errs.DecodeError, "malformed cps qualifier")
		}
		return PolicyQualifier{Type: PolicyQualifierURL, Value: string(v)}, nil
	case id.Is(OIDPolicyQualifierUserNotice):
		var notice cryptobyte.String
		if !info.ReadASN1(&notice, cryptobyte_asn1.SEQUENCE) {
			return PolicyQualifier{}, errs.New(errs.DecodeError, "malformed user notice")
		}
		// The notice reference is skipped, only the explicit text is kept.
		var text []string
		for !notice.Empty() {
			var (
				v   cryptobyte.String
				tag cryptobyte_asn1.Tag
			)
			if !notice.ReadAnyASN1(&v, &tag) {
				return PolicyQualifier{}, errs.New(errs.DecodeError, "malformed user notice")
			}
			if tag == cryptobyte_asn1.SEQUENCE {
				continue
			}
			s, _, err := decodeString(tag, v)
			if err != nil {
				// VisibleString is not a name string type.
				s = string(v)
			}
			text = append(text, s)
		}
		return PolicyQualifier{Type: PolicyQualifierUserNotice, Value: strings.Join(text, "")}, nil
	default:
		return PolicyQualifier{Type: PolicyQualifierUnknown, ID: id, Value: hex.EncodeToString(info)}, nil
	}
}
