package x509util

import (
	"encoding/asn1"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
)

// AltNameType is the type of a subject alternative name.
type AltNameType int

// Alternative name types.
const (
	AltNameUnknown AltNameType = iota
	AltNameDNS
	AltNameEmail
	AltNameURL
	AltNameIP
	AltNameDirectoryName
	AltNameRegisteredID
	AltNameUserPrincipalName
	AltNameGUID
)

var altNameTypes = map[string]AltNameType{
	"dns":   AltNameDNS,
	"email": AltNameEmail,
	"uri":   AltNameURL,
	"url":   AltNameURL,
	"ip":    AltNameIP,
	"dn":    AltNameDirectoryName,
	"rid":   AltNameRegisteredID,
	"upn":   AltNameUserPrincipalName,
	"guid":  AltNameGUID,
}

// String implements the fmt.Stringer interface.
func (t AltNameType) String() string {
	for k, v := range altNameTypes {
		if v == t && k != "url" {
			return k
		}
	}
	return "unknown"
}

// ParseAltNameType returns the type for the given name.
func ParseAltNameType(s string) (AltNameType, error) {
	if t, ok := altNameTypes[strings.ToLower(s)]; ok {
		return t, nil
	}
	return AltNameUnknown, errs.New(errs.ValidationError, "unsupported alternative name type %q", s)
}

// AlternativeName is a general name in the subject alternative name
// extension. Directory names are stored in their display form, and the
// registered id in dotted form.
type AlternativeName struct {
	Type  AltNameType `json:"type"`
	Value string      `json:"value"`
}

// SubjectAltName is the typed view of the subject alternative name
// extension.
type SubjectAltName struct {
	Names []AlternativeName `json:"names"`
}

// NewSubjectAltName returns the subject alternative name extension.
func NewSubjectAltName(names ...AlternativeName) (Extension, error) {
	if len(names) == 0 {
		return Extension{}, errs.New(errs.ValidationError, "subject alternative name requires at least one name")
	}
	return NewTypedExtension(&SubjectAltName{Names: names}, false)
}

// DecodeSubjectAltName decodes a subject alternative name extension.
func DecodeSubjectAltName(e Extension) (*SubjectAltName, error) {
	return decodeAs[*SubjectAltName](e, OIDSubjectAltName)
}

// ObjectID implements TypedExtension.
func (*SubjectAltName) ObjectID() ObjectID { return OIDSubjectAltName.ObjectID() }

func isIA5String(s string) error {
	for _, r := range s {
		if r > 127 {
			return errs.New(errs.ValidationError, "%q cannot be encoded as an IA5String", s)
		}
	}
	return nil
}

// Marshal implements TypedExtension.
func (s *SubjectAltName) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, n := range s.Names {
			if err := addGeneralName(b, n); err != nil {
				b.SetError(err)
				return
			}
		}
	})
	return b.Bytes()
}

func addGeneralName(b *cryptobyte.Builder, n AlternativeName) error {
	switch n.Type {
	case AltNameDNS, AltNameEmail, AltNameURL:
		if err := isIA5String(n.Value); err != nil {
			return err
		}
		tag := map[AltNameType]cryptobyte_asn1.Tag{AltNameEmail: 1, AltNameDNS: 2, AltNameURL: 6}[n.Type]
		if n.Type == AltNameURL {
			if _, err := url.Parse(n.Value); err != nil {
				return errs.Wrapf(errs.ValidationError, err, "invalid url %q", n.Value)
			}
		}
		b.AddASN1(tag.ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(n.Value))
		})
	case AltNameIP:
		ip := net.ParseIP(n.Value)
		if ip == nil {
			return errs.New(errs.ValidationError, "invalid ip address %q", n.Value)
		}
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		b.AddASN1(cryptobyte_asn1.Tag(7).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(ip)
		})
	case AltNameDirectoryName:
		dn, err := EncodeName(n.Value, 0)
		if err != nil {
			return err
		}
		b.AddASN1(cryptobyte_asn1.Tag(4).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddBytes(dn.Bytes())
		})
	case AltNameRegisteredID:
		oid, err := ParseObjectID(n.Value)
		if err != nil {
			return err
		}
		der, err := asn1.Marshal(oid.OID())
		if err != nil {
			return err
		}
		// Replace the universal tag by the implicit [8].
		body := cryptobyte.String(der)
		var contents cryptobyte.String
		if !body.ReadASN1(&contents, cryptobyte_asn1.OBJECT_IDENTIFIER) {
			return errs.New(errs.EncodingError, "error encoding registered id %s", oid)
		}
		b.AddASN1(cryptobyte_asn1.Tag(8).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(contents)
		})
	case AltNameUserPrincipalName:
		addOtherName(b, OIDUserPrincipalName, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(n.Value))
			})
		})
	case AltNameGUID:
		id, err := uuid.Parse(n.Value)
		if err != nil {
			return errs.Wrapf(errs.ValidationError, err, "invalid guid %q", n.Value)
		}
		addOtherName(b, OIDNTDSReplication, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(id[:])
		})
	default:
		return errs.New(errs.ValidationError, "unsupported alternative name type %d", int(n.Type))
	}
	return nil
}

func addOtherName(b *cryptobyte.Builder, k KnownOID, value cryptobyte.BuilderContinuation) {
	b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(k.ObjectID().OID())
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), value)
	})
}

func (s *SubjectAltName) unmarshal(der []byte) error {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return errs.New(errs.DecodeError, "malformed subject alternative name")
	}
	s.Names = nil
	for !seq.Empty() {
		var (
			val cryptobyte.String
			tag cryptobyte_asn1.Tag
		)
		if !seq.ReadAnyASN1(&val, &tag) {
			return errs.New(errs.DecodeError, "malformed general name")
		}
		n, err := parseGeneralName(tag, val)
		if err != nil {
			return err
		}
		s.Names = append(s.Names, n)
	}
	return nil
}

func parseGeneralName(tag cryptobyte_asn1.Tag, val cryptobyte.String) (AlternativeName, error) {
	switch tag {
	case cryptobyte_asn1.Tag(1).ContextSpecific():
		return AlternativeName{Type: AltNameEmail, Value: string(val)}, nil
	case cryptobyte_asn1.Tag(2).ContextSpecific():
		return AlternativeName{Type: AltNameDNS, Value: string(val)}, nil
	case cryptobyte_asn1.Tag(6).ContextSpecific():
		return AlternativeName{Type: AltNameURL, Value: string(val)}, nil
	case cryptobyte_asn1.Tag(7).ContextSpecific():
		if len(val) != net.IPv4len && len(val) != net.IPv6len {
			return AlternativeName{}, errs.New(errs.DecodeError, "invalid ip address length %d", len(val))
		}
		return AlternativeName{Type: AltNameIP, Value: net.IP(val).String()}, nil
	case cryptobyte_asn1.Tag(4).ContextSpecific().Constructed():
		dn, err := DecodeName(val, 0)
		if err != nil {
			return AlternativeName{}, err
		}
		return AlternativeName{Type: AltNameDirectoryName, Value: dn.String()}, nil
	case cryptobyte_asn1.Tag(8).ContextSpecific():
		var b cryptobyte.Builder
		b.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
			b.AddBytes(val)
		})
		der := cryptobyte.String(b.BytesOrPanic())
		var oid asn1.ObjectIdentifier
		if !der.ReadASN1ObjectIdentifier(&oid) {
			return AlternativeName{}, errs.New(errs.DecodeError, "malformed registered id")
		}
		return AlternativeName{Type: AltNameRegisteredID, Value: oid.String()}, nil
	case cryptobyte_asn1.Tag(0).ContextSpecific().Constructed():
		var (
			oid   asn1.ObjectIdentifier
			inner cryptobyte.String
		)
		if !val.ReadASN1ObjectIdentifier(&oid) || !val.ReadASN1(&inner, cryptobyte_asn1.Tag(0).ContextSpecific().Constructed()) {
			return AlternativeName{}, errs.New(errs.DecodeError, "malformed other name")
		}
		id := NewObjectID(oid)
		switch {
		case id.Is(OIDUserPrincipalName):
			var s cryptobyte.String
			if !inner.ReadASN1(&s, cryptobyte_asn1.UTF8String) {
				return AlternativeName{}, errs.New(errs.DecodeError, "malformed user principal name")
			}
			return AlternativeName{Type: AltNameUserPrincipalName, Value: string(s)}, nil
		case id.Is(OIDNTDSReplication):
			var s cryptobyte.String
			if !inner.ReadASN1(&s, cryptobyte_asn1.OCTET_STRING) {
				return AlternativeName{}, errs.New(errs.DecodeError, "malformed guid")
			}
			g, err := uuid.FromBytes(s)
			if err != nil {
				return AlternativeName{}, errs.Wrap(errs.DecodeError, err, "malformed guid")
			}
			return AlternativeName{Type: AltNameGUID, Value: g.String()}, nil
		}
		return AlternativeName{}, errs.New(errs.DecodeError, "unsupported other name %s", id)
	default:
		return AlternativeName{}, errs.New(errs.DecodeError, "unsupported general name tag %d", int(tag))
	}
}
