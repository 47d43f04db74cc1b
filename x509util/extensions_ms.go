package x509util

import (
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/internal/cast"
)

// TemplateInfo is the typed view of the Microsoft certificate template
// information extension:
//
//	CertificateTemplate ::= SEQUENCE {
//	    templateID              EncodedObjectID,
//	    templateMajorVersion    TemplateVersion,
//	    templateMinorVersion    TemplateVersion OPTIONAL
//	}
type TemplateInfo struct {
	Template     ObjectID `json:"template"`
	MajorVersion int      `json:"majorVersion"`
	MinorVersion int      `json:"minorVersion"`
}

// NewTemplateInfo returns the certificate template information extension.
func NewTemplateInfo(template ObjectID, major, minor int) (Extension, error) {
	switch {
	case template.IsZero():
		return Extension{}, errs.New(errs.ValidationError, "template identifier cannot be empty")
	case major < 0 || minor < 0:
		return Extension{}, errs.New(errs.ValidationError, "template versions cannot be negative")
	}
	return NewTypedExtension(&TemplateInfo{Template: template, MajorVersion: major, MinorVersion: minor}, false)
}

// DecodeTemplateInfo decodes a certificate template information extension.
func DecodeTemplateInfo(e Extension) (*TemplateInfo, error) {
	return decodeAs[*TemplateInfo](e, OIDCertificateTemplate)
}

// ObjectID implements TypedExtension.
func (*TemplateInfo) ObjectID() ObjectID { return OIDCertificateTemplate.ObjectID() }

// Marshal implements TypedExtension.
func (t *TemplateInfo) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(t.Template.OID())
		b.AddASN1Int64(int64(t.MajorVersion))
		b.AddASN1Int64(int64(t.MinorVersion))
	})
	return b.Bytes()
}

func (t *TemplateInfo) unmarshal(der []byte) error {
	input := cryptobyte.String(der)
	var (
		seq          cryptobyte.String
		oid          asn1.ObjectIdentifier
		major, minor int64
	)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1ObjectIdentifier(&oid) || !seq.ReadASN1Integer(&major) {
		return errs.New(errs.DecodeError, "malformed certificate template information")
	}
	if !seq.Empty() && !seq.ReadASN1Integer(&minor) {
		return errs.New(errs.DecodeError, "malformed certificate template minor version")
	}
	majorVersion, err := cast.SafeUint32(major)
	if err != nil {
		return errs.Wrap(errs.DecodeError, err, "certificate template major version is not valid")
	}
	minorVersion, err := cast.SafeUint32(minor)
	if err != nil {
		return errs.Wrap(errs.DecodeError, err, "certificate template minor version is not valid")
	}
	t.Template = NewObjectID(oid)
	t.MajorVersion, t.MinorVersion = int(majorVersion), int(minorVersion)
	return nil
}

// TemplateName is the typed view of the certificate template name extension
// used by version 1 templates. The name is a BMPString.
type TemplateName struct {
	Name string `json:"name"`
}

// NewTemplateName returns the certificate template name extension.
func NewTemplateName(name string) (Extension, error) {
	if name == "" {
		return Extension{}, errs.New(errs.ValidationError, "template name cannot be empty")
	}
	return NewTypedExtension(&TemplateName{Name: name}, false)
}

// DecodeTemplateName decodes a certificate template name extension.
func DecodeTemplateName(e Extension) (*TemplateName, error) {
	return decodeAs[*TemplateName](e, OIDCertificateTemplateName)
}

// ObjectID implements TypedExtension.
func (*TemplateName) ObjectID() ObjectID { return OIDCertificateTemplateName.ObjectID() }

// Marshal implements TypedExtension.
func (t *TemplateName) Marshal() ([]byte, error) {
	return marshalBMPString(t.Name)
}

func (t *TemplateName) unmarshal(der []byte) error {
	input := cryptobyte.String(der)
	var s cryptobyte.String
	if !input.ReadASN1(&s, tagBMPString) || !input.Empty() {
		return errs.New(errs.DecodeError, "malformed certificate template name")
	}
	name, err := decodeBMP(s)
	if err != nil {
		return err
	}
	t.Name = name
	return nil
}

// SmimeCapability is an S/MIME algorithm with an optional key length.
type SmimeCapability struct {
	ID       ObjectID `json:"id"`
	BitCount int      `json:"bitCount,omitempty"`
}

// SmimeCapabilities is the typed view of the S/MIME capabilities extension.
type SmimeCapabilities struct {
	Capabilities []SmimeCapability `json:"capabilities"`
}

// DefaultSmimeCapabilities returns the capabilities advertised when a
// request does not list any.
func DefaultSmimeCapabilities() []SmimeCapability {
	return []SmimeCapability{
		{ID: OIDAES256CBC.ObjectID()},
		{ID: OIDAES128CBC.ObjectID()},
		{ID: OIDDESEDE3CBC.ObjectID()},
	}
}

// NewSmimeCapabilities returns the S/MIME capabilities extension.
func NewSmimeCapabilities(caps ...SmimeCapability) (Extension, error) {
	if len(caps) == 0 {
		caps = DefaultSmimeCapabilities()
	}
	return NewTypedExtension(&SmimeCapabilities{Capabilities: caps}, false)
}

// DecodeSmimeCapabilities decodes an S/MIME capabilities extension.
func DecodeSmimeCapabilities(e Extension) (*SmimeCapabilities, error) {
	return decodeAs[*SmimeCapabilities](e, OIDSmimeCapabilities)
}

// ObjectID implements TypedExtension.
func (*SmimeCapabilities) ObjectID() ObjectID { return OIDSmimeCapabilities.ObjectID() }

// Marshal implements TypedExtension.
func (s *SmimeCapabilities) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, c := range s.Capabilities {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(c.ID.OID())
				if c.BitCount > 0 {
					b.AddASN1Int64(int64(c.BitCount))
				}
			})
		}
	})
	return b.Bytes()
}

func (s *SmimeCapabilities) unmarshal(der []byte) error {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return errs.New(errs.DecodeError, "malformed smime capabilities")
	}
	s.Capabilities = nil
	for !seq.Empty() {
		var (
			c   cryptobyte.String
			oid asn1.ObjectIdentifier
		)
		if !seq.ReadASN1(&c, cryptobyte_asn1.SEQUENCE) || !c.ReadASN1ObjectIdentifier(&oid) {
			return errs.New(errs.DecodeError, "malformed smime capability")
		}
		capability := SmimeCapability{ID: NewObjectID(oid)}
		if c.PeekASN1Tag(cryptobyte_asn1.INTEGER) {
			var n int64
			if !c.ReadASN1Integer(&n) {
				return errs.New(errs.DecodeError, "malformed smime capability parameters")
			}
			capability.BitCount = int(n)
		}
		s.Capabilities = append(s.Capabilities, capability)
	}
	return nil
}

func marshalBMPString(s string) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(tagBMPString, func(b *cryptobyte.Builder) {
		b.AddBytes(encodeBMP(s))
	})
	return b.Bytes()
}
