package x509util

import (
	"crypto/x509/pkix"
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
)

// Extensions is an ordered collection of extensions keyed by identifier.
// Collections hold a few dozen entries at most, lookups are linear.
type Extensions struct {
	items []Extension
}

// NewExtensions returns a collection with the given extensions. It fails with
// DuplicateExtension if an identifier is repeated.
func NewExtensions(exts ...Extension) (*Extensions, error) {
	c := new(Extensions)
	for _, e := range exts {
		if err := c.Add(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends the extension. Duplicate identifiers are rejected.
func (c *Extensions) Add(e Extension) error {
	if e.ID.IsZero() {
		return errs.New(errs.ValidationError, "extension identifier cannot be empty")
	}
	if c.IndexOf(e.ID) >= 0 {
		return errs.New(errs.DuplicateExtension, "extension %s is already present", e.ID)
	}
	c.items = append(c.items, NewExtension(e.ID, e.Critical, e.Value))
	return nil
}

// Set replaces the extension with the same identifier or appends it.
func (c *Extensions) Set(e Extension) {
	e = NewExtension(e.ID, e.Critical, e.Value)
	if i := c.IndexOf(e.ID); i >= 0 {
		c.items[i] = e
		return
	}
	c.items = append(c.items, e)
}

// IndexOf returns the position of the extension or -1.
func (c *Extensions) IndexOf(id ObjectID) int {
	if c == nil {
		return -1
	}
	for i, e := range c.items {
		if e.ID.Equal(id) {
			return i
		}
	}
	return -1
}

// Get returns the extension with the given identifier.
func (c *Extensions) Get(id ObjectID) (Extension, bool) {
	if i := c.IndexOf(id); i >= 0 {
		return c.items[i], true
	}
	return Extension{}, false
}

// Has returns true if the collection contains the well-known extension.
func (c *Extensions) Has(k KnownOID) bool {
	return c.IndexOf(k.ObjectID()) >= 0
}

// Remove deletes the extension and reports whether it was present.
func (c *Extensions) Remove(id ObjectID) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}

// Len returns the number of extensions.
func (c *Extensions) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Items returns a copy of the extensions in order.
func (c *Extensions) Items() []Extension {
	if c == nil {
		return nil
	}
	return append([]Extension(nil), c.items...)
}

// Clone returns a copy of the collection.
func (c *Extensions) Clone() *Extensions {
	out := new(Extensions)
	for _, e := range c.Items() {
		out.items = append(out.items, NewExtension(e.ID, e.Critical, e.Value))
	}
	return out
}

// PKIX returns the extensions as pkix.Extension values.
func (c *Extensions) PKIX() []pkix.Extension {
	if c.Len() == 0 {
		return nil
	}
	out := make([]pkix.Extension, len(c.items))
	for i, e := range c.items {
		out[i] = e.PKIX()
	}
	return out
}

// Marshal returns the DER encoding of the SEQUENCE OF Extension.
func (c *Extensions) Marshal() ([]byte, error) {
	exts := c.PKIX()
	if exts == nil {
		exts = []pkix.Extension{}
	}
	b, err := asn1.Marshal(exts)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding extensions")
	}
	return b, nil
}

// ParseExtensions decodes a SEQUENCE OF Extension.
func ParseExtensions(der []byte) (*Extensions, error) {
	var exts []pkix.Extension
	if err := unmarshalStrict(der, &exts); err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error decoding extensions")
	}
	return FromPKIX(exts)
}

// FromPKIX returns a collection from standard pkix.Extension values.
func FromPKIX(exts []pkix.Extension) (*Extensions, error) {
	c := new(Extensions)
	for _, e := range exts {
		if err := c.Add(newExtension(e)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attributes is an ordered collection of request attributes keyed by
// identifier.
type Attributes struct {
	items []Attribute
}

// Add appends the attribute. Duplicate identifiers are rejected.
func (c *Attributes) Add(a Attribute) error {
	if a.ID.IsZero() {
		return errs.New(errs.ValidationError, "attribute identifier cannot be empty")
	}
	if len(a.Values) == 0 {
		return errs.New(errs.ValidationError, "attribute %s requires at least one value", a.ID)
	}
	if c.IndexOf(a.ID) >= 0 {
		return errs.New(errs.DuplicateExtension, "attribute %s is already present", a.ID)
	}
	c.items = append(c.items, a.clone())
	return nil
}

// Set replaces the attribute with the same identifier or appends it.
func (c *Attributes) Set(a Attribute) {
	if i := c.IndexOf(a.ID); i >= 0 {
		c.items[i] = a.clone()
		return
	}
	c.items = append(c.items, a.clone())
}

// IndexOf returns the position of the attribute or -1.
func (c *Attributes) IndexOf(id ObjectID) int {
	if c == nil {
		return -1
	}
	for i, a := range c.items {
		if a.ID.Equal(id) {
			return i
		}
	}
	return -1
}

// Get returns the attribute with the given identifier.
func (c *Attributes) Get(id ObjectID) (Attribute, bool) {
	if i := c.IndexOf(id); i >= 0 {
		return c.items[i], true
	}
	return Attribute{}, false
}

// Has returns true if the collection contains the well-known attribute.
func (c *Attributes) Has(k KnownOID) bool {
	return c.IndexOf(k.ObjectID()) >= 0
}

// Remove deletes the attribute and reports whether it was present.
func (c *Attributes) Remove(id ObjectID) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}

// Len returns the number of attributes.
func (c *Attributes) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Items returns a copy of the attributes in order.
func (c *Attributes) Items() []Attribute {
	if c == nil {
		return nil
	}
	return append([]Attribute(nil), c.items...)
}

// Clone returns a copy of the collection.
func (c *Attributes) Clone() *Attributes {
	out := new(Attributes)
	for _, a := range c.Items() {
		out.items = append(out.items, a.clone())
	}
	return out
}

// RawValues returns the DER encoding of every attribute, in order.
func (c *Attributes) RawValues() ([]asn1.RawValue, error) {
	out := make([]asn1.RawValue, 0, c.Len())
	for _, a := range c.Items() {
		b, err := a.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, asn1.RawValue{FullBytes: b})
	}
	return out, nil
}

// ParseAttributes decodes the contents of a SET OF Attribute, as found in
// the implicitly tagged attributes field of a certification request.
func ParseAttributes(contents []byte) (*Attributes, error) {
	input := cryptobyte.String(contents)
	c := new(Attributes)
	for !input.Empty() {
		var raw cryptobyte.String
		if !input.ReadASN1Element(&raw, cryptobyte_asn1.SEQUENCE) {
			return nil, errs.New(errs.DecodeError, "malformed attribute")
		}
		a, err := ParseAttribute(raw)
		if err != nil {
			return nil, err
		}
		if err := c.Add(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}
