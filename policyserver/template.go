package policyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/internal/cast"
	"github.com/smallstep/enrollment/x509util"
)

// Property identifies a template property.
type Property int

// Template properties.
const (
	PropertyUnknown Property = iota
	PropertyCommonName
	PropertyFriendlyName
	PropertyOID
	PropertySchemaVersion
	PropertyMajorRevision
	PropertyMinorRevision
	PropertySubjectNameFlags
	PropertyKeyUsage
	PropertyValidityPeriod
	PropertyRenewalPeriod
	PropertyCryptoProviders
	PropertyExtendedKeyUsage
	PropertyCertificatePolicies
	PropertyGeneralFlags
	PropertyEnrollmentFlags
	PropertyPrivateKeyFlags
	PropertyMinimumKeyLength
	PropertyRASignatures
)

var propertyNames = map[Property]string{
	PropertyCommonName:          "commonName",
	PropertyFriendlyName:        "friendlyName",
	PropertyOID:                 "oid",
	PropertySchemaVersion:       "schemaVersion",
	PropertyMajorRevision:       "majorRevision",
	PropertyMinorRevision:       "minorRevision",
	PropertySubjectNameFlags:    "subjectNameFlags",
	PropertyKeyUsage:            "keyUsage",
	PropertyValidityPeriod:      "validityPeriod",
	PropertyRenewalPeriod:       "renewalPeriod",
	PropertyCryptoProviders:     "cryptoProviders",
	PropertyExtendedKeyUsage:    "extendedKeyUsage",
	PropertyCertificatePolicies: "certificatePolicies",
	PropertyGeneralFlags:        "generalFlags",
	PropertyEnrollmentFlags:     "enrollmentFlags",
	PropertyPrivateKeyFlags:     "privateKeyFlags",
	PropertyMinimumKeyLength:    "minimumKeyLength",
	PropertyRASignatures:        "raSignatures",
}

// String returns the JSON name of the property.
func (p Property) String() string {
	if s, ok := propertyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// ParseProperty returns the property with the given JSON name.
func ParseProperty(name string) (Property, bool) {
	for p, s := range propertyNames {
		if strings.EqualFold(s, name) {
			return p, true
		}
	}
	return PropertyUnknown, false
}

// PropertyValue is the value of a template property. It is one of Bool, Int,
// String, StringList, OIDList or Bytes.
type PropertyValue interface {
	propertyValue()
}

// Bool is a boolean property value.
type Bool bool

// Int is an integer property value.
type Int int64

// String is a string property value.
type String string

// StringList is a list of strings property value.
type StringList []string

// OIDList is a list of object identifiers property value.
type OIDList []x509util.ObjectID

// Bytes is an opaque property value.
type Bytes []byte

func (Bool) propertyValue()       {}
func (Int) propertyValue()        {}
func (String) propertyValue()     {}
func (StringList) propertyValue() {}
func (OIDList) propertyValue()    {}
func (Bytes) propertyValue()      {}

// SubjectNameFlags describe how the subject of a request is built.
type SubjectNameFlags int

// Subject name flags.
const (
	EnrolleeSuppliesSubject SubjectNameFlags = 1 << iota
	SubjectRequireCommonName
	SubjectRequireEmail
	SubjectRequireDNSAsCN
	SubjectAltRequireDNS
	SubjectAltRequireUPN
	SubjectAltRequireEmail
)

// EnrollmentFlags control the enrollment of a template.
type EnrollmentFlags int

// Enrollment flags.
const (
	IncludeSymmetricAlgorithms EnrollmentFlags = 1 << iota
	PendAllRequests
	PublishToDS
	AutoEnrollment
	UserInteractionRequired
	NoSecurityExtension
)

// PrivateKeyFlags control the key of a template.
type PrivateKeyFlags int

// Private key flags.
const (
	RequireKeyArchival PrivateKeyFlags = 1 << iota
	ExportableKey
	StrongKeyProtectionRequired
)

// GeneralFlags are the general template flags.
type GeneralFlags int

// General flags.
const (
	MachineType GeneralFlags = 1 << iota
	CAType
	CrossCAType
)

// Template is an enrollment template published by a policy server. Templates
// are read-only, use Writable to modify a copy.
type Template struct {
	CommonName          string             `json:"commonName"`
	FriendlyName        string             `json:"friendlyName,omitempty"`
	OID                 x509util.ObjectID  `json:"oid"`
	SchemaVersion       int                `json:"schemaVersion,omitempty"`
	MajorRevision       int                `json:"majorRevision,omitempty"`
	MinorRevision       int                `json:"minorRevision,omitempty"`
	SubjectNameFlags    SubjectNameFlags   `json:"subjectNameFlags,omitempty"`
	KeyUsage            x509util.KeyUsage  `json:"keyUsage,omitempty"`
	ValidityPeriod      Duration           `json:"validityPeriod"`
	RenewalPeriod       Duration           `json:"renewalPeriod"`
	CryptoProviders     []string           `json:"cryptoProviders,omitempty"`
	ExtendedKeyUsage    x509util.ObjectIDs `json:"extendedKeyUsage,omitempty"`
	CertificatePolicies x509util.ObjectIDs `json:"certificatePolicies,omitempty"`
	GeneralFlags        GeneralFlags       `json:"generalFlags,omitempty"`
	EnrollmentFlags     EnrollmentFlags    `json:"enrollmentFlags,omitempty"`
	PrivateKeyFlags     PrivateKeyFlags    `json:"privateKeyFlags,omitempty"`
	MinimumKeyLength    int                `json:"minimumKeyLength,omitempty"`
	RASignatures        int                `json:"raSignatures,omitempty"`

	// Unknown keeps the properties this version does not know about.
	Unknown map[string]PropertyValue `json:"-"`
}

type templateAlias Template

// UnmarshalJSON implements the json.Unmarshaler interface. Unknown properties
// are kept in t.Unknown.
func (t *Template) UnmarshalJSON(data []byte) error {
	var v templateAlias
	if err := json.Unmarshal(data, &v); err != nil {
		return errs.Wrap(errs.DecodeError, err, "error decoding template")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.Wrap(errs.DecodeError, err, "error decoding template")
	}
	for name, msg := range raw {
		if _, ok := ParseProperty(name); ok {
			continue
		}
		if v.Unknown == nil {
			v.Unknown = make(map[string]PropertyValue)
		}
		v.Unknown[name] = decodeUnknown(msg)
	}
	*t = Template(v)
	return nil
}

// decodeUnknown guesses the kind of an unknown property. Values that are not
// a boolean, a number, a string or a list of identifiers are kept as raw JSON
// bytes.
func decodeUnknown(msg json.RawMessage) PropertyValue {
	var b bool
	if err := json.Unmarshal(msg, &b); err == nil {
		return Bool(b)
	}
	var n int64
	if err := json.Unmarshal(msg, &n); err == nil {
		return Int(n)
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return String(s)
	}
	var oids x509util.ObjectIDs
	if err := json.Unmarshal(msg, &oids); err == nil {
		return OIDList(oids)
	}
	var ss []string
	if err := json.Unmarshal(msg, &ss); err == nil {
		return StringList(ss)
	}
	return Bytes(bytes.Clone(msg))
}

// Name returns the template common name.
func (t *Template) Name() string {
	return t.CommonName
}

// Property returns the value of a property.
func (t *Template) Property(p Property) (PropertyValue, bool) {
	switch p {
	case PropertyCommonName:
		return String(t.CommonName), true
	case PropertyFriendlyName:
		return String(t.FriendlyName), true
	case PropertyOID:
		if t.OID.IsZero() {
			return nil, false
		}
		return OIDList{t.OID}, true
	case PropertySchemaVersion:
		return Int(t.SchemaVersion), true
	case PropertyMajorRevision:
		return Int(t.MajorRevision), true
	case PropertyMinorRevision:
		return Int(t.MinorRevision), true
	case PropertySubjectNameFlags:
		return Int(t.SubjectNameFlags), true
	case PropertyKeyUsage:
		return Int(t.KeyUsage), true
	case PropertyValidityPeriod:
		return Int(t.ValidityPeriod.Duration / time.Second), true
	case PropertyRenewalPeriod:
		return Int(t.RenewalPeriod.Duration / time.Second), true
	case PropertyCryptoProviders:
		return StringList(append([]string(nil), t.CryptoProviders...)), true
	case PropertyExtendedKeyUsage:
		return OIDList(append(x509util.ObjectIDs(nil), t.ExtendedKeyUsage...)), true
	case PropertyCertificatePolicies:
		return OIDList(append(x509util.ObjectIDs(nil), t.CertificatePolicies...)), true
	case PropertyGeneralFlags:
		return Int(t.GeneralFlags), true
	case PropertyEnrollmentFlags:
		return Int(t.EnrollmentFlags), true
	case PropertyPrivateKeyFlags:
		return Int(t.PrivateKeyFlags), true
	case PropertyMinimumKeyLength:
		return Int(t.MinimumKeyLength), true
	case PropertyRASignatures:
		return Int(t.RASignatures), true
	default:
		return nil, false
	}
}

// UnknownProperty returns the value of a property this version does not know
// about.
func (t *Template) UnknownProperty(name string) (PropertyValue, bool) {
	v, ok := t.Unknown[name]
	return v, ok
}

// Machine returns true if the template targets machines.
func (t *Template) Machine() bool {
	return t.GeneralFlags&MachineType != 0
}

// Extensions returns the extensions a request created from the template
// carries: the template extension, and the key usage, enhanced key usage and
// certificate policies extensions when the template defines them.
func (t *Template) Extensions() (*x509util.Extensions, error) {
	exts := new(x509util.Extensions)
	var (
		ext x509util.Extension
		err error
	)
	if t.SchemaVersion >= 2 && !t.OID.IsZero() {
		ext, err = x509util.NewTemplateInfo(t.OID, t.MajorRevision, t.MinorRevision)
	} else {
		ext, err = x509util.NewTemplateName(t.CommonName)
	}
	if err != nil {
		return nil, err
	}
	if err := exts.Add(ext); err != nil {
		return nil, err
	}
	if t.KeyUsage != 0 {
		if ext, err = x509util.NewKeyUsage(t.KeyUsage); err != nil {
			return nil, err
		}
		if err := exts.Add(ext); err != nil {
			return nil, err
		}
	}
	if len(t.ExtendedKeyUsage) > 0 {
		if ext, err = x509util.NewEnhancedKeyUsage(t.ExtendedKeyUsage...); err != nil {
			return nil, err
		}
		if err := exts.Add(ext); err != nil {
			return nil, err
		}
	}
	if len(t.CertificatePolicies) > 0 {
		policies := make([]x509util.CertificatePolicy, len(t.CertificatePolicies))
		for i, id := range t.CertificatePolicies {
			policies[i] = x509util.CertificatePolicy{ID: id}
		}
		if ext, err = x509util.NewCertificatePolicies(policies...); err != nil {
			return nil, err
		}
		if err := exts.Add(ext); err != nil {
			return nil, err
		}
	}
	return exts, nil
}

// clone returns a deep copy of t.
func (t *Template) clone() *Template {
	c := *t
	c.CryptoProviders = append([]string(nil), t.CryptoProviders...)
	c.ExtendedKeyUsage = append(x509util.ObjectIDs(nil), t.ExtendedKeyUsage...)
	c.CertificatePolicies = append(x509util.ObjectIDs(nil), t.CertificatePolicies...)
	if t.Unknown != nil {
		c.Unknown = make(map[string]PropertyValue, len(t.Unknown))
		for k, v := range t.Unknown {
			c.Unknown[k] = v
		}
	}
	return &c
}

// TemplateStore is the directory where writable templates are committed.
type TemplateStore interface {
	CommitTemplate(ctx context.Context, t *Template) error
}

// WritableTemplate is a modifiable copy of a template.
type WritableTemplate struct {
	t     *Template
	dirty bool
}

// Writable returns a writable copy of the template.
func (t *Template) Writable() *WritableTemplate {
	return &WritableTemplate{t: t.clone()}
}

// NewWritableTemplate returns a new empty writable template.
func NewWritableTemplate(name string) *WritableTemplate {
	return &WritableTemplate{
		t:     &Template{CommonName: name, SchemaVersion: 2},
		dirty: true,
	}
}

// Template returns a copy of the current template.
func (w *WritableTemplate) Template() *Template {
	return w.t.clone()
}

// Property returns the value of a property.
func (w *WritableTemplate) Property(p Property) (PropertyValue, bool) {
	return w.t.Property(p)
}

// SetProperty sets the value of a property. It fails with a ValidationError
// if the kind of the value does not match the property.
func (w *WritableTemplate) SetProperty(p Property, v PropertyValue) error {
	t := w.t
	var ok bool
	switch p {
	case PropertyCommonName:
		var s String
		if s, ok = v.(String); ok {
			if s == "" {
				return errs.New(errs.ValidationError, "template commonName cannot be empty")
			}
			t.CommonName = string(s)
		}
	case PropertyFriendlyName:
		var s String
		if s, ok = v.(String); ok {
			t.FriendlyName = string(s)
		}
	case PropertyOID:
		var l OIDList
		if l, ok = v.(OIDList); ok {
			if len(l) != 1 {
				return errs.New(errs.ValidationError, "template oid requires exactly one identifier")
			}
			t.OID = l[0]
		}
	case PropertyCryptoProviders:
		var l StringList
		if l, ok = v.(StringList); ok {
			t.CryptoProviders = append([]string(nil), l...)
		}
	case PropertyExtendedKeyUsage:
		var l OIDList
		if l, ok = v.(OIDList); ok {
			t.ExtendedKeyUsage = append(x509util.ObjectIDs(nil), l...)
		}
	case PropertyCertificatePolicies:
		var l OIDList
		if l, ok = v.(OIDList); ok {
			t.CertificatePolicies = append(x509util.ObjectIDs(nil), l...)
		}
	case PropertyUnknown:
		return errs.New(errs.ValidationError, "template property %s is not valid", p)
	default:
		var n Int
		if n, ok = v.(Int); ok {
			if n < 0 {
				return errs.New(errs.ValidationError, "template %s cannot be negative", p)
			}
			if _, err := cast.SafeUint32(n); err != nil {
				return errs.Wrapf(errs.ValidationError, err, "template %s is out of range", p)
			}
			setInt(t, p, n)
		}
	}
	if !ok {
		return errs.New(errs.ValidationError, "template %s does not accept a %T value", p, v)
	}
	w.dirty = true
	return nil
}

// durationOf converts a number of seconds.
func durationOf(n Int) time.Duration {
	return time.Duration(n) * time.Second
}

func setInt(t *Template, p Property, n Int) {
	switch p {
	case PropertySchemaVersion:
		t.SchemaVersion = int(n)
	case PropertyMajorRevision:
		t.MajorRevision = int(n)
	case PropertyMinorRevision:
		t.MinorRevision = int(n)
	case PropertySubjectNameFlags:
		t.SubjectNameFlags = SubjectNameFlags(n)
	case PropertyKeyUsage:
		t.KeyUsage = x509util.KeyUsage(n)
	case PropertyValidityPeriod:
		t.ValidityPeriod.Duration = durationOf(n)
	case PropertyRenewalPeriod:
		t.RenewalPeriod.Duration = durationOf(n)
	case PropertyGeneralFlags:
		t.GeneralFlags = GeneralFlags(n)
	case PropertyEnrollmentFlags:
		t.EnrollmentFlags = EnrollmentFlags(n)
	case PropertyPrivateKeyFlags:
		t.PrivateKeyFlags = PrivateKeyFlags(n)
	case PropertyMinimumKeyLength:
		t.MinimumKeyLength = int(n)
	case PropertyRASignatures:
		t.RASignatures = int(n)
	}
}

// SetUnknownProperty sets a property this version does not know about.
func (w *WritableTemplate) SetUnknownProperty(name string, v PropertyValue) error {
	if _, ok := ParseProperty(name); ok {
		return errs.New(errs.ValidationError, "template property %s is a known property", name)
	}
	if v == nil {
		delete(w.t.Unknown, name)
	} else {
		if w.t.Unknown == nil {
			w.t.Unknown = make(map[string]PropertyValue)
		}
		w.t.Unknown[name] = v
	}
	w.dirty = true
	return nil
}

// Commit writes the template to the store. The minor revision is increased
// on every commit of a modified template, committing an unmodified template
// is a noop.
func (w *WritableTemplate) Commit(ctx context.Context, store TemplateStore) error {
	if !w.dirty {
		return nil
	}
	if store == nil {
		return errs.New(errs.TransportError, "template store is not configured")
	}
	t := w.t.clone()
	t.MinorRevision++
	if err := store.CommitTemplate(ctx, t); err != nil {
		return errs.Wrapf(errs.TransportError, err, "error committing template %s", t.CommonName)
	}
	w.t = t
	w.dirty = false
	return nil
}
