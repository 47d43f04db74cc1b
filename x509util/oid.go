package x509util

import (
	"encoding/asn1"
	"encoding/json"
	"strings"

	"github.com/smallstep/enrollment/errs"
)

// KnownOID enumerates the object identifiers used by the enrollment engine.
type KnownOID int

// Well-known object identifiers.
const (
	OIDUnknown KnownOID = iota

	// Distinguished name attribute types.
	OIDCommonName
	OIDSurname
	OIDSerialNumber
	OIDCountry
	OIDLocality
	OIDState
	OIDStreet
	OIDOrganization
	OIDOrganizationalUnit
	OIDTitle
	OIDPostalCode
	OIDGivenName
	OIDInitials
	OIDEmailAddress
	OIDDomainComponent
	OIDUserID

	// Extensions.
	OIDBasicConstraints
	OIDKeyUsage
	OIDSubjectAltName
	OIDCertificatePolicies
	OIDExtKeyUsage
	OIDSubjectKeyIdentifier
	OIDAuthorityKeyIdentifier
	OIDCertificateTemplate
	OIDCertificateTemplateName
	OIDSmimeCapabilities
	OIDApplicationCertPolicies

	// Request attributes.
	OIDExtensionRequest
	OIDChallengePassword
	OIDRequestClientInfo
	OIDEnrollmentCSPProvider
	OIDArchivedKey
	OIDOSVersion
	OIDRenewalCertificate
	OIDEnrollmentNameValuePair

	// Hash algorithms.
	OIDSHA1
	OIDSHA256
	OIDSHA384
	OIDSHA512

	// Public key algorithms.
	OIDRSAEncryption
	OIDECPublicKey
	OIDEd25519
	OIDRSASSAPSS
	OIDMGF1

	// Signature algorithms.
	OIDSHA1WithRSA
	OIDSHA256WithRSA
	OIDSHA384WithRSA
	OIDSHA512WithRSA
	OIDECDSAWithSHA1
	OIDECDSAWithSHA256
	OIDECDSAWithSHA384
	OIDECDSAWithSHA512
	OIDNoSignature

	// CMS content types and CMC controls.
	OIDData
	OIDSignedData
	OIDEnvelopedData
	OIDPKIData
	OIDPKIResponse
	OIDCMCTransactionID
	OIDCMCRegInfo
	OIDCMCStatusInfo

	// Content encryption algorithms.
	OIDDESCBC
	OIDDESEDE3CBC
	OIDRC2CBC
	OIDAES128CBC
	OIDAES256CBC
	OIDAES128GCM
	OIDAES256GCM

	// Extended key usages.
	OIDAnyExtendedKeyUsage
	OIDServerAuth
	OIDClientAuth
	OIDCodeSigning
	OIDEmailProtection
	OIDTimeStamping
	OIDOCSPSigning
	OIDSmartcardLogon

	// Policies and alternative names.
	OIDAnyPolicy
	OIDPolicyQualifierCPS
	OIDPolicyQualifierUserNotice
	OIDUserPrincipalName
	OIDNTDSReplication

	oidSentinel
)

type oidEntry struct {
	oid  asn1.ObjectIdentifier
	name string
}

var knownOIDs = [oidSentinel]oidEntry{
	OIDCommonName:         {asn1.ObjectIdentifier{2, 5, 4, 3}, "CN"},
	OIDSurname:            {asn1.ObjectIdentifier{2, 5, 4, 4}, "SN"},
	OIDSerialNumber:       {asn1.ObjectIdentifier{2, 5, 4, 5}, "SERIALNUMBER"},
	OIDCountry:            {asn1.ObjectIdentifier{2, 5, 4, 6}, "C"},
	OIDLocality:           {asn1.ObjectIdentifier{2, 5, 4, 7}, "L"},
	OIDState:              {asn1.ObjectIdentifier{2, 5, 4, 8}, "ST"},
	OIDStreet:             {asn1.ObjectIdentifier{2, 5, 4, 9}, "STREET"},
	OIDOrganization:       {asn1.ObjectIdentifier{2, 5, 4, 10}, "O"},
	OIDOrganizationalUnit: {asn1.ObjectIdentifier{2, 5, 4, 11}, "OU"},
	OIDTitle:              {asn1.ObjectIdentifier{2, 5, 4, 12}, "T"},
	OIDPostalCode:         {asn1.ObjectIdentifier{2, 5, 4, 17}, "PostalCode"},
	OIDGivenName:          {asn1.ObjectIdentifier{2, 5, 4, 42}, "G"},
	OIDInitials:           {asn1.ObjectIdentifier{2, 5, 4, 43}, "I"},
	OIDEmailAddress:       {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}, "E"},
	OIDDomainComponent:    {asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}, "DC"},
	OIDUserID:             {asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}, "UID"},

	OIDBasicConstraints:        {asn1.ObjectIdentifier{2, 5, 29, 19}, "Basic Constraints"},
	OIDKeyUsage:                {asn1.ObjectIdentifier{2, 5, 29, 15}, "Key Usage"},
	OIDSubjectAltName:          {asn1.ObjectIdentifier{2, 5, 29, 17}, "Subject Alternative Name"},
	OIDCertificatePolicies:     {asn1.ObjectIdentifier{2, 5, 29, 32}, "Certificate Policies"},
	OIDExtKeyUsage:             {asn1.ObjectIdentifier{2, 5, 29, 37}, "Enhanced Key Usage"},
	OIDSubjectKeyIdentifier:    {asn1.ObjectIdentifier{2, 5, 29, 14}, "Subject Key Identifier"},
	OIDAuthorityKeyIdentifier:  {asn1.ObjectIdentifier{2, 5, 29, 35}, "Authority Key Identifier"},
	OIDCertificateTemplate:     {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 21, 7}, "Certificate Template Information"},
	OIDCertificateTemplateName: {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2}, "Certificate Template Name"},
	OIDSmimeCapabilities:       {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 15}, "SMIME Capabilities"},
	OIDApplicationCertPolicies: {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 21, 10}, "Application Policies"},

	OIDExtensionRequest:        {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}, "Certificate Extensions"},
	OIDChallengePassword:       {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}, "Challenge Password"},
	OIDRequestClientInfo:       {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 21, 20}, "Client Information"},
	OIDEnrollmentCSPProvider:   {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 13, 2, 2}, "Enrollment CSP"},
	OIDArchivedKey:             {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 21, 13}, "Archived Key"},
	OIDOSVersion:               {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 13, 2, 3}, "OS Version"},
	OIDRenewalCertificate:      {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 13, 1}, "Renewal Certificate"},
	OIDEnrollmentNameValuePair: {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 13, 2, 1}, "Enrollment Name Value Pair"},

	OIDSHA1:   {asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, "sha1"},
	OIDSHA256: {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, "sha256"},
	OIDSHA384: {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}, "sha384"},
	OIDSHA512: {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}, "sha512"},

	OIDRSAEncryption: {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}, "RSA"},
	OIDECPublicKey:   {asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}, "ECC"},
	OIDEd25519:       {asn1.ObjectIdentifier{1, 3, 101, 112}, "Ed25519"},
	OIDRSASSAPSS:     {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}, "RSASSA-PSS"},
	OIDMGF1:          {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}, "MGF1"},

	OIDSHA1WithRSA:     {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}, "sha1RSA"},
	OIDSHA256WithRSA:   {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, "sha256RSA"},
	OIDSHA384WithRSA:   {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, "sha384RSA"},
	OIDSHA512WithRSA:   {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, "sha512RSA"},
	OIDECDSAWithSHA1:   {asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}, "sha1ECDSA"},
	OIDECDSAWithSHA256: {asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, "sha256ECDSA"},
	OIDECDSAWithSHA384: {asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, "sha384ECDSA"},
	OIDECDSAWithSHA512: {asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, "sha512ECDSA"},
	OIDNoSignature:     {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 6, 2}, "NULL"},

	OIDData:             {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}, "PKCS 7 Data"},
	OIDSignedData:       {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}, "PKCS 7 Signed"},
	OIDEnvelopedData:    {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}, "PKCS 7 Enveloped"},
	OIDPKIData:          {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 2}, "CMC Data"},
	OIDPKIResponse:      {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 3}, "CMC Response"},
	OIDCMCTransactionID: {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 5}, "Transaction Id"},
	OIDCMCRegInfo:       {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 18}, "Registration Information"},
	OIDCMCStatusInfo:    {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 1}, "CMC Status Info"},

	OIDDESCBC:     {asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}, "des"},
	OIDDESEDE3CBC: {asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}, "3des"},
	OIDRC2CBC:     {asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 2}, "rc2"},
	OIDAES128CBC:  {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}, "aes128"},
	OIDAES256CBC:  {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}, "aes256"},
	OIDAES128GCM:  {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 6}, "aes128gcm"},
	OIDAES256GCM:  {asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 46}, "aes256gcm"},

	OIDAnyExtendedKeyUsage: {asn1.ObjectIdentifier{2, 5, 29, 37, 0}, "Any Purpose"},
	OIDServerAuth:          {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}, "Server Authentication"},
	OIDClientAuth:          {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}, "Client Authentication"},
	OIDCodeSigning:         {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}, "Code Signing"},
	OIDEmailProtection:     {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}, "Secure Email"},
	OIDTimeStamping:        {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}, "Time Stamping"},
	OIDOCSPSigning:         {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}, "OCSP Signing"},
	OIDSmartcardLogon:      {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 2}, "Smart Card Logon"},

	OIDAnyPolicy:                 {asn1.ObjectIdentifier{2, 5, 29, 32, 0}, "All Issuance Policies"},
	OIDPolicyQualifierCPS:        {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 1}, "CPS"},
	OIDPolicyQualifierUserNotice: {asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 2}, "User Notice"},
	OIDUserPrincipalName:         {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 3}, "Principal Name"},
	OIDNTDSReplication:           {asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 25, 1}, "DS Object Guid"},
}

var (
	oidsByDotted = make(map[string]KnownOID, len(knownOIDs))
	oidsByName   = make(map[string]KnownOID, len(knownOIDs))
)

func init() {
	for i := OIDUnknown + 1; i < oidSentinel; i++ {
		e := knownOIDs[i]
		oidsByDotted[e.oid.String()] = i
		oidsByName[strings.ToLower(e.name)] = i
	}
	// Aliases accepted when parsing names.
	for alias, k := range map[string]KnownOID{
		"s":            OIDState,
		"email":        OIDEmailAddress,
		"emailaddress": OIDEmailAddress,
		"gn":           OIDGivenName,
		"givenname":    OIDGivenName,
		"title":        OIDTitle,
		"street":       OIDStreet,
		"postalcode":   OIDPostalCode,
	} {
		oidsByName[alias] = k
	}
}

// String returns the friendly name of the well-known identifier.
func (k KnownOID) String() string {
	if k <= OIDUnknown || k >= oidSentinel {
		return "unknown"
	}
	return knownOIDs[k].name
}

// ObjectID returns the ObjectID for the well-known identifier. It panics if k
// is not a valid enumerant.
func (k KnownOID) ObjectID() ObjectID {
	if k <= OIDUnknown || k >= oidSentinel {
		panic("x509util: invalid KnownOID")
	}
	e := knownOIDs[k]
	return ObjectID{oid: e.oid, dotted: e.oid.String(), name: e.name, known: k}
}

// ObjectID is an immutable object identifier with an optional friendly name.
// Two ObjectIDs are equal when their dotted forms are equal.
type ObjectID struct {
	oid    asn1.ObjectIdentifier
	dotted string
	name   string
	known  KnownOID
}

// NewObjectID returns the ObjectID for the given asn1.ObjectIdentifier,
// attaching the well-known name if there is one.
func NewObjectID(oid asn1.ObjectIdentifier) ObjectID {
	dotted := oid.String()
	if k, ok := oidsByDotted[dotted]; ok {
		return k.ObjectID()
	}
	return ObjectID{
		oid:    append(asn1.ObjectIdentifier(nil), oid...),
		dotted: dotted,
	}
}

// ParseObjectID parses an OID in dotted notation. It fails with UnknownOid if
// the string is not valid dotted notation.
func ParseObjectID(dotted string) (ObjectID, error) {
	oid, err := parseObjectIdentifier(dotted)
	if err != nil {
		return ObjectID{}, err
	}
	return NewObjectID(oid), nil
}

// MustParseObjectID is like ParseObjectID but it panics on errors.
func MustParseObjectID(dotted string) ObjectID {
	o, err := ParseObjectID(dotted)
	if err != nil {
		panic(err)
	}
	return o
}

// Resolve returns the ObjectID for a dotted string or a friendly name. Names
// are matched case-insensitively.
func Resolve(identifier string) (ObjectID, error) {
	s := strings.TrimSpace(identifier)
	if k, ok := oidsByName[strings.ToLower(s)]; ok {
		return k.ObjectID(), nil
	}
	if len(s) > 4 && strings.EqualFold(s[:4], "oid.") {
		s = s[4:]
	}
	o, err := ParseObjectID(s)
	if err != nil {
		return ObjectID{}, errs.New(errs.UnknownOid, "%q is not a known name or object identifier", identifier)
	}
	return o, nil
}

// FriendlyName returns the registered name of the given OID or the empty
// string.
func FriendlyName(oid asn1.ObjectIdentifier) string {
	if k, ok := oidsByDotted[oid.String()]; ok {
		return knownOIDs[k].name
	}
	return ""
}

// OID returns a copy of the asn1.ObjectIdentifier.
func (o ObjectID) OID() asn1.ObjectIdentifier {
	return append(asn1.ObjectIdentifier(nil), o.oid...)
}

// String returns the dotted form.
func (o ObjectID) String() string {
	return o.dotted
}

// FriendlyName returns the name of the identifier, if any.
func (o ObjectID) FriendlyName() string {
	return o.name
}

// Known returns the well-known enumerant or OIDUnknown.
func (o ObjectID) Known() KnownOID {
	return o.known
}

// Is returns true if o is the given well-known identifier.
func (o ObjectID) Is(k KnownOID) bool {
	return o.known != OIDUnknown && o.known == k
}

// Equal compares two ObjectIDs by their dotted form.
func (o ObjectID) Equal(other ObjectID) bool {
	return o.dotted == other.dotted
}

// IsZero returns true for the zero ObjectID.
func (o ObjectID) IsZero() bool {
	return len(o.oid) == 0
}

// WithName returns a copy of o with the given friendly name.
func (o ObjectID) WithName(name string) ObjectID {
	o.name = name
	return o
}

// MarshalJSON implements the json.Marshaler interface and returns the dotted
// form.
func (o ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.dotted)
}

// UnmarshalJSON implements the json.Unmarshaler interface and accepts dotted
// strings and friendly names.
func (o *ObjectID) UnmarshalJSON(data []byte) error {
	s, err := unmarshalString(data)
	if err != nil {
		return err
	}
	if s == "" {
		*o = ObjectID{}
		return nil
	}
	v, err := Resolve(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ObjectIDs is a list of identifiers.
type ObjectIDs []ObjectID

// Contains returns true if the list contains the given identifier.
func (l ObjectIDs) Contains(o ObjectID) bool {
	for _, v := range l {
		if v.Equal(o) {
			return true
		}
	}
	return false
}
