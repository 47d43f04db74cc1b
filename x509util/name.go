package x509util

import (
	"bytes"
	"encoding/asn1"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/net/idna"
	"golang.org/x/text/encoding/charmap"

	"github.com/smallstep/enrollment/errs"
)

// NameFlags modify how distinguished names are parsed, encoded and displayed.
type NameFlags uint32

const (
	// SemicolonSeparator uses ';' instead of ',' to separate RDNs.
	SemicolonSeparator NameFlags = 1 << iota
	// ReverseOrder reverses the order of the RDNs in the display string.
	ReverseOrder
	// ForceUTF8 encodes every value as UTF8String.
	ForceUTF8
	// ForceT61 encodes values as T61String when they are representable.
	ForceT61
	// EnablePunycode converts internationalized DNS names in DC and CN values
	// and in the domain of E values.
	EnablePunycode
	// NoQuoting rejects quoted values and escapes special characters with
	// backslashes.
	NoQuoting
)

// StringEncoding is the ASN.1 string type used for a name value.
type StringEncoding int

// ASN.1 string types.
const (
	PrintableString StringEncoding = iota
	UTF8String
	IA5String
	T61String
	BMPString
)

// String implements the fmt.Stringer interface.
func (e StringEncoding) String() string {
	switch e {
	case PrintableString:
		return "PrintableString"
	case UTF8String:
		return "UTF8String"
	case IA5String:
		return "IA5String"
	case T61String:
		return "T61String"
	case BMPString:
		return "BMPString"
	default:
		return "unknown"
	}
}

const tagBMPString = cryptobyte_asn1.Tag(30)

// AttributeValue is a typed value inside a relative distinguished name.
type AttributeValue struct {
	Type     ObjectID
	Encoding StringEncoding
	Value    string
}

// RDN is a relative distinguished name. Multi-valued RDNs have more than one
// value.
type RDN []AttributeValue

// DistinguishedName is an X.501 name. It holds the parsed RDNs and their
// canonical DER encoding.
type DistinguishedName struct {
	RDNs []RDN
	raw  []byte
}

// EncodeName parses a display string like "CN=test, O=Acme" and returns the
// distinguished name with its DER encoding.
func EncodeName(display string, flags NameFlags) (*DistinguishedName, error) {
	rdns, err := parseDisplayName(display, flags)
	if err != nil {
		return nil, err
	}
	if flags&ReverseOrder != 0 {
		reverseRDNs(rdns)
	}
	return NewDistinguishedName(rdns, flags)
}

// NewDistinguishedName encodes the given RDNs. String encodings are chosen
// from the values and flags.
func NewDistinguishedName(rdns []RDN, flags NameFlags) (*DistinguishedName, error) {
	out := make([]RDN, len(rdns))
	for i, rdn := range rdns {
		if len(rdn) == 0 {
			return nil, errs.New(errs.MalformedName, "relative distinguished name %d is empty", i)
		}
		out[i] = make(RDN, len(rdn))
		for j, av := range rdn {
			if av.Type.IsZero() {
				return nil, errs.New(errs.MalformedName, "attribute type is required")
			}
			v, enc, err := prepareValue(av.Type, av.Value, flags)
			if err != nil {
				return nil, err
			}
			out[i][j] = AttributeValue{Type: av.Type, Encoding: enc, Value: v}
		}
	}
	raw, err := marshalRDNs(out)
	if err != nil {
		return nil, err
	}
	return &DistinguishedName{RDNs: out, raw: raw}, nil
}

// DecodeName parses a DER encoded name.
func DecodeName(der []byte, flags NameFlags) (*DistinguishedName, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, errs.New(errs.DecodeError, "error decoding name: malformed sequence")
	}

	var rdns []RDN
	for !seq.Empty() {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, cryptobyte_asn1.SET) {
			return nil, errs.New(errs.DecodeError, "error decoding name: malformed set")
		}
		var rdn RDN
		for !set.Empty() {
			var (
				atv cryptobyte.String
				val cryptobyte.String
				oid asn1.ObjectIdentifier
				tag cryptobyte_asn1.Tag
			)
			if !set.ReadASN1(&atv, cryptobyte_asn1.SEQUENCE) || !atv.ReadASN1ObjectIdentifier(&oid) || !atv.ReadAnyASN1(&val, &tag) {
				return nil, errs.New(errs.DecodeError, "error decoding name: malformed attribute")
			}
			id := NewObjectID(oid)
			value, enc, err := decodeString(tag, val)
			if err != nil {
				return nil, err
			}
			if flags&EnablePunycode != 0 && punycodeCandidate(id) {
				value = fromPunycode(id, value)
			}
			rdn = append(rdn, AttributeValue{Type: id, Encoding: enc, Value: value})
		}
		rdns = append(rdns, rdn)
	}
	return &DistinguishedName{
		RDNs: rdns,
		raw:  append([]byte(nil), der...),
	}, nil
}

// Bytes returns a copy of the DER encoding.
func (n *DistinguishedName) Bytes() []byte {
	if n == nil {
		return nil
	}
	return append([]byte(nil), n.raw...)
}

// Empty returns true if the name has no RDNs.
func (n *DistinguishedName) Empty() bool {
	return n == nil || len(n.RDNs) == 0
}

// Get returns the first value of the given attribute type.
func (n *DistinguishedName) Get(k KnownOID) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, rdn := range n.RDNs {
		for _, av := range rdn {
			if av.Type.Is(k) {
				return av.Value, true
			}
		}
	}
	return "", false
}

// CommonName returns the first CN value.
func (n *DistinguishedName) CommonName() string {
	cn, _ := n.Get(OIDCommonName)
	return cn
}

// Equal returns true if both names have the same types and values in the same
// order. String encodings are not compared.
func (n *DistinguishedName) Equal(o *DistinguishedName) bool {
	if n.Empty() || o.Empty() {
		return n.Empty() && o.Empty()
	}
	if len(n.RDNs) != len(o.RDNs) {
		return false
	}
	for i := range n.RDNs {
		if len(n.RDNs[i]) != len(o.RDNs[i]) {
			return false
		}
		for j := range n.RDNs[i] {
			a, b := n.RDNs[i][j], o.RDNs[i][j]
			if !a.Type.Equal(b.Type) || a.Value != b.Value {
				return false
			}
		}
	}
	return true
}

// String returns the display string using the default flags.
func (n *DistinguishedName) String() string {
	return n.Format(0)
}

// Format returns the display string of the name.
func (n *DistinguishedName) Format(flags NameFlags) string {
	if n.Empty() {
		return ""
	}
	rdns := make([]RDN, len(n.RDNs))
	copy(rdns, n.RDNs)
	if flags&ReverseOrder != 0 {
		reverseRDNs(rdns)
	}

	sep := ", "
	if flags&SemicolonSeparator != 0 {
		sep = "; "
	}
	var sb strings.Builder
	for i, rdn := range rdns {
		if i > 0 {
			sb.WriteString(sep)
		}
		for j, av := range rdn {
			if j > 0 {
				sb.WriteString(" + ")
			}
			sb.WriteString(typeName(av.Type))
			sb.WriteByte('=')
			sb.WriteString(quoteValue(av.Value, flags))
		}
	}
	return sb.String()
}

func typeName(id ObjectID) string {
	if name := id.FriendlyName(); name != "" && !strings.ContainsAny(name, " =,;+") {
		return name
	}
	return id.String()
}

func reverseRDNs(rdns []RDN) {
	for i, j := 0, len(rdns)-1; i < j; i, j = i+1, j-1 {
		rdns[i], rdns[j] = rdns[j], rdns[i]
	}
}

func parseDisplayName(s string, flags NameFlags) ([]RDN, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	sep := byte(',')
	if flags&SemicolonSeparator != 0 {
		sep = ';'
	}

	var (
		rdns []RDN
		cur  RDN
		i    int
	)
	for {
		j := strings.IndexByte(s[i:], '=')
		if j < 0 {
			return nil, errs.New(errs.MalformedName, "error parsing name %q: missing '='", s)
		}
		typ := strings.TrimSpace(s[i : i+j])
		if typ == "" {
			return nil, errs.New(errs.MalformedName, "error parsing name %q: missing attribute type", s)
		}
		id, err := Resolve(typ)
		if err != nil {
			return nil, errs.New(errs.MalformedName, "error parsing name %q: unknown attribute type %q", s, typ)
		}

		value, next, err := parseValue(s, i+j+1, sep, flags)
		if err != nil {
			return nil, err
		}
		cur = append(cur, AttributeValue{Type: id, Value: value})
		i = next
		if i >= len(s) {
			rdns = append(rdns, cur)
			return rdns, nil
		}
		if s[i] == sep {
			rdns = append(rdns, cur)
			cur = nil
		}
		i++
	}
}

// parseValue reads a value starting at i and returns the index of the
// terminating separator, '+' or len(s).
func parseValue(s string, i int, sep byte, flags NameFlags) (string, int, error) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i < len(s) && s[i] == '"' {
		if flags&NoQuoting != 0 {
			return "", 0, errs.New(errs.MalformedName, "error parsing name %q: quoted values are not allowed", s)
		}
		var sb strings.Builder
		i++
		for {
			if i >= len(s) {
				return "", 0, errs.New(errs.MalformedName, "error parsing name %q: unterminated quote", s)
			}
			if s[i] == '"' {
				if i+1 < len(s) && s[i+1] == '"' {
					sb.WriteByte('"')
					i += 2
					continue
				}
				i++
				break
			}
			sb.WriteByte(s[i])
			i++
		}
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i < len(s) && s[i] != sep && s[i] != '+' {
			return "", 0, errs.New(errs.MalformedName, "error parsing name %q: unexpected character after quoted value", s)
		}
		return sb.String(), i, nil
	}

	var (
		buf  []byte
		keep int
	)
	for i < len(s) && s[i] != sep && s[i] != '+' {
		if s[i] == '\\' {
			if i+1 >= len(s) {
				return "", 0, errs.New(errs.MalformedName, "error parsing name %q: dangling escape", s)
			}
			if i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
				buf = append(buf, unhex(s[i+1])<<4|unhex(s[i+2]))
				i += 3
			} else {
				buf = append(buf, s[i+1])
				i += 2
			}
			keep = len(buf)
			continue
		}
		buf = append(buf, s[i])
		i++
	}
	// Unescaped trailing spaces are not part of the value.
	end := len(buf)
	for end > keep && buf[end-1] == ' ' {
		end--
	}
	if !utf8.Valid(buf[:end]) {
		return "", 0, errs.New(errs.MalformedName, "error parsing name %q: value is not valid UTF-8", s)
	}
	return string(buf[:end]), i, nil
}

func quoteValue(v string, flags NameFlags) string {
	const special = ",;+=\"\\<>#\r\n"
	needs := strings.ContainsAny(v, special) ||
		strings.HasPrefix(v, " ") || strings.HasSuffix(v, " ")
	if !needs {
		return v
	}
	if flags&NoQuoting == 0 {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}

	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case strings.IndexByte(special, c) >= 0:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == ' ' && (i == 0 || i == len(v)-1):
			sb.WriteString(`\ `)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte(" '()+,-./:=?", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func punycodeCandidate(id ObjectID) bool {
	return id.Is(OIDDomainComponent) || id.Is(OIDCommonName) || id.Is(OIDEmailAddress)
}

var punycodeProfile = idna.New(idna.VerifyDNSLength(false))

func toPunycode(id ObjectID, v string) (string, error) {
	if isASCII(v) || strings.ContainsAny(v, " \t") {
		return v, nil
	}
	if id.Is(OIDEmailAddress) {
		at := strings.LastIndexByte(v, '@')
		if at < 0 {
			return v, nil
		}
		domain, err := punycodeProfile.ToASCII(v[at+1:])
		if err != nil {
			return "", errs.Wrapf(errs.MalformedName, err, "error converting %q to punycode", v)
		}
		return v[:at+1] + domain, nil
	}
	s, err := punycodeProfile.ToASCII(v)
	if err != nil {
		return "", errs.Wrapf(errs.MalformedName, err, "error converting %q to punycode", v)
	}
	return s, nil
}

func fromPunycode(id ObjectID, v string) string {
	if !strings.Contains(v, "xn--") {
		return v
	}
	if id.Is(OIDEmailAddress) {
		if at := strings.LastIndexByte(v, '@'); at >= 0 {
			if d, err := punycodeProfile.ToUnicode(v[at+1:]); err == nil {
				return v[:at+1] + d
			}
		}
		return v
	}
	if s, err := punycodeProfile.ToUnicode(v); err == nil {
		return s
	}
	return v
}

// prepareValue applies punycode and picks the string type of a value.
func prepareValue(id ObjectID, v string, flags NameFlags) (string, StringEncoding, error) {
	if flags&EnablePunycode != 0 && punycodeCandidate(id) {
		var err error
		if v, err = toPunycode(id, v); err != nil {
			return "", 0, err
		}
	}

	switch {
	case id.Is(OIDCountry), id.Is(OIDSerialNumber):
		if !isPrintable(v) {
			return "", 0, errs.New(errs.MalformedName, "value %q of %s is not a printable string", v, typeName(id))
		}
		return v, PrintableString, nil
	case id.Is(OIDEmailAddress), id.Is(OIDDomainComponent):
		if isASCII(v) {
			return v, IA5String, nil
		}
		return v, UTF8String, nil
	case flags&ForceUTF8 != 0:
		return v, UTF8String, nil
	case flags&ForceT61 != 0:
		if _, err := charmap.ISO8859_1.NewEncoder().String(v); err == nil {
			return v, T61String, nil
		}
		return v, UTF8String, nil
	case isPrintable(v):
		return v, PrintableString, nil
	default:
		return v, UTF8String, nil
	}
}

func marshalRDNs(rdns []RDN) ([]byte, error) {
	sets := make([][][]byte, len(rdns))
	for i, rdn := range rdns {
		for _, av := range rdn {
			b, err := marshalAttributeValue(av)
			if err != nil {
				return nil, err
			}
			sets[i] = append(sets[i], b)
		}
		// DER orders the members of a SET OF by their encoding.
		sort.Slice(sets[i], func(a, b int) bool {
			return bytes.Compare(sets[i][a], sets[i][b]) < 0
		})
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, set := range sets {
			b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
				for _, ava := range set {
					b.AddBytes(ava)
				}
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding name")
	}
	return der, nil
}

func marshalAttributeValue(av AttributeValue) ([]byte, error) {
	tag, value, err := encodeString(av.Encoding, av.Value)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(av.Type.OID())
		b.AddASN1(tag, func(b *cryptobyte.Builder) {
			b.AddBytes(value)
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrapf(errs.EncodingError, err, "error encoding %s", typeName(av.Type))
	}
	return der, nil
}

func encodeString(enc StringEncoding, v string) (cryptobyte_asn1.Tag, []byte, error) {
	switch enc {
	case PrintableString:
		return cryptobyte_asn1.PrintableString, []byte(v), nil
	case UTF8String:
		return cryptobyte_asn1.UTF8String, []byte(v), nil
	case IA5String:
		return cryptobyte_asn1.IA5String, []byte(v), nil
	case T61String:
		b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(v))
		if err != nil {
			return 0, nil, errs.Wrapf(errs.MalformedName, err, "value %q cannot be encoded as T61String", v)
		}
		return cryptobyte_asn1.T61String, b, nil
	case BMPString:
		return tagBMPString, encodeBMP(v), nil
	default:
		return 0, nil, errs.New(errs.EncodingError, "unsupported string encoding %d", int(enc))
	}
}

func decodeString(tag cryptobyte_asn1.Tag, val []byte) (string, StringEncoding, error) {
	switch tag {
	case cryptobyte_asn1.PrintableString:
		return string(val), PrintableString, nil
	case cryptobyte_asn1.UTF8String:
		if !utf8.Valid(val) {
			return "", 0, errs.New(errs.DecodeError, "error decoding name: invalid UTF8String")
		}
		return string(val), UTF8String, nil
	case cryptobyte_asn1.IA5String:
		return string(val), IA5String, nil
	case cryptobyte_asn1.T61String:
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(val)
		if err != nil {
			return "", 0, errs.Wrap(errs.DecodeError, err, "error decoding name")
		}
		return string(b), T61String, nil
	case tagBMPString:
		s, err := decodeBMP(val)
		if err != nil {
			return "", 0, err
		}
		return s, BMPString, nil
	default:
		return "", 0, errs.New(errs.DecodeError, "error decoding name: unsupported string tag %d", int(tag))
	}
}

// encodeBMP returns the UTF-16 big-endian encoding of s.
func encodeBMP(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(u))
	for i, r := range u {
		binary.BigEndian.PutUint16(b[2*i:], r)
	}
	return b
}

func decodeBMP(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errs.New(errs.DecodeError, "invalid BMPString length %d", len(b))
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u)), nil
}
