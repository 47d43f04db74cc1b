// Package codec converts request, certificate and response bytes between the
// binary form and the textual encodings used on the wire and in files. The
// encoding is always explicit, it is never inferred from the content.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/smallstep/enrollment/errs"
)

// Encoding is the textual representation of binary data.
type Encoding int

// Supported encodings. The numeric values are stable and used in
// configuration files.
const (
	// Base64Header is base64 wrapped in a CERTIFICATE PEM header.
	Base64Header Encoding = 0
	// Base64 is base64 split in lines of 64 characters.
	Base64 Encoding = 1
	// Binary is the raw DER.
	Binary Encoding = 2
	// Base64RequestHeader is base64 wrapped in a NEW CERTIFICATE REQUEST
	// PEM header.
	Base64RequestHeader Encoding = 3
	// Hex is hexadecimal, 16 space separated bytes per line.
	Hex Encoding = 4
	// HexASCII is Hex with a trailing ASCII column.
	HexASCII Encoding = 5
	// Base64CRLHeader is base64 wrapped in an X509 CRL PEM header.
	Base64CRLHeader Encoding = 9
	// HexAddress is Hex with a leading offset column.
	HexAddress Encoding = 10
	// HexASCIIAddress is Hex with offset and ASCII columns.
	HexASCIIAddress Encoding = 11
	// HexRaw is hexadecimal without separators.
	HexRaw Encoding = 12
)

// PEM labels.
const (
	CertificateLabel        = "CERTIFICATE"
	NewRequestLabel         = "NEW CERTIFICATE REQUEST"
	CertificateRequestLabel = "CERTIFICATE REQUEST"
	CRLLabel                = "X509 CRL"
)

var encodingNames = map[Encoding]string{
	Base64Header:        "base64header",
	Base64:              "base64",
	Binary:              "binary",
	Base64RequestHeader: "base64requestheader",
	Hex:                 "hex",
	HexASCII:            "hexascii",
	Base64CRLHeader:     "base64crlheader",
	HexAddress:          "hexaddr",
	HexASCIIAddress:     "hexasciiaddr",
	HexRaw:              "hexraw",
}

// String implements the fmt.Stringer interface.
func (e Encoding) String() string {
	if s, ok := encodingNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// Valid returns true if e is a supported encoding.
func (e Encoding) Valid() bool {
	_, ok := encodingNames[e]
	return ok
}

// ParseEncoding returns the encoding with the given name.
func ParseEncoding(s string) (Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, v := range encodingNames {
		if v == name {
			return k, nil
		}
	}
	return 0, errs.New(errs.ValidationError, "unsupported encoding %q", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (e Encoding) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface. It accepts the
// name or the numeric value of the encoding.
func (e *Encoding) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Encoding(n).Valid() {
			return errs.New(errs.ValidationError, "unsupported encoding %d", n)
		}
		*e = Encoding(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errs.Wrap(errs.ValidationError, err, "error unmarshaling encoding")
	}
	v, err := ParseEncoding(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Encode returns b in the given encoding.
func Encode(b []byte, e Encoding) (string, error) {
	switch e {
	case Binary:
		return string(b), nil
	case Base64:
		return wrap(base64.StdEncoding.EncodeToString(b)), nil
	case Base64Header:
		return encodePEM(CertificateLabel, b), nil
	case Base64RequestHeader:
		return encodePEM(NewRequestLabel, b), nil
	case Base64CRLHeader:
		return encodePEM(CRLLabel, b), nil
	case HexRaw:
		return hex.EncodeToString(b), nil
	case Hex:
		return dump(b, false, false), nil
	case HexASCII:
		return dump(b, false, true), nil
	case HexAddress:
		return dump(b, true, false), nil
	case HexASCIIAddress:
		return dump(b, true, true), nil
	default:
		return "", errs.New(errs.EncodingError, "unsupported encoding %s", e)
	}
}

// EncodeToBytes is like Encode but it returns a byte slice.
func EncodeToBytes(b []byte, e Encoding) ([]byte, error) {
	s, err := Encode(b, e)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Decode parses s in the given encoding and returns the binary data.
func Decode(s string, e Encoding) ([]byte, error) {
	switch e {
	case Binary:
		return []byte(s), nil
	case Base64:
		return decodeBase64(s)
	case Base64Header:
		return decodePEM(s)
	case Base64RequestHeader:
		return decodePEM(s, NewRequestLabel, CertificateRequestLabel)
	case Base64CRLHeader:
		return decodePEM(s, CRLLabel)
	case HexRaw:
		b, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, errs.Wrap(errs.DecodeError, err, "error decoding hex")
		}
		return b, nil
	case Hex:
		return undump(s, false, false)
	case HexASCII:
		return undump(s, false, true)
	case HexAddress:
		return undump(s, true, false)
	case HexASCIIAddress:
		return undump(s, true, true)
	default:
		return nil, errs.New(errs.DecodeError, "unsupported encoding %s", e)
	}
}

// DecodeBytes is like Decode but it takes a byte slice.
func DecodeBytes(b []byte, e Encoding) ([]byte, error) {
	return Decode(string(b), e)
}

func wrap(s string) string {
	var sb strings.Builder
	for len(s) > 64 {
		sb.WriteString(s[:64])
		sb.WriteByte('\n')
		s = s[64:]
	}
	sb.WriteString(s)
	sb.WriteByte('\n')
	return sb.String()
}

func encodePEM(label string, b []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: label, Bytes: b}))
}

func decodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	b, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error decoding base64")
	}
	return b, nil
}

// decodePEM returns the bytes of the first PEM block. If labels are given the
// block type must be one of them.
func decodePEM(s string, labels ...string) ([]byte, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil {
		return nil, errs.New(errs.DecodeError, "error decoding PEM: no PEM block found")
	}
	if len(labels) == 0 {
		return block.Bytes, nil
	}
	for _, l := range labels {
		if block.Type == l {
			return block.Bytes, nil
		}
	}
	return nil, errs.New(errs.DecodeError, "error decoding PEM: unexpected block type %q", block.Type)
}

// dump formats b like encoding/hex.Dump, with optional offset and ASCII
// columns.
func dump(b []byte, address, ascii bool) string {
	var buf bytes.Buffer
	for off := 0; off < len(b); off += 16 {
		end := off + 16
		if end > len(b) {
			end = len(b)
		}
		line := b[off:end]
		if address {
			fmt.Fprintf(&buf, "%04x  ", off)
		}
		for i := 0; i < 16; i++ {
			if i == 8 {
				buf.WriteByte(' ')
			}
			switch {
			case i < len(line):
				fmt.Fprintf(&buf, "%02x", line[i])
			case ascii:
				buf.WriteString("  ")
			default:
				continue
			}
			if i < 15 {
				buf.WriteByte(' ')
			}
		}
		if ascii {
			buf.WriteString("  |")
			for _, c := range line {
				if c < 32 || c > 126 {
					c = '.'
				}
				buf.WriteByte(c)
			}
			buf.WriteByte('|')
		}
		// Trailing spaces are only kept when an ASCII column follows.
		out := bytes.TrimRight(buf.Bytes(), " ")
		buf.Truncate(len(out))
		buf.WriteByte('\n')
	}
	return buf.String()
}

func undump(s string, address, ascii bool) ([]byte, error) {
	var out []byte
	for n, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ascii {
			if i := strings.Index(line, "|"); i >= 0 {
				line = line[:i]
			}
		}
		fields := strings.Fields(line)
		if address {
			if len(fields) == 0 {
				continue
			}
			if _, err := hex.DecodeString(padEven(fields[0])); err != nil {
				return nil, errs.New(errs.DecodeError, "error decoding hex: invalid offset on line %d", n+1)
			}
			fields = fields[1:]
		}
		for _, f := range fields {
			if len(f) != 2 {
				return nil, errs.New(errs.DecodeError, "error decoding hex: invalid byte %q on line %d", f, n+1)
			}
			b, err := hex.DecodeString(f)
			if err != nil {
				return nil, errs.Wrapf(errs.DecodeError, err, "error decoding hex on line %d", n+1)
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}
