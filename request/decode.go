package request

import (
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

// Decode decodes an encoded request and detects its kind. Decoded requests
// have no enrollment context and are in the Signed state, or Encoded for
// PKCS#7 and CMC requests without signers.
func Decode(data []byte, enc codec.Encoding) (*Request, error) {
	der, err := codec.DecodeBytes(data, enc)
	if err != nil {
		return nil, err
	}
	return decodeDER(der)
}

// Decode decodes an encoded request into an uninitialized request. The
// encoded kind must match the kind of r.
func (r *Request) Decode(data []byte, enc codec.Encoding) error {
	if r.state != Uninitialized {
		return errs.New(errs.AlreadyInitialized, "request is already initialized", errs.WithState(r.state))
	}
	req, err := Decode(data, enc)
	if err != nil {
		return err
	}
	if req.Kind() != r.header.Kind {
		return errs.New(errs.DecodeError, "encoded request is a %s request, not %s", req.Kind(), r.header.Kind)
	}
	*r = *req
	return nil
}

// decodeDER decodes a DER encoded request of any kind.
func decodeDER(der []byte) (*Request, error) {
	kind, err := detectKind(der)
	if err != nil {
		return nil, err
	}

	r := &Request{
		header:  Header{Kind: kind},
		state:   Signed,
		encoded: append([]byte(nil), der...),
	}
	switch kind {
	case PKCS10:
		r.payload, err = decodePKCS10(der)
	case Certificate:
		r.payload, err = decodeCertificate(der)
	case PKCS7:
		var w *pkcs7Data
		if w, err = decodePKCS7(der); err == nil {
			r.payload = w
			if len(w.signers) == 0 {
				r.state = Encoded
			}
		}
	case CMC:
		var p *cmcData
		if p, err = decodeCMC(der); err == nil {
			r.payload = p
			if len(p.signers) == 0 {
				r.state = Encoded
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// detectKind returns the kind of a DER encoded request. Content infos are
// PKCS#7 or CMC requests depending on the encapsulated content type. Signed
// structures with four elements and trailing attributes are PKCS#10 requests,
// other signed structures are certificates.
func detectKind(der []byte) (Kind, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return 0, errs.New(errs.DecodeError, "malformed request")
	}

	if seq.PeekASN1Tag(cryptobyte_asn1.OBJECT_IDENTIFIER) {
		ct, err := signedContentType(der)
		if err != nil {
			return 0, err
		}
		switch ct.Known() {
		case x509util.OIDPKIData:
			return CMC, nil
		case x509util.OIDData:
			return PKCS7, nil
		default:
			return 0, errs.New(errs.DecodeError, "signed content type %s is not supported", ct)
		}
	}

	var tbs cryptobyte.String
	if !seq.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return 0, errs.New(errs.DecodeError, "malformed request")
	}
	if tbs.PeekASN1Tag(tagVersion) {
		return Certificate, nil
	}
	var (
		count int
		last  cryptobyte_asn1.Tag
	)
	for !tbs.Empty() {
		var el cryptobyte.String
		if !tbs.ReadAnyASN1Element(&el, &last) {
			return 0, errs.New(errs.DecodeError, "malformed request")
		}
		count++
	}
	if count == 4 && last == tagAttributes {
		return PKCS10, nil
	}
	return Certificate, nil
}
