package request

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

var tagAttributes = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()

// encodePKCS10 returns the DER encoding of a CertificationRequest as defined
// in RFC 2986.
func (r *Request) encodePKCS10(ctx context.Context, p *pkcs10Data) ([]byte, error) {
	if err := r.prepare(p); err != nil {
		return nil, err
	}
	info, ai, err := r.signingAlgorithm(p)
	if err != nil {
		return nil, err
	}
	spki, err := x509.MarshalPKIXPublicKey(p.publicKey)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error marshaling public key")
	}
	attrs, err := r.outputAttributes(p)
	if err != nil {
		return nil, err
	}
	rawAttrs, err := attrs.RawValues()
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(p.subject.Bytes())
		b.AddBytes(spki)
		b.AddASN1(tagAttributes, func(b *cryptobyte.Builder) {
			for _, a := range rawAttrs {
				b.AddBytes(a.FullBytes)
			}
		})
	})
	tbs, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding certification request info")
	}

	sig, err := r.signWith(ctx, p.key, info, tbs)
	if err != nil {
		return nil, err
	}
	der, err := marshalSigned(tbs, ai, sig)
	if err != nil {
		return nil, err
	}
	p.tbs, p.sigAlg, p.sig = tbs, ai, sig
	return der, nil
}

// marshalSigned returns the SEQUENCE of the signed data, the signature
// algorithm and the signature shared by certificates and requests.
func marshalSigned(tbs []byte, ai pkix.AlgorithmIdentifier, sig []byte) ([]byte, error) {
	rawAlg, err := asn1.Marshal(ai)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error marshaling signature algorithm")
	}
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs)
		b.AddBytes(rawAlg)
		b.AddASN1BitString(sig)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding signed data")
	}
	return der, nil
}

// parseSigned splits a signed structure into the signed data, the signature
// algorithm and the signature.
func parseSigned(der []byte) (tbs []byte, ai pkix.AlgorithmIdentifier, sig []byte, err error) {
	input := cryptobyte.String(der)
	var seq, rawTBS, rawAlg cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Element(&rawTBS, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1Element(&rawAlg, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1BitStringAsBytes(&sig) || !seq.Empty() {
		return nil, ai, nil, errs.New(errs.DecodeError, "malformed signed structure")
	}
	if rest, err := asn1.Unmarshal(rawAlg, &ai); err != nil || len(rest) > 0 {
		return nil, ai, nil, errs.New(errs.DecodeError, "malformed signature algorithm")
	}
	return []byte(rawTBS), ai, sig, nil
}

// decodePKCS10 decodes a DER encoded CertificationRequest.
func decodePKCS10(der []byte) (*pkcs10Data, error) {
	tbs, ai, sig, err := parseSigned(der)
	if err != nil {
		return nil, err
	}

	input := cryptobyte.String(tbs)
	var (
		seq, rawSubject, rawSPKI, rawAttrs cryptobyte.String
		version                            int64
	)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1Integer(&version) ||
		!seq.ReadASN1Element(&rawSubject, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1Element(&rawSPKI, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1(&rawAttrs, tagAttributes) || !seq.Empty() {
		return nil, errs.New(errs.DecodeError, "malformed certification request info")
	}
	if version != 0 {
		return nil, errs.New(errs.DecodeError, "certification request version %d is not supported", version)
	}

	p := newPKCS10Data()
	if p.subject, err = x509util.DecodeName(rawSubject, 0); err != nil {
		return nil, err
	}
	if p.publicKey, err = x509.ParsePKIXPublicKey(rawSPKI); err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing public key")
	}
	attrs, err := x509util.ParseAttributes(rawAttrs)
	switch {
	case errs.Is(err, errs.DuplicateExtension):
		return nil, errs.New(errs.DecodeError, "error decoding request attributes: %s", err)
	case err != nil:
		return nil, err
	}
	for _, a := range attrs.Items() {
		if !a.ID.Is(x509util.OIDExtensionRequest) {
			if err := p.attributes.Add(a); err != nil {
				return nil, err
			}
			continue
		}
		if p.extensions, err = x509util.DecodeExtensionRequest(a); err != nil {
			return nil, err
		}
	}

	info, err := signature.FromAlgorithmIdentifier(ai, p.publicKey)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error decoding signature algorithm")
	}
	p.signatureInfo = &info
	p.tbs, p.sigAlg, p.sig = tbs, ai, sig
	return p, nil
}
