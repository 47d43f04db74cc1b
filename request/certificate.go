package request

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

// DefaultValidity is the validity of certificate requests without an
// explicit validity window.
const DefaultValidity = 365 * 24 * time.Hour

var (
	tagVersion    = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()
	tagExtensions = cryptobyte_asn1.Tag(3).Constructed().ContextSpecific()
)

// encodeCertificate returns the DER encoding of a version 3 certificate. The
// serial number and the validity window are generated once and kept by
// ResetForEncode.
func (r *Request) encodeCertificate(ctx context.Context, c *certificateData) ([]byte, error) {
	p := &c.pkcs10Data
	if err := r.prepare(p); err != nil {
		return nil, err
	}
	info, ai, err := r.signingAlgorithm(p)
	if err != nil {
		return nil, err
	}
	if c.serialNumber == nil {
		if c.serialNumber, err = x509util.GenerateSerialNumber(); err != nil {
			return nil, errs.Wrap(errs.EncodingError, err, "error generating serial number")
		}
	}
	if c.notBefore.IsZero() {
		c.notBefore = time.Now().UTC().Truncate(time.Second)
	}
	if c.notAfter.IsZero() {
		c.notAfter = c.notBefore.Add(DefaultValidity)
	}
	issuer := c.issuer
	if issuer == nil {
		issuer = p.subject
	}
	spki, err := x509.MarshalPKIXPublicKey(p.publicKey)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error marshaling public key")
	}
	rawAlg, err := asn1.Marshal(ai)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error marshaling signature algorithm")
	}
	exts := r.outputExtensions(p)
	rawExts, err := exts.Marshal()
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(tagVersion, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(2)
		})
		b.AddASN1BigInt(c.serialNumber)
		b.AddBytes(rawAlg)
		b.AddBytes(issuer.Bytes())
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addTime(b, c.notBefore)
			addTime(b, c.notAfter)
		})
		b.AddBytes(p.subject.Bytes())
		b.AddBytes(spki)
		if exts.Len() > 0 {
			b.AddASN1(tagExtensions, func(b *cryptobyte.Builder) {
				b.AddBytes(rawExts)
			})
		}
	})
	tbs, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding tbs certificate")
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

// addTime adds an UTCTime for the years 1950 through 2049 and a
// GeneralizedTime otherwise, as RFC 5280 requires.
func addTime(b *cryptobyte.Builder, t time.Time) {
	t = t.UTC()
	if t.Year() >= 1950 && t.Year() < 2050 {
		b.AddASN1UTCTime(t)
	} else {
		b.AddASN1GeneralizedTime(t)
	}
}

// decodeCertificate decodes a DER encoded certificate.
func decodeCertificate(der []byte) (*certificateData, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing certificate")
	}
	return certificateFromX509(cert)
}

func certificateFromX509(cert *x509.Certificate) (*certificateData, error) {
	_, ai, sig, err := parseSigned(cert.Raw)
	if err != nil {
		return nil, err
	}
	c := &certificateData{pkcs10Data: *newPKCS10Data()}
	if c.subject, err = x509util.DecodeName(cert.RawSubject, 0); err != nil {
		return nil, err
	}
	if c.issuer, err = x509util.DecodeName(cert.RawIssuer, 0); err != nil {
		return nil, err
	}
	if c.extensions, err = x509util.FromPKIX(cert.Extensions); err != nil {
		return nil, err
	}
	c.publicKey = cert.PublicKey
	c.serialNumber = cert.SerialNumber
	c.notBefore, c.notAfter = cert.NotBefore.UTC(), cert.NotAfter.UTC()

	// Certificates issued with a key of another algorithm are signed with the
	// default algorithm if they are encoded again.
	if info, err := signature.FromAlgorithmIdentifier(ai, cert.PublicKey); err == nil {
		c.signatureInfo = &info
	}
	c.tbs, c.sigAlg, c.sig = cert.RawTBSCertificate, ai, sig
	return c, nil
}

// NewFromCertificate returns a certificate request in the Signed state from
// an issued certificate. The request can be inspected and checked, and
// after ResetForEncode bound to a key and encoded again.
func NewFromCertificate(cert *x509.Certificate) (*Request, error) {
	if cert == nil {
		return nil, errs.New(errs.ValidationError, "certificate cannot be nil")
	}
	c, err := certificateFromX509(cert)
	if err != nil {
		return nil, err
	}
	return &Request{
		header:  Header{Kind: Certificate},
		state:   Signed,
		encoded: append([]byte(nil), cert.Raw...),
		payload: c,
	}, nil
}
