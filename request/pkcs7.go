package request

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/asn1"
	"strings"

	"github.com/smallstep/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

// requesterNameAttr is the name of the signed name-value pair carrying the
// requester name.
const requesterNameAttr = "requestername"

// encodeInner encodes the wrapped request if it is not encoded yet and
// returns its DER form.
func (w *pkcs7Data) encodeInner(ctx context.Context) ([]byte, error) {
	if w.inner == nil {
		return nil, errs.New(errs.EncodingError, "request does not wrap another request")
	}
	if err := w.inner.Encode(ctx); err != nil {
		return nil, err
	}
	return w.inner.encoded, nil
}

// encodePKCS7 returns a PKCS#7 signed data with the inner PKCS#10 request as
// content. Requests without signers are not signed.
func (r *Request) encodePKCS7(ctx context.Context, w *pkcs7Data) ([]byte, bool, error) {
	content, err := w.encodeInner(ctx)
	if err != nil {
		return nil, false, err
	}
	der, err := r.signContent(w, content, x509util.OIDData, w.signers, nil)
	if err != nil {
		return nil, false, err
	}
	return der, len(w.signers) > 0, nil
}

// signContent wraps content in a signed data of the given content type. The
// requester name is added as a signed attribute of each signer, unsigned
// attributes are added to the first signer only.
func (r *Request) signContent(w *pkcs7Data, content []byte, contentType x509util.KnownOID, signers []Signer, unsigned []pkcs7.Attribute) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error creating signed data")
	}
	sd.GetSignedData().ContentInfo.ContentType = contentType.ObjectID().OID()

	var signed []pkcs7.Attribute
	if w.requesterName != "" {
		if len(signers) == 0 {
			return nil, errs.New(errs.ValidationError, "requester name requires a signer certificate")
		}
		der, err := x509util.MarshalNameValuePair(x509util.NameValuePair{
			Name:  requesterNameAttr,
			Value: w.requesterName,
		})
		if err != nil {
			return nil, err
		}
		signed = append(signed, pkcs7.Attribute{
			Type:  x509util.OIDEnrollmentNameValuePair.ObjectID().OID(),
			Value: asn1.RawValue{FullBytes: der},
		})
	}

	for i, s := range signers {
		info, err := signerInfo(w, s)
		if err != nil {
			return nil, err
		}
		digest, err := info.GetSignatureAlgorithm(true, false)
		if err != nil {
			return nil, err
		}
		sd.SetDigestAlgorithm(digest.OID())
		config := pkcs7.SignerInfoConfig{ExtraSignedAttributes: signed}
		if i == 0 {
			config.ExtraUnsignedAttributes = unsigned
		}
		if err := sd.AddSigner(s.Certificate, s.Key, config); err != nil {
			return nil, errs.Wrapf(errs.SignatureError, err, "error signing %s request with %s", r.header.Kind, s.Certificate.Subject)
		}
	}

	der, err := sd.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding signed data")
	}
	return der, nil
}

// signerInfo returns the signature information for a signer. The configured
// hash is used with the algorithm of the signer key.
func signerInfo(w *pkcs7Data, s Signer) (signature.Info, error) {
	pub := s.Key.Public()
	if _, ok := pub.(ed25519.PublicKey); ok {
		return signature.Info{}, errs.New(errs.UnsupportedAlgorithmPair, "ed25519 keys cannot sign pkcs7 requests")
	}
	if w.signatureInfo == nil {
		return signature.Default(pub)
	}
	info := *w.signatureInfo
	if info.AlternateSignatureAlgorithm {
		return signature.Info{}, errs.New(errs.UnsupportedAlgorithmPair, "alternate signature algorithm cannot be used in pkcs7 requests")
	}
	alg, err := signature.KeyAlgorithm(pub)
	if err != nil {
		return signature.Info{}, err
	}
	info.PublicKeyAlgorithm = alg
	if err := info.Validate(); err != nil {
		return signature.Info{}, err
	}
	return info, nil
}

// decodePKCS7 decodes a PKCS#7 signed data wrapping a PKCS#10 request.
func decodePKCS7(der []byte) (*pkcs7Data, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing pkcs7 request")
	}
	inner, err := decodeDER(p7.Content)
	if err != nil {
		return nil, err
	}
	if inner.Kind() != PKCS10 {
		return nil, errs.New(errs.DecodeError, "pkcs7 request cannot wrap a %s request", inner.Kind())
	}
	return wrapperFromParsed(p7, inner), nil
}

// wrapperFromParsed returns the wrapper fields of a parsed signed data. The
// signers of decoded requests do not have a key.
func wrapperFromParsed(p7 *pkcs7.PKCS7, inner *Request) *pkcs7Data {
	w := &pkcs7Data{inner: inner}
	for _, si := range p7.Signers {
		ias := si.IssuerAndSerialNumber
		for _, c := range p7.Certificates {
			if c.SerialNumber.Cmp(ias.SerialNumber) == 0 && bytes.Equal(c.RawIssuer, ias.IssuerName.FullBytes) {
				w.signers = append(w.signers, Signer{Certificate: c})
				break
			}
		}
	}
	if len(p7.Signers) > 0 {
		var raw asn1.RawValue
		if err := p7.UnmarshalSignedAttribute(x509util.OIDEnrollmentNameValuePair.ObjectID().OID(), &raw); err == nil {
			if pair, err := x509util.ParseNameValuePair(raw.FullBytes); err == nil && strings.EqualFold(pair.Name, requesterNameAttr) {
				w.requesterName = pair.Value
			}
		}
	}
	return w
}

var tagExplicit0 = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()

// signedContentType returns the encapsulated content type of a DER encoded
// signed data content info.
func signedContentType(der []byte) (x509util.ObjectID, error) {
	input := cryptobyte.String(der)
	var (
		ci, content, sd, digests, eci cryptobyte.String
		contentType, eContentType     asn1.ObjectIdentifier
	)
	if !input.ReadASN1(&ci, cryptobyte_asn1.SEQUENCE) ||
		!ci.ReadASN1ObjectIdentifier(&contentType) {
		return x509util.ObjectID{}, errs.New(errs.DecodeError, "malformed content info")
	}
	if !x509util.NewObjectID(contentType).Is(x509util.OIDSignedData) {
		return x509util.ObjectID{}, errs.New(errs.DecodeError, "content type %s is not signed data", contentType)
	}
	if !ci.ReadASN1(&content, tagExplicit0) ||
		!content.ReadASN1(&sd, cryptobyte_asn1.SEQUENCE) ||
		!sd.SkipOptionalASN1(cryptobyte_asn1.INTEGER) ||
		!sd.ReadASN1(&digests, cryptobyte_asn1.SET) ||
		!sd.ReadASN1(&eci, cryptobyte_asn1.SEQUENCE) ||
		!eci.ReadASN1ObjectIdentifier(&eContentType) {
		return x509util.ObjectID{}, errs.New(errs.DecodeError, "malformed signed data")
	}
	return x509util.NewObjectID(eContentType), nil
}
