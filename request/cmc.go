package request

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/smallstep/pkcs7"
	"go.step.sm/crypto/pemutil"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

// Body part identifiers of the CMC request.
const (
	bodyPartRequest       = 1
	bodyPartTransactionID = 2
	bodyPartNameValues    = 3
)

var tagTaggedCertificationRequest = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()

// encodeCMC returns a CMC full PKI request. The PKIData carries the
// transaction id, the name-value pairs and the inner request. Requests
// without signer certificates are signed by the inner request key with a
// short lived self-signed certificate, or not signed if there is no key.
func (r *Request) encodeCMC(ctx context.Context, p *cmcData) ([]byte, bool, error) {
	content, err := p.encodeInner(ctx)
	if err != nil {
		return nil, false, err
	}
	if p.transactionID == 0 {
		if p.transactionID, err = newTransactionID(); err != nil {
			return nil, false, err
		}
	}
	pkiData, err := p.marshalPKIData(content)
	if err != nil {
		return nil, false, err
	}

	signers := p.signers
	if len(signers) == 0 {
		s, err := r.keySigner(ctx)
		if err != nil {
			return nil, false, err
		}
		if s != nil {
			signers = []Signer{*s}
		}
	}

	var unsigned []pkcs7.Attribute
	if p.archival != nil {
		if len(signers) == 0 {
			return nil, false, errs.New(errs.ValidationError, "key archival requires a signed request")
		}
		attr, err := r.archiveKey(p)
		if err != nil {
			return nil, false, err
		}
		unsigned = append(unsigned, attr)
	}

	der, err := r.signContent(&p.pkcs7Data, pkiData, x509util.OIDPKIData, signers, unsigned)
	if err != nil {
		p.archivedKey = nil
		return nil, false, err
	}
	return der, len(signers) > 0, nil
}

func newTransactionID() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt32))
	if err != nil {
		return 0, errs.Wrap(errs.EncodingError, err, "error generating transaction id")
	}
	return n.Int64() + 1, nil
}

// marshalPKIData returns the DER encoding of the PKIData as defined in RFC
// 5272. PKCS#10 requests go in the request sequence, PKCS#7 requests in the
// content info sequence.
func (p *cmcData) marshalPKIData(content []byte) ([]byte, error) {
	var pairs [][]byte
	for _, pair := range p.pairs {
		der, err := x509util.MarshalNameValuePair(pair)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, der)
	}
	innerKind := p.inner.Kind()

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// controlSequence
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addTaggedAttribute(b, bodyPartTransactionID, x509util.OIDCMCTransactionID, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(p.transactionID)
			})
			if len(pairs) > 0 {
				addTaggedAttribute(b, bodyPartNameValues, x509util.OIDEnrollmentNameValuePair, func(b *cryptobyte.Builder) {
					for _, v := range pairs {
						b.AddBytes(v)
					}
				})
			}
		})
		// reqSequence
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if innerKind == PKCS10 {
				b.AddASN1(tagTaggedCertificationRequest, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(bodyPartRequest)
					b.AddBytes(content)
				})
			}
		})
		// cmsSequence
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if innerKind == PKCS7 {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(bodyPartRequest)
					b.AddBytes(content)
				})
			}
		})
		// otherMsgSequence
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error encoding cmc pki data")
	}
	return der, nil
}

func addTaggedAttribute(b *cryptobyte.Builder, bodyPartID int64, k x509util.KnownOID, values cryptobyte.BuilderContinuation) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(bodyPartID)
		b.AddASN1ObjectIdentifier(k.ObjectID().OID())
		b.AddASN1(cryptobyte_asn1.SET, values)
	})
}

// keySigner returns a signer using the key of the innermost request and a
// self-signed certificate for it. It returns nil if there is no key.
func (r *Request) keySigner(ctx context.Context) (*Signer, error) {
	inner := r.innermost()
	p := inner.fields()
	if p == nil || p.key == nil {
		return nil, nil
	}
	if _, ok := p.key.Public().(ed25519.PublicKey); ok {
		return nil, errs.New(errs.UnsupportedAlgorithmPair, "ed25519 keys cannot sign cmc requests")
	}
	if err := inner.verifyKey(ctx, p.key); err != nil {
		return nil, err
	}
	serial, err := x509util.GenerateSerialNumber()
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error generating serial number")
	}
	var rawSubject []byte
	if p.subject != nil {
		rawSubject = p.subject.Bytes()
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		RawSubject:   rawSubject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	signer := p.key.Signer()
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, errs.Wrap(errs.SignatureError, err, "error creating cmc signer certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.SignatureError, err, "error parsing cmc signer certificate")
	}
	return &Signer{Certificate: cert, Key: signer}, nil
}

// contentEncryption returns the pkcs7 content encryption algorithm for a key
// archival algorithm and strength. The zero value selects AES-256-CBC.
func contentEncryption(alg x509util.ObjectID, strength int) (int, error) {
	var (
		algorithm int
		bits      int
	)
	switch {
	case alg.IsZero() || alg.Is(x509util.OIDAES256CBC):
		algorithm, bits = pkcs7.EncryptionAlgorithmAES256CBC, 256
	case alg.Is(x509util.OIDAES128CBC):
		algorithm, bits = pkcs7.EncryptionAlgorithmAES128CBC, 128
	case alg.Is(x509util.OIDAES256GCM):
		algorithm, bits = pkcs7.EncryptionAlgorithmAES256GCM, 256
	case alg.Is(x509util.OIDAES128GCM):
		algorithm, bits = pkcs7.EncryptionAlgorithmAES128GCM, 128
	case alg.Is(x509util.OIDDESCBC):
		algorithm, bits = pkcs7.EncryptionAlgorithmDESCBC, 56
	default:
		return 0, errs.New(errs.UnsupportedAlgorithmPair, "key archival algorithm %s is not supported", alg)
	}
	if strength != 0 && strength != bits {
		return 0, errs.New(errs.ValidationError, "key archival algorithm %s does not support a %d bits key", alg, strength)
	}
	return algorithm, nil
}

// encryptMu guards the package level content encryption algorithm of pkcs7.
var encryptMu sync.Mutex

func envelope(content []byte, recipient *x509.Certificate, algorithm int) ([]byte, error) {
	encryptMu.Lock()
	defer encryptMu.Unlock()
	prev := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = algorithm
	defer func() {
		pkcs7.ContentEncryptionAlgorithm = prev
	}()
	return pkcs7.Encrypt(content, []*x509.Certificate{recipient})
}

// archiveKey envelopes the private key of the innermost request to the CA
// exchange certificate and returns it as an unsigned attribute.
func (r *Request) archiveKey(p *cmcData) (pkcs7.Attribute, error) {
	key := r.Key()
	if key == nil {
		return pkcs7.Attribute{}, errs.New(errs.ValidationError, "key archival requires a private key")
	}
	if _, ok := p.archival.caCert.PublicKey.(*rsa.PublicKey); !ok {
		return pkcs7.Attribute{}, errs.New(errs.UnsupportedAlgorithmPair, "CA exchange certificate must have an RSA key")
	}
	algorithm, err := contentEncryption(p.archival.algorithm, p.archival.strength)
	if err != nil {
		return pkcs7.Attribute{}, err
	}
	priv, err := key.ArchivalKey()
	if err != nil {
		return pkcs7.Attribute{}, err
	}
	block, err := pemutil.Serialize(priv, pemutil.WithPKCS8(true))
	if err != nil {
		return pkcs7.Attribute{}, errs.Wrap(errs.EncodingError, err, "error marshaling archived key")
	}
	contentInfo, err := envelope(block.Bytes, p.archival.caCert, algorithm)
	if err != nil {
		return pkcs7.Attribute{}, errs.Wrap(errs.EncodingError, err, "error enveloping archived key")
	}
	attr, err := x509util.NewArchivedKeyAttribute(contentInfo)
	if err != nil {
		return pkcs7.Attribute{}, err
	}
	p.archivedKey = contentInfo
	return pkcs7.Attribute{
		Type:  attr.ID.OID(),
		Value: asn1.RawValue{FullBytes: contentInfo},
	}, nil
}

// decodeCMC decodes a CMC full PKI request.
func decodeCMC(der []byte) (*cmcData, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing cmc request")
	}
	p := &cmcData{}
	inner, err := p.parsePKIData(p7.Content)
	if err != nil {
		return nil, err
	}
	p.pkcs7Data = *wrapperFromParsed(p7, inner)

	archivedKeyOID := x509util.OIDArchivedKey.ObjectID().OID()
	for _, si := range p7.Signers {
		for _, a := range si.UnauthenticatedAttributes {
			if a.Type.Equal(archivedKeyOID) {
				p.archivedKey = append([]byte(nil), a.Value.Bytes...)
			}
		}
	}
	return p, nil
}

// parsePKIData reads the controls of a PKIData and returns the inner request.
func (p *cmcData) parsePKIData(der []byte) (*Request, error) {
	input := cryptobyte.String(der)
	var seq, controls, reqs, cms cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1(&controls, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1(&reqs, cryptobyte_asn1.SEQUENCE) ||
		!seq.ReadASN1(&cms, cryptobyte_asn1.SEQUENCE) {
		return nil, errs.New(errs.DecodeError, "malformed cmc pki data")
	}

	for !controls.Empty() {
		var (
			attr, values cryptobyte.String
			bodyPartID   int64
			oid          asn1.ObjectIdentifier
		)
		if !controls.ReadASN1(&attr, cryptobyte_asn1.SEQUENCE) ||
			!attr.ReadASN1Integer(&bodyPartID) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, cryptobyte_asn1.SET) {
			return nil, errs.New(errs.DecodeError, "malformed cmc control")
		}
		switch x509util.NewObjectID(oid).Known() {
		case x509util.OIDCMCTransactionID:
			if !values.ReadASN1Integer(&p.transactionID) {
				return nil, errs.New(errs.DecodeError, "malformed cmc transaction id")
			}
		case x509util.OIDEnrollmentNameValuePair:
			for !values.Empty() {
				var v cryptobyte.String
				if !values.ReadASN1Element(&v, cryptobyte_asn1.SEQUENCE) {
					return nil, errs.New(errs.DecodeError, "malformed cmc name-value pair")
				}
				pair, err := x509util.ParseNameValuePair(v)
				if err != nil {
					return nil, err
				}
				p.pairs = append(p.pairs, pair)
			}
		}
	}

	var inner *Request
	setInner := func(der []byte, kind Kind) error {
		if inner != nil {
			return errs.New(errs.DecodeError, "cmc request must wrap exactly one request")
		}
		req, err := decodeDER(der)
		if err != nil {
			return err
		}
		if req.Kind() != kind {
			return errs.New(errs.DecodeError, "cmc request cannot wrap a %s request here", req.Kind())
		}
		inner = req
		return nil
	}
	for !reqs.Empty() {
		var (
			tagged, raw cryptobyte.String
			bodyPartID  int64
		)
		if !reqs.ReadASN1(&tagged, tagTaggedCertificationRequest) ||
			!tagged.ReadASN1Integer(&bodyPartID) ||
			!tagged.ReadASN1Element(&raw, cryptobyte_asn1.SEQUENCE) {
			return nil, errs.New(errs.DecodeError, "malformed cmc tagged request")
		}
		if err := setInner(raw, PKCS10); err != nil {
			return nil, err
		}
	}
	for !cms.Empty() {
		var (
			tagged, raw cryptobyte.String
			bodyPartID  int64
		)
		if !cms.ReadASN1(&tagged, cryptobyte_asn1.SEQUENCE) ||
			!tagged.ReadASN1Integer(&bodyPartID) ||
			!tagged.ReadASN1Element(&raw, cryptobyte_asn1.SEQUENCE) {
			return nil, errs.New(errs.DecodeError, "malformed cmc tagged content info")
		}
		if err := setInner(raw, PKCS7); err != nil {
			return nil, err
		}
	}
	if inner == nil {
		return nil, errs.New(errs.DecodeError, "cmc request does not wrap a request")
	}
	return inner, nil
}
