package request

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

// pkcs10Data are the fields of PKCS#10 requests, also used by certificates.
type pkcs10Data struct {
	subject       *x509util.DistinguishedName
	publicKey     crypto.PublicKey
	key           *apiv1.KeyHandle
	keyRequest    *apiv1.CreateKeyRequest
	extensions    *x509util.Extensions
	attributes    *x509util.Attributes
	signatureInfo *signature.Info
	reuseKey      bool
	smartCard     bool

	// inherited are the extensions copied from a certificate, explicit
	// extensions replace them.
	inherited x509util.ObjectIDs

	// signed parts of the encoded request
	tbs    []byte
	sigAlg pkix.AlgorithmIdentifier
	sig    []byte
}

func newPKCS10Data() *pkcs10Data {
	return &pkcs10Data{
		extensions: new(x509util.Extensions),
		attributes: new(x509util.Attributes),
	}
}

func (*pkcs10Data) kind() Kind { return PKCS10 }

// certificateData are the fields of self-issued certificates.
type certificateData struct {
	pkcs10Data
	issuer       *x509util.DistinguishedName
	notBefore    time.Time
	notAfter     time.Time
	serialNumber *big.Int
}

func (*certificateData) kind() Kind { return Certificate }

// Signer is a certificate and its key used to sign a PKCS#7 or CMC request.
// The key is nil on decoded requests.
type Signer struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

type wrapper interface {
	payload
	wrapped() *pkcs7Data
}

// pkcs7Data are the fields of PKCS#7 requests, also used by CMC requests.
type pkcs7Data struct {
	inner         *Request
	requesterName string
	signers       []Signer
	signatureInfo *signature.Info
}

func (*pkcs7Data) kind() Kind { return PKCS7 }

func (p *pkcs7Data) wrapped() *pkcs7Data { return p }

// archival is the key archival configuration of a CMC request.
type archival struct {
	algorithm x509util.ObjectID
	strength  int
	caCert    *x509.Certificate
}

// cmcData are the fields of CMC requests.
type cmcData struct {
	pkcs7Data
	transactionID int64
	pairs         []x509util.NameValuePair
	archival      *archival
	archivedKey   []byte
}

func (*cmcData) kind() Kind { return CMC }
