// Package signature negotiates the hash and public key algorithms used to sign
// enrollment requests.
package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // required by id-alg-noSignature
	"crypto/x509/pkix"
	"encoding/asn1"

	// Register hash implementations.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/x509util"
)

// Info describes how a request is signed.
type Info struct {
	// HashAlgorithm is the digest algorithm, sha1, sha256, sha384 or sha512.
	HashAlgorithm x509util.ObjectID `json:"hashAlgorithm"`
	// PublicKeyAlgorithm is the algorithm of the signing key: rsaEncryption,
	// id-ecPublicKey or id-Ed25519.
	PublicKeyAlgorithm x509util.ObjectID `json:"publicKeyAlgorithm"`
	// AlternateSignatureAlgorithm selects RSASSA-PSS for RSA keys.
	AlternateSignatureAlgorithm bool `json:"alternateSignatureAlgorithm,omitempty"`
	// NullSigned requests are not signed, the signature is the SHA-1 digest
	// of the signed data.
	NullSigned bool `json:"nullSigned,omitempty"`
	// Parameters are the raw signature algorithm parameters read from an
	// existing request. If set they are used as is in AlgorithmIdentifier.
	Parameters asn1.RawValue `json:"-"`
}

type pair struct {
	hash x509util.KnownOID
	key  x509util.KnownOID
}

var composite = map[pair]x509util.KnownOID{
	{x509util.OIDSHA1, x509util.OIDRSAEncryption}:   x509util.OIDSHA1WithRSA,
	{x509util.OIDSHA256, x509util.OIDRSAEncryption}: x509util.OIDSHA256WithRSA,
	{x509util.OIDSHA384, x509util.OIDRSAEncryption}: x509util.OIDSHA384WithRSA,
	{x509util.OIDSHA512, x509util.OIDRSAEncryption}: x509util.OIDSHA512WithRSA,
	{x509util.OIDSHA1, x509util.OIDECPublicKey}:     x509util.OIDECDSAWithSHA1,
	{x509util.OIDSHA256, x509util.OIDECPublicKey}:   x509util.OIDECDSAWithSHA256,
	{x509util.OIDSHA384, x509util.OIDECPublicKey}:   x509util.OIDECDSAWithSHA384,
	{x509util.OIDSHA512, x509util.OIDECPublicKey}:   x509util.OIDECDSAWithSHA512,
	{x509util.OIDSHA512, x509util.OIDEd25519}:       x509util.OIDEd25519,
}

var hashes = map[x509util.KnownOID]crypto.Hash{
	x509util.OIDSHA1:   crypto.SHA1,
	x509util.OIDSHA256: crypto.SHA256,
	x509util.OIDSHA384: crypto.SHA384,
	x509util.OIDSHA512: crypto.SHA512,
}

// KeyAlgorithm returns the public key algorithm identifier of pub.
func KeyAlgorithm(pub crypto.PublicKey) (x509util.ObjectID, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509util.OIDRSAEncryption.ObjectID(), nil
	case *ecdsa.PublicKey:
		return x509util.OIDECPublicKey.ObjectID(), nil
	case ed25519.PublicKey:
		return x509util.OIDEd25519.ObjectID(), nil
	default:
		return x509util.ObjectID{}, errs.New(errs.UnsupportedAlgorithmPair, "unsupported public key type %T", pub)
	}
}

// Default returns the signature information used when none is configured:
// SHA-256 for RSA and ECDSA keys and pure Ed25519.
func Default(pub crypto.PublicKey) (Info, error) {
	alg, err := KeyAlgorithm(pub)
	if err != nil {
		return Info{}, err
	}
	hash := x509util.OIDSHA256
	if alg.Is(x509util.OIDEd25519) {
		hash = x509util.OIDSHA512
	}
	return Info{
		HashAlgorithm:      hash.ObjectID(),
		PublicKeyAlgorithm: alg,
	}, nil
}

// Validate checks that the hash and public key algorithm have a signature
// algorithm.
func (i Info) Validate() error {
	_, err := i.GetSignatureAlgorithm(false, false)
	return err
}

// GetSignatureAlgorithm returns the signature algorithm identifier. A null
// signature always returns id-alg-noSignature. Otherwise, if pkcs7Wrap is
// false the composite signature algorithm is returned, RSASSA-PSS if the
// alternate algorithm is set. If pkcs7Wrap is true the identifiers used in a
// CMS SignerInfo are returned, the digest algorithm or, with signatureOnly,
// the bare public key algorithm.
func (i Info) GetSignatureAlgorithm(pkcs7Wrap, signatureOnly bool) (x509util.ObjectID, error) {
	if i.NullSigned {
		return x509util.OIDNoSignature.ObjectID(), nil
	}

	hash, key := i.HashAlgorithm.Known(), i.PublicKeyAlgorithm.Known()
	sigAlg, ok := composite[pair{hash, key}]
	if !ok {
		return x509util.ObjectID{}, errs.New(errs.UnsupportedAlgorithmPair, "hash algorithm %s cannot be used with %s keys",
			displayName(i.HashAlgorithm), displayName(i.PublicKeyAlgorithm))
	}
	if i.AlternateSignatureAlgorithm {
		if key != x509util.OIDRSAEncryption {
			return x509util.ObjectID{}, errs.New(errs.UnsupportedAlgorithmPair, "alternate signature algorithm cannot be used with %s keys",
				displayName(i.PublicKeyAlgorithm))
		}
		sigAlg = x509util.OIDRSASSAPSS
	}

	switch {
	case !pkcs7Wrap:
		return sigAlg.ObjectID(), nil
	case !signatureOnly:
		return i.HashAlgorithm, nil
	case i.AlternateSignatureAlgorithm:
		return x509util.OIDRSASSAPSS.ObjectID(), nil
	default:
		return i.PublicKeyAlgorithm, nil
	}
}

func displayName(o x509util.ObjectID) string {
	switch {
	case o.IsZero():
		return "<empty>"
	case o.FriendlyName() != "":
		return o.FriendlyName()
	default:
		return o.String()
	}
}

// HashFunc returns the configured digest algorithm or 0 if it is not
// supported.
func (i Info) HashFunc() crypto.Hash {
	return hashes[i.HashAlgorithm.Known()]
}

// SignerOpts returns the options passed to crypto.Signer.Sign.
func (i Info) SignerOpts() (crypto.SignerOpts, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}
	switch {
	case i.PublicKeyAlgorithm.Is(x509util.OIDEd25519):
		return crypto.Hash(0), nil
	case i.AlternateSignatureAlgorithm:
		return &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       i.HashFunc(),
		}, nil
	default:
		return i.HashFunc(), nil
	}
}

type pssParameters struct {
	Hash         pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	MGF          pkix.AlgorithmIdentifier `asn1:"explicit,tag:1"`
	SaltLength   int                      `asn1:"explicit,tag:2"`
	TrailerField int                      `asn1:"optional,explicit,tag:3,default:1"`
}

// AlgorithmIdentifier returns the signatureAlgorithm of a request signed with
// this configuration.
func (i Info) AlgorithmIdentifier() (pkix.AlgorithmIdentifier, error) {
	oid, err := i.GetSignatureAlgorithm(false, false)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	ai := pkix.AlgorithmIdentifier{Algorithm: oid.OID()}
	switch {
	case len(i.Parameters.FullBytes) > 0:
		ai.Parameters = i.Parameters
	case i.NullSigned, oid.Is(x509util.OIDSHA1WithRSA), oid.Is(x509util.OIDSHA256WithRSA),
		oid.Is(x509util.OIDSHA384WithRSA), oid.Is(x509util.OIDSHA512WithRSA):
		ai.Parameters = asn1.NullRawValue
	case i.AlternateSignatureAlgorithm:
		hashAlg := pkix.AlgorithmIdentifier{
			Algorithm:  i.HashAlgorithm.OID(),
			Parameters: asn1.NullRawValue,
		}
		mgf1Params, err := asn1.Marshal(hashAlg)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, errs.Wrap(errs.EncodingError, err, "error marshaling mgf1 parameters")
		}
		b, err := asn1.Marshal(pssParameters{
			Hash: hashAlg,
			MGF: pkix.AlgorithmIdentifier{
				Algorithm:  x509util.OIDMGF1.ObjectID().OID(),
				Parameters: asn1.RawValue{FullBytes: mgf1Params},
			},
			SaltLength:   i.HashFunc().Size(),
			TrailerField: 1,
		})
		if err != nil {
			return pkix.AlgorithmIdentifier{}, errs.Wrap(errs.EncodingError, err, "error marshaling pss parameters")
		}
		ai.Parameters = asn1.RawValue{FullBytes: b}
	}
	return ai, nil
}

// FromAlgorithmIdentifier returns the signature information of a request
// signed with the given algorithm and public key.
func FromAlgorithmIdentifier(ai pkix.AlgorithmIdentifier, pub crypto.PublicKey) (Info, error) {
	oid := x509util.NewObjectID(ai.Algorithm)
	var info Info
	switch known := oid.Known(); known {
	case x509util.OIDNoSignature:
		info.NullSigned = true
		info.HashAlgorithm = x509util.OIDSHA1.ObjectID()
		if pub != nil {
			alg, err := KeyAlgorithm(pub)
			if err != nil {
				return Info{}, err
			}
			info.PublicKeyAlgorithm = alg
		}
		return info, nil
	case x509util.OIDRSASSAPSS:
		var params pssParameters
		if _, err := asn1.Unmarshal(ai.Parameters.FullBytes, &params); err != nil {
			return Info{}, errs.Wrap(errs.DecodeError, err, "error parsing pss parameters")
		}
		info.HashAlgorithm = x509util.NewObjectID(params.Hash.Algorithm)
		info.PublicKeyAlgorithm = x509util.OIDRSAEncryption.ObjectID()
		info.AlternateSignatureAlgorithm = true
		info.Parameters = ai.Parameters
	default:
		for p, sigAlg := range composite {
			if sigAlg == known {
				info.HashAlgorithm = p.hash.ObjectID()
				info.PublicKeyAlgorithm = p.key.ObjectID()
				break
			}
		}
		if info.PublicKeyAlgorithm.IsZero() {
			return Info{}, errs.New(errs.UnsupportedAlgorithmPair, "unsupported signature algorithm %s", oid)
		}
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	if pub != nil {
		if err := info.matches(pub); err != nil {
			return Info{}, err
		}
	}
	return info, nil
}

func (i Info) matches(pub crypto.PublicKey) error {
	alg, err := KeyAlgorithm(pub)
	if err != nil {
		return err
	}
	if !alg.Equal(i.PublicKeyAlgorithm) {
		return errs.New(errs.UnsupportedAlgorithmPair, "signature algorithm for %s keys cannot be used with %s keys",
			displayName(i.PublicKeyAlgorithm), displayName(alg))
	}
	return nil
}

// Digest returns the digest of data using the configured hash.
func (i Info) Digest(data []byte) ([]byte, error) {
	h := i.HashFunc()
	if h == 0 || !h.Available() {
		return nil, errs.New(errs.UnsupportedAlgorithmPair, "hash algorithm %s is not supported", displayName(i.HashAlgorithm))
	}
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil), nil
}

// NullSignature returns the value of an id-alg-noSignature signature.
func NullSignature(tbs []byte) []byte {
	sum := sha1.Sum(tbs) //nolint:gosec // required by id-alg-noSignature
	return sum[:]
}

// Sign signs tbs with the signer. Null signed configurations do not use the
// signer.
func (i Info) Sign(signer crypto.Signer, tbs []byte) ([]byte, error) {
	if i.NullSigned {
		return NullSignature(tbs), nil
	}
	if signer == nil {
		return nil, errs.New(errs.SignatureError, "a signer is required")
	}
	if err := i.matches(signer.Public()); err != nil {
		return nil, err
	}
	opts, err := i.SignerOpts()
	if err != nil {
		return nil, err
	}
	digest := tbs
	if opts.HashFunc() != 0 {
		if digest, err = i.Digest(tbs); err != nil {
			return nil, err
		}
	}
	sig, err := signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, errs.Wrap(errs.SignatureError, err, "error signing request")
	}
	return sig, nil
}

// Verify checks the signature of tbs using the given signature algorithm and
// public key.
func Verify(ai pkix.AlgorithmIdentifier, pub crypto.PublicKey, tbs, sig []byte) error {
	info, err := FromAlgorithmIdentifier(ai, pub)
	if err != nil {
		return err
	}
	return info.Verify(pub, tbs, sig)
}

// Verify checks the signature of tbs with the public key.
func (i Info) Verify(pub crypto.PublicKey, tbs, sig []byte) error {
	if i.NullSigned {
		if !bytes.Equal(NullSignature(tbs), sig) {
			return errs.New(errs.SignatureInvalid, "null signature does not match")
		}
		return nil
	}
	if err := i.matches(pub); err != nil {
		return err
	}
	opts, err := i.SignerOpts()
	if err != nil {
		return err
	}
	var digest []byte
	if opts.HashFunc() != 0 {
		if digest, err = i.Digest(tbs); err != nil {
			return err
		}
	}

	var ok bool
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if pss, isPSS := opts.(*rsa.PSSOptions); isPSS {
			ok = rsa.VerifyPSS(k, pss.Hash, digest, sig, pss) == nil
		} else {
			ok = rsa.VerifyPKCS1v15(k, opts.HashFunc(), digest, sig) == nil
		}
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(k, digest, sig)
	case ed25519.PublicKey:
		ok = ed25519.Verify(k, tbs, sig)
	}
	if !ok {
		return errs.New(errs.SignatureInvalid, "signature does not verify")
	}
	return nil
}
