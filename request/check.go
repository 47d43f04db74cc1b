package request

import (
	"github.com/smallstep/pkcs7"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

// CheckSignatureFlags are the kinds of signatures accepted by CheckSignature.
type CheckSignatureFlags int

const (
	// AllowedNullSignature accepts requests that are null signed or not
	// signed at all.
	AllowedNullSignature CheckSignatureFlags = 1 << iota
	// AllowedKeySignature accepts requests signed with their own key.
	AllowedKeySignature
	// AllowedSignerSignature accepts requests signed with a signer
	// certificate.
	AllowedSignerSignature
)

// CheckSignature verifies the signature of an encoded or decoded request and
// checks that its type is allowed.
func (r *Request) CheckSignature(allowed CheckSignatureFlags) error {
	if !r.state.Frozen() {
		return errs.New(errs.ValidationError, "request is not encoded", errs.WithState(r.state))
	}
	switch p := r.payload.(type) {
	case *pkcs10Data:
		return checkSigned(p, allowed)
	case *certificateData:
		return checkSigned(&p.pkcs10Data, allowed)
	case *pkcs7Data, *cmcData:
		return r.checkWrapper(allowed)
	default:
		return errs.New(errs.ValidationError, "request kind %s is not valid", r.header.Kind)
	}
}

func checkSigned(p *pkcs10Data, allowed CheckSignatureFlags) error {
	if x509util.NewObjectID(p.sigAlg.Algorithm).Is(x509util.OIDNoSignature) {
		if allowed&AllowedNullSignature == 0 {
			return errs.New(errs.SignatureInvalid, "null signatures are not allowed")
		}
	} else if allowed&AllowedKeySignature == 0 {
		return errs.New(errs.SignatureInvalid, "key signatures are not allowed")
	}
	if err := signature.Verify(p.sigAlg, p.publicKey, p.tbs, p.sig); err != nil {
		return errs.Wrap(errs.SignatureInvalid, err, "request signature is not valid")
	}
	return nil
}

// checkWrapper verifies every signer of a PKCS#7 or CMC request. Signers with
// the key of the innermost request make a key signature, other signers a
// signer signature. CMC requests signed with their own key carry a
// self-signed certificate for it.
func (r *Request) checkWrapper(allowed CheckSignatureFlags) error {
	if r.state != Signed {
		if allowed&AllowedNullSignature == 0 {
			return errs.New(errs.SignatureInvalid, "%s request is not signed", r.header.Kind)
		}
		return nil
	}
	p7, err := pkcs7.Parse(r.encoded)
	if err != nil {
		return errs.Wrap(errs.SignatureInvalid, err, "error parsing %s request", r.header.Kind)
	}
	if err := p7.Verify(); err != nil {
		return errs.Wrap(errs.SignatureInvalid, err, "%s request signature is not valid", r.header.Kind)
	}

	pub := r.innermost().PublicKey()
	for _, s := range wrapperFromParsed(p7, nil).signers {
		if pub != nil && samePublicKey(s.Certificate.PublicKey, pub) == nil {
			if allowed&AllowedKeySignature == 0 {
				return errs.New(errs.SignatureInvalid, "key signatures are not allowed")
			}
			continue
		}
		if allowed&AllowedSignerSignature == 0 {
			return errs.New(errs.SignatureInvalid, "signer signatures are not allowed")
		}
	}
	return nil
}
