package request

import (
	"context"
	"crypto/x509/pkix"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/x509util"
)

// Encode applies the default extensions and attributes, encodes the inner
// request if any, encodes the request and signs it. Requests move to the
// Signed state, or to Encoded if a PKCS#7 or CMC request has no signer. On
// failure the defaults are removed and the request, and the inner requests
// encoded with it, can be modified again. Encoding an encoded request is a
// noop.
func (r *Request) Encode(ctx context.Context) error {
	switch {
	case r.state == Uninitialized:
		return errs.New(errs.ValidationError, "request is not initialized", errs.WithState(r.state))
	case r.state.Frozen():
		return nil
	}

	// Inner requests already encoded are kept on failure.
	var inner *Request
	if w, ok := r.payload.(wrapper); ok && w.wrapped().inner != nil && !w.wrapped().inner.state.Frozen() {
		inner = w.wrapped().inner
	}

	var (
		der    []byte
		signed bool
		err    error
	)
	switch p := r.payload.(type) {
	case *pkcs10Data:
		der, err = r.encodePKCS10(ctx, p)
		signed = true
	case *certificateData:
		der, err = r.encodeCertificate(ctx, p)
		signed = true
	case *pkcs7Data:
		der, signed, err = r.encodePKCS7(ctx, p)
	case *cmcData:
		der, signed, err = r.encodeCMC(ctx, p)
	default:
		err = errs.New(errs.ValidationError, "request kind %s is not valid", r.header.Kind)
	}
	if err != nil {
		r.removeDefaults()
		if inner != nil {
			_ = inner.ResetForEncode()
		}
		return errs.ApplyOptions(err, errs.WithState(r.state))
	}

	r.encoded = der
	r.state = Encoded
	if signed {
		r.state = Signed
	}
	return nil
}

// ResetForEncode discards the encoded request and the defaults added on
// encode, the request returns to the Populated state. Inner requests are
// reset too.
func (r *Request) ResetForEncode() error {
	if r.state == Uninitialized {
		return errs.New(errs.ValidationError, "request is not initialized", errs.WithState(r.state))
	}
	if w, ok := r.payload.(wrapper); ok && w.wrapped().inner != nil {
		if err := w.wrapped().inner.ResetForEncode(); err != nil {
			return err
		}
	}
	if !r.state.Frozen() {
		return nil
	}
	r.removeDefaults()
	r.encoded = nil
	if p := r.fields(); p != nil {
		p.tbs, p.sig, p.sigAlg = nil, nil, pkix.AlgorithmIdentifier{}
	}
	if p, ok := r.payload.(*cmcData); ok {
		p.archivedKey = nil
	}
	r.state = Populated
	return nil
}

// prepare checks the required fields and applies the defaults and the
// critical flags. Every kind needs a public key, certificates included, as
// keys are bound before Encode and never created by it.
func (r *Request) prepare(p *pkcs10Data) error {
	if p.subject == nil {
		return errs.New(errs.EncodingError, "request subject is required")
	}
	if p.publicKey == nil && p.key != nil {
		p.publicKey = p.key.Public()
	}
	if p.publicKey == nil {
		if p.keyRequest != nil {
			return errs.New(errs.EncodingError, "request requires a new key to be bound")
		}
		return errs.New(errs.EncodingError, "request public key is required")
	}
	if err := r.applyDefaults(p); err != nil {
		return err
	}
	for _, id := range r.header.CriticalExtensions {
		if e, ok := p.extensions.Get(id); ok && !e.Critical {
			e.Critical = true
			p.extensions.Set(e)
		}
	}
	return nil
}

// signingAlgorithm returns the signature information and the algorithm
// identifier of a PKCS#10 or certificate request.
func (r *Request) signingAlgorithm(p *pkcs10Data) (signature.Info, pkix.AlgorithmIdentifier, error) {
	info, err := r.SignatureInfo()
	if err != nil {
		return signature.Info{}, pkix.AlgorithmIdentifier{}, err
	}
	if !info.NullSigned && p.key == nil {
		return signature.Info{}, pkix.AlgorithmIdentifier{}, errs.New(errs.SignatureError, "request does not have a private key, it can only be null signed")
	}
	ai, err := info.AlgorithmIdentifier()
	if err != nil {
		return signature.Info{}, pkix.AlgorithmIdentifier{}, err
	}
	return info, ai, nil
}

// signWith verifies the key and signs tbs.
func (r *Request) signWith(ctx context.Context, key *apiv1.KeyHandle, info signature.Info, tbs []byte) ([]byte, error) {
	if info.NullSigned {
		return signature.NullSignature(tbs), nil
	}
	if err := r.verifyKey(ctx, key); err != nil {
		return nil, err
	}
	return info.Sign(key.Signer(), tbs)
}

// verifyKey makes sure the key can be used, prompting for a credential unless
// the request is silent.
func (r *Request) verifyKey(ctx context.Context, key *apiv1.KeyHandle) error {
	verifyType := apiv1.VerifyAllowUI
	if r.header.Silent && r.fields() != nil && r.fields().smartCard {
		verifyType = apiv1.VerifySmartCardSilent
	}
	err := key.Verify(ctx, apiv1.VerifyRequest{
		Type:      verifyType,
		Silent:    r.header.Silent,
		UIContext: r.header.UIContext,
		UI:        r.ui,
	})
	return errs.ApplyOptions(err, errs.WithState(r.state))
}

// outputExtensions returns the extensions that are encoded, suppressed
// identifiers are removed.
func (r *Request) outputExtensions(p *pkcs10Data) *x509util.Extensions {
	exts := p.extensions.Clone()
	for _, id := range r.header.SuppressedOIDs {
		exts.Remove(id)
	}
	return exts
}

// outputAttributes returns the attributes that are encoded, suppressed
// identifiers are removed and the extensions are added as an extension
// request.
func (r *Request) outputAttributes(p *pkcs10Data) (*x509util.Attributes, error) {
	attrs := p.attributes.Clone()
	for _, id := range r.header.SuppressedOIDs {
		attrs.Remove(id)
	}
	exts := r.outputExtensions(p)
	if exts.Len() > 0 && !r.header.SuppressedOIDs.Contains(x509util.OIDExtensionRequest.ObjectID()) {
		a, err := x509util.NewExtensionRequestAttribute(exts)
		if err != nil {
			return nil, err
		}
		if err := attrs.Add(a); err != nil {
			return nil, err
		}
	}
	return attrs, nil
}
