package request

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/internal/cast"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/transport"
	"github.com/smallstep/enrollment/x509util"
)

// SetSubject sets the subject of a PKCS#10 or certificate request.
func (r *Request) SetSubject(dn *x509util.DistinguishedName) error {
	p, err := r.mutableFields("subject")
	if err != nil {
		return err
	}
	if dn == nil {
		return errs.New(errs.ValidationError, "subject cannot be nil")
	}
	p.subject = dn
	r.touch()
	return nil
}

// SetSubjectName parses a display name and sets it as subject.
func (r *Request) SetSubjectName(display string, flags x509util.NameFlags) error {
	dn, err := x509util.EncodeName(display, flags)
	if err != nil {
		return err
	}
	return r.SetSubject(dn)
}

// SetKey binds the private key used to sign the request. The public key of
// the request is the public key of the handle.
func (r *Request) SetKey(key *apiv1.KeyHandle) error {
	p, err := r.mutableFields("key")
	if err != nil {
		return err
	}
	if key == nil || key.Public() == nil {
		return errs.New(errs.ValidationError, "key handle is not initialized")
	}
	if _, err := signature.KeyAlgorithm(key.Public()); err != nil {
		return err
	}
	p.key = key
	p.publicKey = key.Public()
	p.keyRequest = nil
	r.touch()
	return nil
}

// SetPublicKey sets the public key of a request without a private key. Any
// bound private key is removed.
func (r *Request) SetPublicKey(pub crypto.PublicKey) error {
	p, err := r.mutableFields("public key")
	if err != nil {
		return err
	}
	if _, err := signature.KeyAlgorithm(pub); err != nil {
		return err
	}
	p.key = nil
	p.publicKey = pub
	p.keyRequest = nil
	r.touch()
	return nil
}

// AddExtension adds an extension. Extensions inherited from a certificate are
// replaced, other duplicates fail with DuplicateExtension.
func (r *Request) AddExtension(ext x509util.Extension) error {
	p, err := r.mutableFields("extensions")
	if err != nil {
		return err
	}
	if p.inherited.Contains(ext.ID) {
		p.extensions.Set(ext)
		p.inherited = removeID(p.inherited, ext.ID)
	} else if err := p.extensions.Add(ext); err != nil {
		return err
	}
	r.touch()
	return nil
}

// RemoveExtension removes an extension, it returns false if it was not
// present.
func (r *Request) RemoveExtension(id x509util.ObjectID) (bool, error) {
	p, err := r.mutableFields("extensions")
	if err != nil {
		return false, err
	}
	p.inherited = removeID(p.inherited, id)
	return p.extensions.Remove(id), nil
}

// AddAttribute adds an attribute to a PKCS#10 request.
func (r *Request) AddAttribute(attr x509util.Attribute) error {
	if r.header.Kind == Certificate {
		return errs.New(errs.ValidationError, "attributes are not supported by certificate requests")
	}
	p, err := r.mutableFields("attributes")
	if err != nil {
		return err
	}
	if attr.ID.Is(x509util.OIDExtensionRequest) {
		return errs.New(errs.ValidationError, "extensions must be added with AddExtension")
	}
	if err := p.attributes.Add(attr); err != nil {
		return err
	}
	r.touch()
	return nil
}

// SetReuseKey marks the request as a renewal with the same key.
func (r *Request) SetReuseKey(v bool) error {
	p, err := r.mutableFields("reuse key")
	if err != nil {
		return err
	}
	p.reuseKey = v
	r.touch()
	return nil
}

// SetSmartCard marks the key of the request as stored on a smart card.
func (r *Request) SetSmartCard(v bool) error {
	p, err := r.mutableFields("smart card")
	if err != nil {
		return err
	}
	p.smartCard = v
	r.touch()
	return nil
}

// SetValidity sets the validity window of a certificate request.
func (r *Request) SetValidity(notBefore, notAfter time.Time) error {
	if err := r.mutable(); err != nil {
		return err
	}
	p, ok := r.payload.(*certificateData)
	if !ok {
		return errs.New(errs.ValidationError, "validity is not supported by %s requests", r.header.Kind)
	}
	if !notAfter.After(notBefore) {
		return errs.New(errs.ValidationError, "validity notAfter must be after notBefore")
	}
	p.notBefore, p.notAfter = notBefore.UTC(), notAfter.UTC()
	r.touch()
	return nil
}

// SetIssuer sets the issuer of a certificate request. Certificates are
// self-issued by default.
func (r *Request) SetIssuer(dn *x509util.DistinguishedName) error {
	if err := r.mutable(); err != nil {
		return err
	}
	p, ok := r.payload.(*certificateData)
	if !ok {
		return errs.New(errs.ValidationError, "issuer is not supported by %s requests", r.header.Kind)
	}
	p.issuer = dn
	r.touch()
	return nil
}

// SetSerialNumber sets the serial number of a certificate request. A random
// serial number is generated on encode if none is set.
func (r *Request) SetSerialNumber(sn *big.Int) error {
	if err := r.mutable(); err != nil {
		return err
	}
	p, ok := r.payload.(*certificateData)
	if !ok {
		return errs.New(errs.ValidationError, "serial number is not supported by %s requests", r.header.Kind)
	}
	if sn == nil || sn.Sign() <= 0 {
		return errs.New(errs.ValidationError, "serial number must be positive")
	}
	p.serialNumber = new(big.Int).Set(sn)
	r.touch()
	return nil
}

// Issuer returns the issuer of a certificate request.
func (r *Request) Issuer() *x509util.DistinguishedName {
	if p, ok := r.payload.(*certificateData); ok {
		if p.issuer != nil {
			return p.issuer
		}
		return p.subject
	}
	return nil
}

// Validity returns the validity window of a certificate request.
func (r *Request) Validity() (notBefore, notAfter time.Time) {
	if p, ok := r.payload.(*certificateData); ok {
		return p.notBefore, p.notAfter
	}
	return
}

// SerialNumber returns the serial number of a certificate request.
func (r *Request) SerialNumber() *big.Int {
	if p, ok := r.payload.(*certificateData); ok && p.serialNumber != nil {
		return new(big.Int).Set(p.serialNumber)
	}
	return nil
}

// AddSignerCertificate adds a certificate and its key to sign a PKCS#7 or CMC
// request. PKCS#7 renewal requests are signed with the certificate being
// renewed.
func (r *Request) AddSignerCertificate(cert *x509.Certificate, key crypto.Signer) error {
	w, err := r.mutableWrapper("signer certificates")
	if err != nil {
		return err
	}
	switch {
	case cert == nil:
		return errs.New(errs.ValidationError, "signer certificate cannot be nil")
	case key == nil:
		return errs.New(errs.ValidationError, "signer key cannot be nil")
	}
	if err := samePublicKey(cert.PublicKey, key.Public()); err != nil {
		return err
	}
	for _, s := range w.signers {
		if bytes.Equal(s.Certificate.Raw, cert.Raw) {
			return errs.New(errs.ValidationError, "signer certificate %s is already present", cert.Subject)
		}
	}
	w.signers = append(w.signers, Signer{Certificate: cert, Key: key})
	r.touch()
	return nil
}

// SignerCertificates returns the certificates that sign a PKCS#7 or CMC
// request.
func (r *Request) SignerCertificates() []*x509.Certificate {
	w, ok := r.payload.(wrapper)
	if !ok {
		return nil
	}
	certs := make([]*x509.Certificate, len(w.wrapped().signers))
	for i, s := range w.wrapped().signers {
		certs[i] = s.Certificate
	}
	return certs
}

// SetRequesterName sets the name of the user on whose behalf a PKCS#7 or CMC
// request is made.
func (r *Request) SetRequesterName(name string) error {
	w, err := r.mutableWrapper("requester name")
	if err != nil {
		return err
	}
	w.requesterName = name
	r.touch()
	return nil
}

// RequesterName returns the requester name of a PKCS#7 or CMC request.
func (r *Request) RequesterName() string {
	if w, ok := r.payload.(wrapper); ok {
		return w.wrapped().requesterName
	}
	return ""
}

// SetTransactionID sets the transaction id of a CMC request. A random id is
// used if none is set.
func (r *Request) SetTransactionID(id int64) error {
	p, err := r.mutableCMC("transaction id")
	if err != nil {
		return err
	}
	if id <= 0 {
		return errs.New(errs.ValidationError, "transaction id must be positive")
	}
	if _, err := cast.SafeInt32(id); err != nil {
		return errs.Wrap(errs.ValidationError, err, "transaction id must be a 32-bit integer")
	}
	p.transactionID = id
	r.touch()
	return nil
}

// TransactionID returns the transaction id of a CMC request.
func (r *Request) TransactionID() int64 {
	if p, ok := r.payload.(*cmcData); ok {
		return p.transactionID
	}
	return 0
}

// AddNameValuePair adds a name-value pair to a CMC request.
func (r *Request) AddNameValuePair(name, value string) error {
	p, err := r.mutableCMC("name-value pairs")
	if err != nil {
		return err
	}
	if name == "" {
		return errs.New(errs.ValidationError, "name-value pair name cannot be empty")
	}
	p.pairs = append(p.pairs, x509util.NameValuePair{Name: name, Value: value})
	r.touch()
	return nil
}

// NameValuePairs returns the name-value pairs of a CMC request.
func (r *Request) NameValuePairs() []x509util.NameValuePair {
	if p, ok := r.payload.(*cmcData); ok {
		return append([]x509util.NameValuePair(nil), p.pairs...)
	}
	return nil
}

// SetKeyArchival archives the private key of the inner request with the CA.
// The key is enveloped to caExchangeCert using the given content encryption
// algorithm and key strength in bits, zero selects the algorithm default.
func (r *Request) SetKeyArchival(alg x509util.ObjectID, strength int, caExchangeCert *x509.Certificate) error {
	p, err := r.mutableCMC("key archival")
	if err != nil {
		return err
	}
	if caExchangeCert == nil {
		return errs.New(errs.ValidationError, "key archival requires the CA exchange certificate")
	}
	if _, err := contentEncryption(alg, strength); err != nil {
		return err
	}
	p.archival = &archival{algorithm: alg, strength: strength, caCert: caExchangeCert}
	r.touch()
	return nil
}

// ArchivedKey returns the enveloped private key of a CMC request, it is set
// once the request is encoded or decoded.
func (r *Request) ArchivedKey() []byte {
	if p, ok := r.payload.(*cmcData); ok {
		return append([]byte(nil), p.archivedKey...)
	}
	return nil
}

// SetSignatureInfo sets the hash and public key algorithms used to sign the
// request.
func (r *Request) SetSignatureInfo(info signature.Info) error {
	if err := r.mutable(); err != nil {
		return err
	}
	if !info.NullSigned {
		if err := info.Validate(); err != nil {
			return err
		}
	}
	switch p := r.payload.(type) {
	case *pkcs10Data:
		p.signatureInfo = &info
	case *certificateData:
		p.signatureInfo = &info
	case wrapper:
		if info.NullSigned {
			return errs.New(errs.ValidationError, "%s requests cannot be null signed", r.header.Kind)
		}
		p.wrapped().signatureInfo = &info
	}
	r.touch()
	return nil
}

// SetSilent forbids any user interaction while encoding the request.
func (r *Request) SetSilent(v bool) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.header.Silent = v
	if w, ok := r.payload.(wrapper); ok && w.wrapped().inner != nil && !w.wrapped().inner.state.Frozen() {
		if err := w.wrapped().inner.SetSilent(v); err != nil {
			return err
		}
	}
	return nil
}

// SetUIContext sets the message shown when a credential is required.
func (r *Request) SetUIContext(msg string) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.header.UIContext = msg
	return nil
}

// SetCredentialUI sets the collaborator used to prompt for credentials.
func (r *Request) SetCredentialUI(ui transport.CredentialUI) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.ui = ui
	if w, ok := r.payload.(wrapper); ok && w.wrapped().inner != nil && !w.wrapped().inner.state.Frozen() {
		return w.wrapped().inner.SetCredentialUI(ui)
	}
	return nil
}

// SetSuppressDefaults disables the default extensions and attributes.
func (r *Request) SetSuppressDefaults(v bool) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.header.SuppressDefaults = v
	return nil
}

// SuppressOID excludes an extension or attribute from the encoded request.
func (r *Request) SuppressOID(id x509util.ObjectID) error {
	if err := r.mutable(); err != nil {
		return err
	}
	if !r.header.SuppressedOIDs.Contains(id) {
		r.header.SuppressedOIDs = append(r.header.SuppressedOIDs, id)
	}
	return nil
}

// MarkCritical marks an extension as critical when the request is encoded.
func (r *Request) MarkCritical(id x509util.ObjectID) error {
	if err := r.mutable(); err != nil {
		return err
	}
	if !r.header.CriticalExtensions.Contains(id) {
		r.header.CriticalExtensions = append(r.header.CriticalExtensions, id)
	}
	return nil
}

// SetEnvironment sets the client information used by the default attributes.
func (r *Request) SetEnvironment(env Environment) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.env = &env
	if w, ok := r.payload.(wrapper); ok && w.wrapped().inner != nil && !w.wrapped().inner.state.Frozen() {
		return w.wrapped().inner.SetEnvironment(env)
	}
	return nil
}

func removeID(ids x509util.ObjectIDs, id x509util.ObjectID) x509util.ObjectIDs {
	out := ids[:0]
	for _, v := range ids {
		if !v.Equal(id) {
			out = append(out, v)
		}
	}
	return out
}

func samePublicKey(a, b crypto.PublicKey) error {
	ka, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return errs.Wrap(errs.ValidationError, err, "error marshaling public key")
	}
	kb, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		return errs.Wrap(errs.ValidationError, err, "error marshaling public key")
	}
	if !bytes.Equal(ka, kb) {
		return errs.New(errs.ValidationError, "public keys do not match")
	}
	return nil
}
