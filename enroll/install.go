package enroll

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"

	"github.com/smallstep/pkcs7"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
)

// Restrictions relax the checks done when a response is installed.
type Restrictions int

const (
	// AllowNone requires a trusted chain and an outstanding request.
	AllowNone Restrictions = 0
	// AllowUntrustedRoot accepts chains ending in a root that is not trusted.
	AllowUntrustedRoot Restrictions = 1
	// AllowUntrustedCertificate accepts certificates that do not verify for
	// any other reason.
	AllowUntrustedCertificate Restrictions = 2
	// AllowNoOutstandingRequest accepts certificates without a pending
	// request for their key.
	AllowNoOutstandingRequest Restrictions = 4
)

// InstallResponse installs the response of a CA. The response can be a
// certificate, a PKCS#7 certificate chain, a CMC response, or a PKCS#12 file
// protected with the given password. The certificate must match an
// outstanding request and verify up to a trusted root, unless the
// restrictions allow otherwise.
func (e *Enrollment) InstallResponse(ctx context.Context, restrictions Restrictions, response string, enc codec.Encoding, password string) error {
	der, err := codec.Decode(response, enc)
	if err != nil {
		e.meter.ResponseInstalled(err)
		return err
	}
	return e.install(ctx, restrictions, der, password)
}

func (e *Enrollment) install(ctx context.Context, restrictions Restrictions, der []byte, password string) (err error) {
	defer func() {
		e.meter.ResponseInstalled(err)
		if err != nil {
			e.log(ctx).WithError(err).Error("error installing response")
		}
	}()

	leaf, chain, signer, err := parseResponse(der, password)
	if err != nil {
		return err
	}

	var pr *db.PendingRequest
	if signer == nil {
		if pr, err = e.outstandingRequest(leaf); err != nil {
			if !errs.Is(err, errs.OutstandingRequestMissing) || restrictions&AllowNoOutstandingRequest == 0 {
				return err
			}
		}
	}
	if err := e.verify(leaf, chain, restrictions); err != nil {
		return err
	}

	key, err := e.installKey(ctx, signer, pr)
	if err != nil {
		return err
	}

	ic := &db.InstalledCertificate{
		Hash:         certificateHash(leaf),
		Context:      e.ctx.String(),
		Certificate:  leaf.Raw,
		FriendlyName: e.friendlyName,
		InstalledAt:  e.now().UTC(),
	}
	if pr != nil && !e.initialized {
		ic.Context = pr.Context
	}
	for _, c := range chain {
		ic.Chain = append(ic.Chain, c.Raw)
	}
	if key != nil {
		ic.KeyContainer, ic.Provider = key.Container, key.Provider
	}
	if err := e.store.StoreCertificate(ic); err != nil {
		return errs.Wrap(errs.InstallError, err, "error installing certificate")
	}
	if pr != nil {
		if err := e.store.DeletePendingRequest(pr.ID); err != nil {
			e.log(ctx).WithError(err).Warn("error deleting pending request")
		}
		if e.requestID == "" {
			e.requestID = pr.RequestID
		}
	}

	e.cert, e.chain, e.key, e.installed = leaf, chain, key, ic
	e.status = StatusIssued
	e.log(ctx).WithField("status", e.status.String()).Infof("certificate %s installed", ic.Hash)
	return nil
}

// parseResponse returns the certificate, the rest of the chain, and the
// private key of PKCS#12 responses.
func parseResponse(der []byte, password string) (*x509.Certificate, []*x509.Certificate, crypto.Signer, error) {
	if p7, err := pkcs7.Parse(der); err == nil {
		if len(p7.Certificates) == 0 {
			return nil, nil, nil, errs.New(errs.InstallError, "response does not contain certificates")
		}
		leaf, chain := splitChain(p7.Certificates)
		return leaf, chain, nil, nil
	}
	if certs, err := x509.ParseCertificates(der); err == nil && len(certs) > 0 {
		leaf, chain := splitChain(certs)
		return leaf, chain, nil, nil
	}
	key, cert, cas, err := pkcs12.DecodeChain(der, password)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.DecodeError, err, "error parsing response")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, nil, errs.New(errs.DecodeError, "response key %T is not supported", key)
	}
	return cert, cas, signer, nil
}

// splitChain returns the first certificate that did not issue any other one,
// and the rest of the certificates.
func splitChain(certs []*x509.Certificate) (*x509.Certificate, []*x509.Certificate) {
	leaf := 0
	for i, c := range certs {
		issuer := false
		for j, o := range certs {
			if i != j && bytes.Equal(o.RawIssuer, c.RawSubject) {
				issuer = true
				break
			}
		}
		if !issuer {
			leaf = i
			break
		}
	}
	chain := make([]*x509.Certificate, 0, len(certs)-1)
	for i, c := range certs {
		if i != leaf {
			chain = append(chain, c)
		}
	}
	return certs[leaf], chain
}

// outstandingRequest returns the pending request for the key of the
// certificate.
func (e *Enrollment) outstandingRequest(cert *x509.Certificate) (*db.PendingRequest, error) {
	hash, err := publicKeyHash(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	pr, err := e.store.FindPendingRequest(hash)
	if err == nil {
		return pr, nil
	}
	if e.pending != nil && e.pending.PublicKeyHash == hash {
		return e.pending, nil
	}
	return nil, err
}

// verify checks the certificate against the trusted roots. With
// AllowUntrustedRoot the chain can also end in a self-signed certificate of
// the response, but every signature in the chain must still be valid.
func (e *Enrollment) verify(leaf *x509.Certificate, chain []*x509.Certificate, restrictions Restrictions) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         e.roots,
		Intermediates: intermediates,
		CurrentTime:   e.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	_, err := leaf.Verify(opts)
	if err == nil {
		return nil
	}
	if unknownAuthority(err) {
		if restrictions&AllowUntrustedRoot == 0 {
			return errs.Wrap(errs.UntrustedRoot, err, "error verifying certificate")
		}
		if opts.Roots, opts.Intermediates = splitAnchors(leaf, chain); opts.Roots != nil {
			if _, err = leaf.Verify(opts); err == nil {
				return nil
			}
		}
	}
	if restrictions&AllowUntrustedCertificate != 0 {
		return nil
	}
	return errs.Wrap(errs.UntrustedCertificate, err, "error verifying certificate")
}

// splitAnchors returns the self-signed certificates of a response as roots,
// and the rest as intermediates. Certificates whose self-signature does not
// verify are not used as anchors. Roots is nil if there are no anchors.
func splitAnchors(leaf *x509.Certificate, chain []*x509.Certificate) (roots, intermediates *x509.CertPool) {
	intermediates = x509.NewCertPool()
	for _, c := range append([]*x509.Certificate{leaf}, chain...) {
		if bytes.Equal(c.RawIssuer, c.RawSubject) && c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil {
			if roots == nil {
				roots = x509.NewCertPool()
			}
			roots.AddCert(c)
			continue
		}
		if c != leaf {
			intermediates.AddCert(c)
		}
	}
	return roots, intermediates
}

func unknownAuthority(err error) bool {
	var uae x509.UnknownAuthorityError
	var sre x509.SystemRootsError
	return errors.As(err, &uae) || errors.As(err, &sre)
}

// installKey returns the key of the installed certificate. PKCS#12 keys are
// imported, the others are the keys of the pending request.
func (e *Enrollment) installKey(ctx context.Context, signer crypto.Signer, pr *db.PendingRequest) (*apiv1.KeyHandle, error) {
	switch {
	case signer != nil:
		b, err := e.binding(ctx)
		if err != nil {
			return nil, err
		}
		return b.Import("", signer, apiv1.AllowExport|apiv1.AllowPlaintextExport)
	case pr == nil || pr.KeyContainer == "":
		return nil, nil
	}
	if e.req != nil {
		if key := e.req.Key(); key != nil && key.Container == pr.KeyContainer {
			return key, nil
		}
	}
	b, err := e.binding(ctx)
	if err != nil {
		return nil, err
	}
	key, err := b.Open(ctx, pr.KeyContainer, pr.Provider)
	if err != nil {
		return nil, errs.Wrapf(errs.InstallError, err, "error opening key of pending request %s", pr.ID)
	}
	return key, nil
}
