package request

import (
	"crypto/x509"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/x509util"
)

// InheritOptions select what a request initialized from a certificate copies
// from it. The low bits select the key, the other bits are independent flags
// for each category of fields.
type InheritOptions int

const (
	// InheritDefault is the same as InheritNewDefaultKey.
	InheritDefault InheritOptions = 0x0
	// InheritNewDefaultKey requires a new key with the default parameters.
	InheritNewDefaultKey InheritOptions = 0x1
	// InheritNewSimilarKey requires a new key with the algorithm and length
	// of the certificate key.
	InheritNewSimilarKey InheritOptions = 0x2
	// InheritPrivateKey reuses the private key of the certificate.
	InheritPrivateKey InheritOptions = 0x3
	// InheritPublicKey reuses the public key of the certificate only.
	InheritPublicKey InheritOptions = 0x4
	// InheritKeyMask selects the key options.
	InheritKeyMask InheritOptions = 0xf
	// InheritNone ignores all the flags below.
	InheritNone InheritOptions = 0x10
	// InheritRenewalCertificateFlag adds the renewal certificate attribute.
	InheritRenewalCertificateFlag InheritOptions = 0x20
	// InheritTemplateFlag copies the certificate template extensions.
	InheritTemplateFlag InheritOptions = 0x40
	// InheritSubjectFlag copies the subject.
	InheritSubjectFlag InheritOptions = 0x80
	// InheritExtensionsFlag copies the extensions but the subject alternative
	// name and the key identifiers.
	InheritExtensionsFlag InheritOptions = 0x100
	// InheritSubjectAltNameFlag copies the subject alternative name.
	InheritSubjectAltNameFlag InheritOptions = 0x200
	// InheritValidityPeriodFlag copies the validity window of certificate
	// requests.
	InheritValidityPeriodFlag InheritOptions = 0x400
)

// Key returns the key option of o.
func (o InheritOptions) Key() InheritOptions {
	k := o & InheritKeyMask
	if k == InheritDefault {
		return InheritNewDefaultKey
	}
	return k
}

// Has returns true if the flag is set and InheritNone is not.
func (o InheritOptions) Has(flag InheritOptions) bool {
	return o&InheritNone == 0 && o&flag == flag
}

// Validate checks the key option.
func (o InheritOptions) Validate() error {
	if k := o.Key(); k > InheritPublicKey {
		return errs.New(errs.ValidationError, "inherit key option %#x is not valid", int(k))
	}
	return nil
}

// InitializeFromCertificate initializes a request renewing cert. The key is
// required with InheritPrivateKey and must match the certificate. PKCS#7 and
// CMC requests also add cert and key as a signer when the key is given.
func (r *Request) InitializeFromCertificate(ctx Context, cert *x509.Certificate, inherit InheritOptions, key *apiv1.KeyHandle) error {
	if cert == nil {
		return errs.New(errs.ValidationError, "certificate cannot be nil")
	}
	if err := inherit.Validate(); err != nil {
		return err
	}
	if inherit.Key() == InheritPrivateKey {
		if key == nil {
			return errs.New(errs.ValidationError, "inheriting the private key requires a key handle")
		}
		if err := samePublicKey(cert.PublicKey, key.Public()); err != nil {
			return errs.Wrap(errs.ValidationError, err, "key does not match the certificate")
		}
	}

	if err := r.initializeWith(ctx, func(p *Request) error {
		return p.inheritFrom(cert, inherit, key)
	}); err != nil {
		return err
	}
	if _, ok := r.payload.(wrapper); ok && key != nil {
		return r.AddSignerCertificate(cert, key.Signer())
	}
	return nil
}

func (r *Request) inheritFrom(cert *x509.Certificate, inherit InheritOptions, key *apiv1.KeyHandle) error {
	p := r.fields()

	switch inherit.Key() {
	case InheritNewDefaultKey:
		p.keyRequest = &apiv1.CreateKeyRequest{Machine: r.header.Context.Machine()}
	case InheritNewSimilarKey:
		alg, length := apiv1.DescribePublicKey(cert.PublicKey)
		p.keyRequest = &apiv1.CreateKeyRequest{
			Algorithm: alg,
			Length:    length,
			Machine:   r.header.Context.Machine(),
		}
	case InheritPrivateKey:
		if err := r.SetKey(key); err != nil {
			return err
		}
		p.reuseKey = true
	case InheritPublicKey:
		if err := r.SetPublicKey(cert.PublicKey); err != nil {
			return err
		}
		p.reuseKey = true
	}

	if inherit.Has(InheritSubjectFlag) {
		dn, err := x509util.DecodeName(cert.RawSubject, 0)
		if err != nil {
			return err
		}
		p.subject = dn
	}

	for _, e := range cert.Extensions {
		id := x509util.NewObjectID(e.Id)
		var copyExt bool
		switch id.Known() {
		case x509util.OIDSubjectKeyIdentifier, x509util.OIDAuthorityKeyIdentifier:
		case x509util.OIDSubjectAltName:
			copyExt = inherit.Has(InheritSubjectAltNameFlag)
		case x509util.OIDCertificateTemplate, x509util.OIDCertificateTemplateName:
			copyExt = inherit.Has(InheritTemplateFlag) || inherit.Has(InheritExtensionsFlag)
		default:
			copyExt = inherit.Has(InheritExtensionsFlag)
		}
		if copyExt {
			p.extensions.Set(x509util.NewExtension(id, e.Critical, e.Value))
			p.inherited = append(p.inherited, id)
		}
	}

	if inherit.Has(InheritRenewalCertificateFlag) && r.header.Kind == PKCS10 {
		attr, err := x509util.NewRenewalCertificateAttribute(cert)
		if err != nil {
			return err
		}
		p.attributes.Set(attr)
	}

	if c, ok := r.payload.(*certificateData); ok && inherit.Has(InheritValidityPeriodFlag) {
		c.notBefore, c.notAfter = cert.NotBefore.UTC(), cert.NotAfter.UTC()
	}
	r.touch()
	return nil
}
