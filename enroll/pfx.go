package enroll

import (
	"bytes"
	"crypto/x509"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/smallstep/enrollment/errs"
)

// PFXExportOptions select the certificates exported with the key.
type PFXExportOptions int

const (
	// PFXExportEEOnly exports only the installed certificate.
	PFXExportEEOnly PFXExportOptions = iota
	// PFXExportChainNoRoot adds the chain without the root.
	PFXExportChainNoRoot
	// PFXExportChainWithRoot adds the full chain.
	PFXExportChainWithRoot
)

// CreatePFX exports the installed certificate and its key as a PKCS#12 file.
// The key must be exportable. An empty password creates a file without
// encryption.
func (e *Enrollment) CreatePFX(password string, opts PFXExportOptions) ([]byte, error) {
	switch {
	case e.cert == nil:
		return nil, errs.New(errs.ValidationError, "certificate is not installed")
	case e.key == nil:
		return nil, errs.New(errs.KeyNotFound, "key of certificate %s is not available", e.installed.Hash)
	}

	priv, err := e.key.PrivateKey()
	if err != nil {
		return nil, err
	}
	var cas []*x509.Certificate
	if opts != PFXExportEEOnly {
		for _, c := range e.chain {
			if opts == PFXExportChainNoRoot && bytes.Equal(c.RawSubject, c.RawIssuer) {
				continue
			}
			cas = append(cas, c)
		}
	}

	encoder := pkcs12.Modern
	if password == "" {
		encoder = pkcs12.Passwordless
	}
	pfx, err := encoder.Encode(priv, e.cert, cas, password)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err, "error creating pfx")
	}
	return pfx, nil
}

// CertificateProperty identifies a property of the installed certificate.
type CertificateProperty int

const (
	// PropertyKeyProviderInfo is the provider and container of the key.
	PropertyKeyProviderInfo CertificateProperty = 2
	// PropertySHA1Hash is the hex encoded SHA-1 hash of the certificate.
	PropertySHA1Hash CertificateProperty = 3
	// PropertyHash is an alias of PropertySHA1Hash.
	PropertyHash = PropertySHA1Hash
	// PropertyFriendlyName is the friendly name of the certificate.
	PropertyFriendlyName CertificateProperty = 11
)

// CertificateProperty returns a property of the installed certificate.
func (e *Enrollment) CertificateProperty(p CertificateProperty) (string, error) {
	if e.installed == nil {
		return "", errs.New(errs.ValidationError, "certificate is not installed")
	}
	switch p {
	case PropertyKeyProviderInfo:
		if e.installed.KeyContainer == "" {
			return "", errs.New(errs.KeyNotFound, "certificate %s does not have a key", e.installed.Hash)
		}
		return fmt.Sprintf("%s/%s", e.installed.Provider, e.installed.KeyContainer), nil
	case PropertySHA1Hash:
		return e.installed.Hash, nil
	case PropertyFriendlyName:
		return e.installed.FriendlyName, nil
	default:
		return "", errs.New(errs.ValidationError, "certificate property %d is not supported", int(p))
	}
}
