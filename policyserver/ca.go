package policyserver

import (
	"crypto/x509"
	"strings"

	"github.com/smallstep/enrollment/errs"
)

// CA is a certification authority published by a policy server.
type CA struct {
	Name string `json:"name"`
	// Config is the address used to submit requests to the CA.
	Config string `json:"config"`
	// Certificate is the DER encoded CA certificate.
	Certificate []byte `json:"certificate,omitempty"`
	// ExchangeCertificate is the DER encoded certificate used to encrypt
	// archived keys.
	ExchangeCertificate []byte `json:"exchangeCertificate,omitempty"`
	// Templates is the list of template names the CA issues.
	Templates []string `json:"templates"`
}

// Supports returns true if the CA issues the given template.
func (c *CA) Supports(template string) bool {
	for _, name := range c.Templates {
		if strings.EqualFold(name, template) {
			return true
		}
	}
	return false
}

// X509Certificate parses the CA certificate.
func (c *CA) X509Certificate() (*x509.Certificate, error) {
	return parseCertificate(c.Name, "certificate", c.Certificate)
}

// X509ExchangeCertificate parses the CA exchange certificate.
func (c *CA) X509ExchangeCertificate() (*x509.Certificate, error) {
	return parseCertificate(c.Name, "exchange certificate", c.ExchangeCertificate)
}

func parseCertificate(name, what string, der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, errs.New(errs.ValidationError, "ca %s does not have the %s", name, what)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrapf(errs.DecodeError, err, "error parsing ca %s %s", name, what)
	}
	return cert, nil
}

func (c *CA) clone() *CA {
	v := *c
	v.Certificate = append([]byte(nil), c.Certificate...)
	v.ExchangeCertificate = append([]byte(nil), c.ExchangeCertificate...)
	v.Templates = append([]string(nil), c.Templates...)
	return &v
}
