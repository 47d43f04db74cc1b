package apiv1

import (
	"strings"

	"github.com/smallstep/enrollment/errs"
)

// Type represents the key provider type used.
type Type string

const (
	// DefaultKMS is a key provider implementation using software.
	DefaultKMS Type = ""
	// SoftKMS is a key provider implementation using software.
	SoftKMS Type = "softkms"
	// PKCS11 is a key provider implementation using the PKCS11 standard.
	PKCS11 Type = "pkcs11"
)

// Options are the parameters used to initialize a key provider.
type Options struct {
	// The type of the key provider to use.
	Type string `json:"type"`

	// Name overrides the provider name reported by EnumerateProviders.
	Name string `json:"name,omitempty"`

	// URI is used by the PKCS11 provider, it has the form
	// pkcs11:module-path=/path/to/module.so;token=label?pin-value=pass.
	URI string `json:"uri,omitempty"`

	// Pin used to access the PKCS11 module or to protect software keys.
	Pin string `json:"pin,omitempty"`

	// Ordinal is the declared ranking position of the provider, lower
	// values rank first.
	Ordinal int `json:"ordinal,omitempty"`

	// Legacy marks the provider as a legacy provider.
	Legacy bool `json:"legacy,omitempty"`
}

// Validate checks the fields in Options.
func (o *Options) Validate() error {
	if o == nil {
		return nil
	}

	switch Type(strings.ToLower(o.Type)) {
	case DefaultKMS, SoftKMS:
	case PKCS11:
		if o.URI == "" {
			return errs.New(errs.ValidationError, "kms type pkcs11 requires an uri")
		}
	default:
		return errs.New(errs.ValidationError, "unsupported kms type %s", o.Type)
	}

	if o.Ordinal < 0 {
		return errs.New(errs.ValidationError, "kms ordinal cannot be negative")
	}
	return nil
}
