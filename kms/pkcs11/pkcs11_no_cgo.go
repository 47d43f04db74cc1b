//go:build !cgo
// +build !cgo

package pkcs11

import (
	"context"
	"crypto"
	"os"
	"path/filepath"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
)

var errUnsupported error

func init() {
	name := filepath.Base(os.Args[0])
	errUnsupported = errs.New(errs.ProviderUnavailable, "unsupported kms type 'pkcs11': %s is compiled without cgo support", name)

	apiv1.Register(apiv1.PKCS11, func(ctx context.Context, opts apiv1.Options) (apiv1.KeyProvider, error) {
		return nil, errUnsupported
	})
}

// PKCS11 is the implementation of a key provider using the PKCS #11 standard.
type PKCS11 struct{}

// New implements the apiv1.KeyProvider interface and without CGO will always
// return an error.
func New(ctx context.Context, opts apiv1.Options) (*PKCS11, error) {
	return nil, errUnsupported
}

// EnumerateProviders implements the apiv1.KeyProvider interface and without
// CGO will always return an error.
func (*PKCS11) EnumerateProviders() ([]apiv1.ProviderInfo, error) {
	return nil, errUnsupported
}

// Open implements the apiv1.KeyProvider interface and without CGO will always
// return an error.
func (*PKCS11) Open(ctx context.Context, container, provider string) (*apiv1.KeyHandle, error) {
	return nil, errUnsupported
}

// Create implements the apiv1.KeyProvider interface and without CGO will
// always return an error.
func (*PKCS11) Create(ctx context.Context, req *apiv1.CreateKeyRequest) (*apiv1.KeyHandle, error) {
	return nil, errUnsupported
}

// Sign implements the apiv1.KeyProvider interface and without CGO will always
// return an error.
func (*PKCS11) Sign(h *apiv1.KeyHandle, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return nil, errUnsupported
}

// ExportPublic implements the apiv1.KeyProvider interface and without CGO will
// always return an error.
func (*PKCS11) ExportPublic(h *apiv1.KeyHandle) (crypto.PublicKey, error) {
	return nil, errUnsupported
}

// Close implements the apiv1.KeyProvider interface and without CGO will always
// return an error.
func (*PKCS11) Close() error {
	return errUnsupported
}
