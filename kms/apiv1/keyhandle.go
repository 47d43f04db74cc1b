package apiv1

import (
	"context"
	"crypto"
	"io"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/transport"
)

// KeyHandle is a reference to a key stored in a provider. A handle is owned by
// a single request and it is not safe for concurrent use.
type KeyHandle struct {
	Container    string
	Provider     string
	ProviderType Type
	Algorithm    KeyAlgorithm
	KeySpec      KeySpec
	Usage        KeyUsage
	ExportPolicy ExportPolicy
	Protection   KeyProtection
	Length       int
	Machine      bool

	provider KeyProvider
	state    KeyState
	pub      crypto.PublicKey
}

// NewKeyHandle returns a handle for a key managed by p. Providers use it to
// return the results of Open and Create.
func NewKeyHandle(p KeyProvider, h KeyHandle, pub crypto.PublicKey, created bool) *KeyHandle {
	h.provider = p
	h.pub = pub
	h.state = KeyOpen
	if created {
		h.state = KeyCreated
	}
	return &h
}

// State returns the lifecycle state of the handle.
func (h *KeyHandle) State() KeyState {
	return h.state
}

// KeyProvider returns the provider managing the key.
func (h *KeyHandle) KeyProvider() KeyProvider {
	return h.provider
}

// Public returns the public key.
func (h *KeyHandle) Public() crypto.PublicKey {
	return h.pub
}

func (h *KeyHandle) usable() error {
	switch {
	case h == nil || h.provider == nil:
		return errs.New(errs.CspError, "key handle is not initialized")
	case h.state == KeyClosed || h.state == KeyDeleted:
		return errs.New(errs.CspError, "key %s is %s", h.Container, h.state)
	default:
		return nil
	}
}

// ExportPublic asks the provider for the public key of the handle.
func (h *KeyHandle) ExportPublic() (crypto.PublicKey, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	pub, err := h.provider.ExportPublic(h)
	if err != nil {
		return nil, errs.Wrapf(errs.CspError, err, "error exporting public key %s", h.Container)
	}
	h.pub = pub
	return pub, nil
}

// Sign signs the digest with the key.
func (h *KeyHandle) Sign(digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	if h.Usage != 0 && h.Usage&UsageSign == 0 {
		return nil, errs.New(errs.SignatureError, "key %s cannot be used for signing", h.Container)
	}
	sig, err := h.provider.Sign(h, digest, opts)
	if err != nil {
		return nil, errs.Wrapf(errs.SignatureError, err, "error signing with key %s", h.Container)
	}
	return sig, nil
}

// Signer returns a crypto.Signer backed by the handle.
func (h *KeyHandle) Signer() crypto.Signer {
	return &handleSigner{h: h}
}

type handleSigner struct {
	h *KeyHandle
}

func (s *handleSigner) Public() crypto.PublicKey {
	return s.h.pub
}

func (s *handleSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.h.Sign(digest, opts)
}

// PrivateKey exports the private key. The export policy of the key must allow
// exports.
func (h *KeyHandle) PrivateKey() (crypto.PrivateKey, error) {
	if h.ExportPolicy&(AllowExport|AllowPlaintextExport) == 0 {
		return nil, errs.New(errs.KeyNotExportable, "key %s is not exportable", h.Container)
	}
	return h.exportPrivate()
}

// ArchivalKey exports the private key for archival. The export policy of the
// key must allow archiving or exports.
func (h *KeyHandle) ArchivalKey() (crypto.PrivateKey, error) {
	if h.ExportPolicy&(AllowArchiving|AllowPlaintextArchiving|AllowExport|AllowPlaintextExport) == 0 {
		return nil, errs.New(errs.KeyNotExportable, "key %s cannot be archived", h.Container)
	}
	return h.exportPrivate()
}

func (h *KeyHandle) exportPrivate() (crypto.PrivateKey, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	exp, ok := h.provider.(KeyExporter)
	if !ok {
		return nil, errs.New(errs.KeyNotExportable, "provider %s does not support key exports", h.Provider)
	}
	key, err := exp.ExportPrivate(h)
	if err != nil {
		return nil, errs.Wrapf(errs.KeyNotExportable, err, "error exporting key %s", h.Container)
	}
	h.state = KeyExported
	return key, nil
}

// Delete removes the key from the provider.
func (h *KeyHandle) Delete() error {
	if err := h.usable(); err != nil {
		return err
	}
	del, ok := h.provider.(KeyDeleter)
	if !ok {
		return errs.New(errs.CspError, "provider %s does not support deleting keys", h.Provider)
	}
	if err := del.Delete(h); err != nil {
		return errs.Wrapf(errs.CspError, err, "error deleting key %s", h.Container)
	}
	h.state = KeyDeleted
	return nil
}

// Close releases the handle. Closing a closed or deleted handle is a noop.
func (h *KeyHandle) Close() error {
	if h != nil && h.state != KeyDeleted {
		h.state = KeyClosed
	}
	return nil
}

// VerifyRequest is the parameter used in KeyHandle.Verify.
type VerifyRequest struct {
	Type VerifyType
	// Silent forbids any prompt.
	Silent bool
	// UIContext is the message shown by the credential prompt.
	UIContext string
	UI        transport.CredentialUI
}

// Verify checks that the key can be used. If the key is locked, a credential
// is collected through req.UI when req.Type allows it. Silent requests and
// requests without a UI fail with errs.InteractionRequired, other non
// interactive verify types fail with errs.VerificationFailed.
func (h *KeyHandle) Verify(ctx context.Context, req VerifyRequest) error {
	if err := h.usable(); err != nil {
		return err
	}
	if req.Type == VerifyNone {
		return nil
	}
	cv, ok := h.provider.(CredentialVerifier)
	if !ok || !cv.NeedsCredential(h) {
		return nil
	}
	switch {
	case !req.Type.Interactive() && req.Silent:
		return errs.New(errs.InteractionRequired, "key %s requires a credential and prompts are not allowed", h.Container)
	case !req.Type.Interactive():
		return errs.New(errs.VerificationFailed, "key %s requires a credential", h.Container)
	}
	uiContext := req.UIContext
	if uiContext == "" {
		uiContext = "Please enter the PIN for key " + h.Container
	}
	c, err := transport.Prompt(ctx, req.UI, uiContext, req.Silent)
	if err != nil {
		return err
	}
	if err := cv.VerifyCredential(h, c.Secret); err != nil {
		return errs.Wrapf(errs.VerificationFailed, err, "error verifying credential for key %s", h.Container)
	}
	return nil
}
