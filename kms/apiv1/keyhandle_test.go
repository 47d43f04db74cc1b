package apiv1

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/transport"
)

type fakeProvider struct {
	key      *ecdsa.PrivateKey
	pin      string
	unlocked bool
	deleted  bool
}

func (p *fakeProvider) EnumerateProviders() ([]ProviderInfo, error) {
	return []ProviderInfo{{Name: "fake", Capabilities: Signing}}, nil
}

func (p *fakeProvider) Open(ctx context.Context, container, provider string) (*KeyHandle, error) {
	return NewKeyHandle(p, KeyHandle{Container: container, Provider: provider}, p.key.Public(), false), nil
}

func (p *fakeProvider) Create(ctx context.Context, req *CreateKeyRequest) (*KeyHandle, error) {
	return NewKeyHandle(p, KeyHandle{Container: req.Container, ExportPolicy: req.ExportPolicy}, p.key.Public(), true), nil
}

func (p *fakeProvider) Sign(h *KeyHandle, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if p.NeedsCredential(h) {
		return nil, errors.New("key is locked")
	}
	return p.key.Sign(rand.Reader, digest, opts)
}

func (p *fakeProvider) ExportPublic(h *KeyHandle) (crypto.PublicKey, error) {
	return p.key.Public(), nil
}

func (p *fakeProvider) ExportPrivate(h *KeyHandle) (crypto.PrivateKey, error) {
	return p.key, nil
}

func (p *fakeProvider) Delete(h *KeyHandle) error {
	p.deleted = true
	return nil
}

func (p *fakeProvider) NeedsCredential(h *KeyHandle) bool {
	return p.pin != "" && !p.unlocked
}

func (p *fakeProvider) VerifyCredential(h *KeyHandle, secret []byte) error {
	if string(secret) != p.pin {
		return errors.New("bad pin")
	}
	p.unlocked = true
	return nil
}

func (p *fakeProvider) Close() error { return nil }

func newFakeProvider(t *testing.T, pin string) *fakeProvider {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeProvider{key: key, pin: pin}
}

func TestKeyHandle_lifecycle(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(t, "")

	h, err := p.Create(ctx, &CreateKeyRequest{Container: "c1", ExportPolicy: AllowPlaintextExport})
	require.NoError(t, err)
	assert.Equal(t, KeyCreated, h.State())
	assert.Equal(t, p, h.KeyProvider())

	digest := sha256.Sum256([]byte("data"))
	sig, err := h.Signer().Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&p.key.PublicKey, digest[:], sig))

	pub, err := h.ExportPublic()
	require.NoError(t, err)
	assert.Equal(t, p.key.Public(), pub)

	key, err := h.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, p.key, key)
	assert.Equal(t, KeyExported, h.State())

	require.NoError(t, h.Close())
	assert.Equal(t, KeyClosed, h.State())
	_, err = h.Sign(digest[:], crypto.SHA256)
	assert.Equal(t, errs.CspError, errs.KindOf(err))

	h, err = p.Open(ctx, "c1", "fake")
	require.NoError(t, err)
	assert.Equal(t, KeyOpen, h.State())
	require.NoError(t, h.Delete())
	assert.True(t, p.deleted)
	assert.Equal(t, KeyDeleted, h.State())
	require.NoError(t, h.Close())
	assert.Equal(t, KeyDeleted, h.State())
	assert.Equal(t, errs.CspError, errs.KindOf(h.Delete()))
}

func TestKeyHandle_exportPolicy(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(t, "")

	h, err := p.Create(ctx, &CreateKeyRequest{Container: "c1"})
	require.NoError(t, err)
	_, err = h.PrivateKey()
	assert.Equal(t, errs.KeyNotExportable, errs.KindOf(err))
	_, err = h.ArchivalKey()
	assert.Equal(t, errs.KeyNotExportable, errs.KindOf(err))

	h, err = p.Create(ctx, &CreateKeyRequest{Container: "c2", ExportPolicy: AllowArchiving})
	require.NoError(t, err)
	_, err = h.PrivateKey()
	assert.Equal(t, errs.KeyNotExportable, errs.KindOf(err))
	key, err := h.ArchivalKey()
	require.NoError(t, err)
	assert.Equal(t, p.key, key)
}

func TestKeyHandle_usage(t *testing.T) {
	p := newFakeProvider(t, "")
	h := NewKeyHandle(p, KeyHandle{Container: "c1", Usage: UsageDecrypt}, p.key.Public(), false)
	_, err := h.Sign(make([]byte, 32), crypto.SHA256)
	assert.Equal(t, errs.SignatureError, errs.KindOf(err))

	var nilHandle *KeyHandle
	_, err = nilHandle.Sign(make([]byte, 32), crypto.SHA256)
	assert.Equal(t, errs.CspError, errs.KindOf(err))
}

func TestKeyHandle_Verify(t *testing.T) {
	ctx := context.Background()
	okUI := transport.CredentialUIFunc(func(ctx context.Context, uiContext string) (*transport.Credential, error) {
		return &transport.Credential{Secret: []byte("1234")}, nil
	})
	badUI := transport.CredentialUIFunc(func(ctx context.Context, uiContext string) (*transport.Credential, error) {
		return &transport.Credential{Secret: []byte("0000")}, nil
	})
	cancelUI := transport.CredentialUIFunc(func(ctx context.Context, uiContext string) (*transport.Credential, error) {
		return nil, errors.New("dismissed")
	})

	tests := []struct {
		name     string
		pin      string
		req      VerifyRequest
		wantKind errs.Kind
	}{
		{"ok none", "1234", VerifyRequest{Type: VerifyNone, Silent: true}, errs.Unknown},
		{"ok unlocked", "", VerifyRequest{Type: VerifySilent}, errs.Unknown},
		{"ok prompt", "1234", VerifyRequest{Type: VerifyAllowUI, UI: okUI}, errs.Unknown},
		{"fail silent type", "1234", VerifyRequest{Type: VerifySilent, UI: okUI}, errs.VerificationFailed},
		{"fail smartcard", "1234", VerifyRequest{Type: VerifySmartCardSilent, UI: okUI}, errs.VerificationFailed},
		{"fail smartcard silent", "1234", VerifyRequest{Type: VerifySmartCardSilent, Silent: true, UI: okUI}, errs.InteractionRequired},
		{"fail silent", "1234", VerifyRequest{Type: VerifyAllowUI, Silent: true, UI: okUI}, errs.InteractionRequired},
		{"fail no ui", "1234", VerifyRequest{Type: VerifyAllowUI}, errs.InteractionRequired},
		{"fail bad pin", "1234", VerifyRequest{Type: VerifyAllowUI, UI: badUI}, errs.VerificationFailed},
		{"fail cancel", "1234", VerifyRequest{Type: VerifyAllowUI, UI: cancelUI}, errs.UserCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(t, tt.pin)
			h, err := p.Open(ctx, "c1", "fake")
			require.NoError(t, err)
			err = h.Verify(ctx, tt.req)
			if tt.wantKind == errs.Unknown {
				require.NoError(t, err)
				if tt.req.Type != VerifyNone {
					_, err = h.Sign(make([]byte, 32), crypto.SHA256)
					assert.NoError(t, err)
				}
				return
			}
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
		})
	}
}
