package softkms

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/smallstep/cli-utils/ui"
	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
)

// DefaultName is the provider name used if none is configured.
const DefaultName = "Software Key Storage Provider"

// DefaultRSAKeySize is the default size for RSA keys.
const DefaultRSAKeySize = 3072

type algorithmAttributes struct {
	Type  string
	Curve string
}

var curves = map[int]string{
	0:   "P-256",
	256: "P-256",
	384: "P-384",
	521: "P-521",
}

// generateKey is used for testing purposes.
var generateKey = func(kty, crv string, size int) (interface{}, interface{}, error) {
	if kty == "RSA" && size == 0 {
		size = DefaultRSAKeySize
	}
	return keyutil.GenerateKeyPair(kty, crv, size)
}

type softKey struct {
	signer   crypto.Signer
	meta     apiv1.KeyHandle
	pin      []byte
	unlocked bool
}

// SoftKMS is a key provider that keeps keys in memory.
type SoftKMS struct {
	mu   sync.Mutex
	info apiv1.ProviderInfo
	pin  []byte
	keys map[string]*softKey
}

// New returns a new SoftKMS.
func New(ctx context.Context, opts apiv1.Options) (*SoftKMS, error) {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	k := &SoftKMS{
		info: apiv1.ProviderInfo{
			Name:         name,
			Type:         apiv1.SoftKMS,
			Capabilities: apiv1.Signing | apiv1.Encryption | apiv1.Hashing | apiv1.RNG,
			Ordinal:      opts.Ordinal,
			Legacy:       opts.Legacy,
			Algorithms:   []apiv1.KeyAlgorithm{apiv1.RSA, apiv1.ECDSA, apiv1.Ed25519},
			MinKeyLength: 2048,
			MaxKeyLength: 16384,
		},
		keys: make(map[string]*softKey),
	}
	if opts.Pin != "" {
		k.pin = []byte(opts.Pin)
	}
	return k, nil
}

func init() {
	pemutil.PromptPassword = func(msg string) ([]byte, error) {
		return ui.PromptPassword(msg)
	}
	apiv1.Register(apiv1.SoftKMS, func(ctx context.Context, opts apiv1.Options) (apiv1.KeyProvider, error) {
		return New(ctx, opts)
	})
}

// EnumerateProviders returns the only provider exposed by SoftKMS.
func (k *SoftKMS) EnumerateProviders() ([]apiv1.ProviderInfo, error) {
	return []apiv1.ProviderInfo{k.info}, nil
}

// Close removes all the keys.
func (k *SoftKMS) Close() error {
	k.mu.Lock()
	k.keys = make(map[string]*softKey)
	k.mu.Unlock()
	return nil
}

func (k *SoftKMS) attributes(req *apiv1.CreateKeyRequest) (algorithmAttributes, error) {
	switch req.Algorithm {
	case apiv1.UnspecifiedKeyAlgorithm, apiv1.ECDSA:
		crv, ok := curves[req.Length]
		if !ok {
			return algorithmAttributes{}, errs.New(errs.ProviderUnavailable, "softKMS does not support %d bit ECDSA keys", req.Length)
		}
		return algorithmAttributes{"EC", crv}, nil
	case apiv1.RSA:
		return algorithmAttributes{"RSA", ""}, nil
	case apiv1.Ed25519:
		return algorithmAttributes{"OKP", "Ed25519"}, nil
	default:
		return algorithmAttributes{}, errs.New(errs.ProviderUnavailable, "softKMS does not support key algorithm '%s'", req.Algorithm)
	}
}

// Create generates a new key using Golang crypto.
func (k *SoftKMS) Create(ctx context.Context, req *apiv1.CreateKeyRequest) (*apiv1.KeyHandle, error) {
	if err := k.info.Supports(req); err != nil {
		return nil, err
	}
	v, err := k.attributes(req)
	if err != nil {
		return nil, err
	}

	_, priv, err := generateKey(v.Type, v.Curve, req.Length)
	if err != nil {
		return nil, errs.Wrap(errs.CspError, err, "softKMS createKey failed")
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errs.New(errs.CspError, "softKMS createKey result is not a crypto.Signer: type %T", priv)
	}

	meta := apiv1.KeyHandle{
		Container:    req.Container,
		KeySpec:      req.KeySpec,
		Usage:        req.Usage,
		ExportPolicy: req.ExportPolicy,
		Protection:   req.Protection,
		Machine:      req.Machine,
	}
	pin := req.Pin
	if len(pin) == 0 {
		pin = k.pin
	}
	if req.Protection == apiv1.ProtectHigh && len(pin) == 0 {
		return nil, errs.New(errs.ProviderUnavailable, "softKMS requires a pin to create protected keys")
	}
	return k.store(meta, signer, pin, true)
}

// ImportKey stores an existing key in the given container.
func (k *SoftKMS) ImportKey(container string, signer crypto.Signer, policy apiv1.ExportPolicy) (*apiv1.KeyHandle, error) {
	return k.store(apiv1.KeyHandle{
		Container:    container,
		ExportPolicy: policy,
	}, signer, nil, false)
}

// ImportPEM parses a PEM encoded private key and stores it in the given
// container. If the key is encrypted and no password is given, the password
// is prompted.
func (k *SoftKMS) ImportPEM(container string, pemBytes, password []byte, policy apiv1.ExportPolicy) (*apiv1.KeyHandle, error) {
	var opts []pemutil.Options
	if password != nil {
		opts = append(opts, pemutil.WithPassword(password))
	}
	v, err := pemutil.ParseKey(pemBytes, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error parsing private key")
	}
	signer, ok := v.(crypto.Signer)
	if !ok {
		return nil, errs.New(errs.DecodeError, "key is not a crypto.Signer: type %T", v)
	}
	return k.ImportKey(container, signer, policy)
}

func (k *SoftKMS) store(meta apiv1.KeyHandle, signer crypto.Signer, pin []byte, created bool) (*apiv1.KeyHandle, error) {
	if meta.Container == "" {
		meta.Container = uuid.NewString()
	}
	meta.Provider = k.info.Name
	meta.ProviderType = apiv1.SoftKMS
	meta.Algorithm, meta.Length = apiv1.DescribePublicKey(signer.Public())
	if meta.KeySpec == apiv1.KeySpecNone {
		meta.KeySpec = apiv1.KeySpecSignature
		if meta.Algorithm == apiv1.RSA {
			meta.KeySpec = apiv1.KeySpecExchange
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[meta.Container]; ok {
		return nil, errs.New(errs.CspError, "key %s already exists", meta.Container)
	}
	k.keys[meta.Container] = &softKey{
		signer:   signer,
		meta:     meta,
		pin:      pin,
		unlocked: true,
	}
	return apiv1.NewKeyHandle(k, meta, signer.Public(), created), nil
}

// Open returns a handle for an existing key. Keys protected with a pin are
// locked until the pin is verified.
func (k *SoftKMS) Open(ctx context.Context, container, provider string) (*apiv1.KeyHandle, error) {
	if provider != "" && provider != k.info.Name {
		return nil, errs.New(errs.KeyNotFound, "provider %s not found", provider)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[container]
	if !ok {
		return nil, errs.New(errs.KeyNotFound, "key %s not found", container)
	}
	if len(key.pin) > 0 {
		key.unlocked = false
	}
	return apiv1.NewKeyHandle(k, key.meta, key.signer.Public(), false), nil
}

func (k *SoftKMS) get(h *apiv1.KeyHandle) (*softKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[h.Container]
	if !ok {
		return nil, errs.New(errs.KeyNotFound, "key %s not found", h.Container)
	}
	return key, nil
}

// Sign signs the digest with the key referenced by h.
func (k *SoftKMS) Sign(h *apiv1.KeyHandle, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	key, err := k.get(h)
	if err != nil {
		return nil, err
	}
	if !key.unlocked {
		return nil, errs.New(errs.InteractionRequired, "key %s is locked", h.Container)
	}
	return key.signer.Sign(rand.Reader, digest, opts)
}

// ExportPublic returns the public key referenced by h.
func (k *SoftKMS) ExportPublic(h *apiv1.KeyHandle) (crypto.PublicKey, error) {
	key, err := k.get(h)
	if err != nil {
		return nil, err
	}
	return key.signer.Public(), nil
}

// ExportPrivate implements the apiv1.KeyExporter interface. The caller is
// responsible for checking the export policy.
func (k *SoftKMS) ExportPrivate(h *apiv1.KeyHandle) (crypto.PrivateKey, error) {
	key, err := k.get(h)
	if err != nil {
		return nil, err
	}
	if !key.unlocked {
		return nil, errs.New(errs.InteractionRequired, "key %s is locked", h.Container)
	}
	return key.signer, nil
}

// Delete implements the apiv1.KeyDeleter interface.
func (k *SoftKMS) Delete(h *apiv1.KeyHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[h.Container]; !ok {
		return errs.New(errs.KeyNotFound, "key %s not found", h.Container)
	}
	delete(k.keys, h.Container)
	return nil
}

// NeedsCredential implements the apiv1.CredentialVerifier interface.
func (k *SoftKMS) NeedsCredential(h *apiv1.KeyHandle) bool {
	key, err := k.get(h)
	if err != nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return !key.unlocked
}

// VerifyCredential implements the apiv1.CredentialVerifier interface.
func (k *SoftKMS) VerifyCredential(h *apiv1.KeyHandle, secret []byte) error {
	key, err := k.get(h)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(key.pin) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare(key.pin, secret) != 1 {
		return errors.New("invalid pin")
	}
	key.unlocked = true
	return nil
}
