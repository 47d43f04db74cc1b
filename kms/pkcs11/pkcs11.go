//go:build cgo
// +build cgo

package pkcs11

import (
	"context"
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"strings"

	"github.com/ThalesIgnite/crypto11"
	"github.com/google/uuid"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/kms/uri"
)

// Scheme is the scheme used in uris.
const Scheme = "pkcs11"

// DefaultRSASize is the number of bits of a new RSA key if no bitsize has been
// specified.
const DefaultRSASize = 3072

// P11 defines the methods on crypto11.Context that this package will use. This
// interface will be used for unit testing.
type P11 interface {
	FindKeyPair(id, label []byte) (crypto11.Signer, error)
	GenerateRSAKeyPairWithLabel(id, label []byte, bits int) (crypto11.SignerDecrypter, error)
	GenerateECDSAKeyPairWithLabel(id, label []byte, curve elliptic.Curve) (crypto11.Signer, error)
	Close() error
}

var p11Configure = func(config *crypto11.Config) (P11, error) {
	return crypto11.Configure(config)
}

// slotInfo returns the hardware and removable flags of the slot holding the
// configured token. It is used for testing purposes.
var slotInfo = func(config *crypto11.Config) (hardware, removable bool, err error) {
	ctx := pkcs11.New(config.Path)
	if ctx == nil {
		return false, false, errors.Errorf("error loading module %s", config.Path)
	}
	defer ctx.Destroy()
	if err := ctx.Initialize(); err != nil {
		return false, false, errors.Wrap(err, "error initializing module")
	}
	defer ctx.Finalize()

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return false, false, errors.Wrap(err, "error listing slots")
	}
	for _, slot := range slots {
		ti, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if (config.TokenLabel != "" && strings.TrimSpace(ti.Label) != config.TokenLabel) ||
			(config.TokenSerial != "" && strings.TrimSpace(ti.SerialNumber) != config.TokenSerial) {
			continue
		}
		si, err := ctx.GetSlotInfo(slot)
		if err != nil {
			return false, false, errors.Wrap(err, "error reading slot info")
		}
		return si.Flags&pkcs11.CKF_HW_SLOT != 0, si.Flags&pkcs11.CKF_REMOVABLE_DEVICE != 0, nil
	}
	return false, false, errors.New("token not found")
}

// PKCS11 is the implementation of a key provider using the PKCS #11 standard.
type PKCS11 struct {
	p11  P11
	info apiv1.ProviderInfo
}

// New returns a new PKCS11 key provider.
func New(ctx context.Context, opts apiv1.Options) (*PKCS11, error) {
	var config crypto11.Config
	if opts.URI != "" {
		u, err := uri.ParseWithScheme(Scheme, opts.URI)
		if err != nil {
			return nil, err
		}
		config.Path = u.Get("module-path")
		config.TokenLabel = u.Get("token")
		config.TokenSerial = u.Get("serial")
		config.Pin = u.Pin()
	}
	if config.Pin == "" && opts.Pin != "" {
		config.Pin = opts.Pin
	}

	switch {
	case config.Path == "":
		return nil, errs.New(errs.ValidationError, "kms uri 'module-path' is required")
	case config.TokenLabel == "" && config.TokenSerial == "":
		return nil, errs.New(errs.ValidationError, "kms uri 'token' or 'serial' are required")
	case config.Pin == "":
		return nil, errs.New(errs.ValidationError, "kms 'pin' cannot be empty")
	case config.TokenLabel != "" && config.TokenSerial != "":
		return nil, errs.New(errs.ValidationError, "kms uri 'token' or 'serial' are mutually exclusive")
	}

	hardware, removable, err := slotInfo(&config)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err, "error reading PKCS#11 slot")
	}

	p11, err := p11Configure(&config)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err, "error initializing PKCS#11")
	}

	name := opts.Name
	if name == "" {
		name = config.TokenLabel
		if name == "" {
			name = config.TokenSerial
		}
	}

	return &PKCS11{
		p11: p11,
		info: apiv1.ProviderInfo{
			Name:         name,
			Type:         apiv1.PKCS11,
			Capabilities: apiv1.Signing | apiv1.Encryption | apiv1.RNG,
			Hardware:     hardware,
			Removable:    removable,
			Ordinal:      opts.Ordinal,
			Legacy:       opts.Legacy,
			Algorithms:   []apiv1.KeyAlgorithm{apiv1.RSA, apiv1.ECDSA},
			MinKeyLength: 2048,
			MaxKeyLength: 4096,
		},
	}, nil
}

func init() {
	apiv1.Register(apiv1.PKCS11, func(ctx context.Context, opts apiv1.Options) (apiv1.KeyProvider, error) {
		return New(ctx, opts)
	})
}

// EnumerateProviders returns the token configured in the PKCS #11 module.
func (k *PKCS11) EnumerateProviders() ([]apiv1.ProviderInfo, error) {
	return []apiv1.ProviderInfo{k.info}, nil
}

// Open returns a handle for the key with the given container. The container
// is a pkcs11 uri with an id or an object, or just an object label.
func (k *PKCS11) Open(ctx context.Context, container, provider string) (*apiv1.KeyHandle, error) {
	if provider != "" && provider != k.info.Name {
		return nil, errs.New(errs.KeyNotFound, "provider %s not found", provider)
	}
	signer, err := findSigner(k.p11, container)
	if err != nil {
		return nil, err
	}
	return k.handle(container, signer, apiv1.KeyHandle{}, false), nil
}

// Create generates a new key in the PKCS #11 module.
func (k *PKCS11) Create(ctx context.Context, req *apiv1.CreateKeyRequest) (*apiv1.KeyHandle, error) {
	switch {
	case req.Length < 0:
		return nil, errs.New(errs.ValidationError, "createKeyRequest 'length' cannot be negative")
	case req.Protection == apiv1.ProtectConsent:
		return nil, errs.New(errs.ProviderUnavailable, "pkcs11 does not support consent protected keys")
	}
	if err := k.info.Supports(req); err != nil {
		return nil, err
	}

	container := req.Container
	if container == "" {
		container = uri.New(Scheme, map[string][]string{
			"object": {uuid.NewString()},
		}).String()
	}
	signer, err := generateKey(k.p11, container, req)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err, "createKey failed")
	}

	return k.handle(container, signer, apiv1.KeyHandle{
		KeySpec:      req.KeySpec,
		Usage:        req.Usage,
		ExportPolicy: req.ExportPolicy,
		Protection:   req.Protection,
		Machine:      req.Machine,
	}, true), nil
}

func (k *PKCS11) handle(container string, signer crypto11.Signer, meta apiv1.KeyHandle, created bool) *apiv1.KeyHandle {
	meta.Container = container
	meta.Provider = k.info.Name
	meta.ProviderType = apiv1.PKCS11
	// Keys never leave the module.
	meta.ExportPolicy = 0
	pub := signer.Public()
	meta.Algorithm, meta.Length = apiv1.DescribePublicKey(pub)
	if meta.KeySpec == apiv1.KeySpecNone {
		meta.KeySpec = apiv1.KeySpecSignature
		if meta.Algorithm == apiv1.RSA {
			meta.KeySpec = apiv1.KeySpecExchange
		}
	}
	return apiv1.NewKeyHandle(k, meta, pub, created)
}

// Sign signs the digest using the key in the module.
func (k *PKCS11) Sign(h *apiv1.KeyHandle, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	signer, err := findSigner(k.p11, h.Container)
	if err != nil {
		return nil, err
	}
	return signer.Sign(rand.Reader, digest, opts)
}

// ExportPublic returns the public key of the key referenced by h.
func (k *PKCS11) ExportPublic(h *apiv1.KeyHandle) (crypto.PublicKey, error) {
	signer, err := findSigner(k.p11, h.Container)
	if err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

// Delete implements the apiv1.KeyDeleter interface.
func (k *PKCS11) Delete(h *apiv1.KeyHandle) error {
	id, object, err := parseObject(h.Container)
	if err != nil {
		return errors.Wrap(err, "deleteKey failed")
	}
	signer, err := k.p11.FindKeyPair(id, object)
	if err != nil {
		return errors.Wrap(err, "deleteKey failed")
	}
	if signer == nil {
		return nil
	}
	if err := signer.Delete(); err != nil {
		return errors.Wrap(err, "deleteKey failed")
	}
	return nil
}

// Close releases the connection to the PKCS#11 module.
func (k *PKCS11) Close() error {
	return errors.Wrap(k.p11.Close(), "error closing pkcs#11 context")
}

func toByte(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func generateKey(ctx P11, container string, req *apiv1.CreateKeyRequest) (crypto11.Signer, error) {
	id, object, err := parseObject(container)
	if err != nil {
		return nil, err
	}
	signer, err := ctx.FindKeyPair(id, object)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		return nil, errors.Errorf("%s already exists", container)
	}
	// Keys require an id, a random one is used if only the object is set.
	if len(id) == 0 {
		u := uuid.New()
		id = u[:]
	}

	switch req.Algorithm {
	case apiv1.RSA:
		bits := req.Length
		if bits == 0 {
			bits = DefaultRSASize
		}
		return ctx.GenerateRSAKeyPairWithLabel(id, object, bits)
	case apiv1.UnspecifiedKeyAlgorithm, apiv1.ECDSA:
		switch req.Length {
		case 0, 256:
			return ctx.GenerateECDSAKeyPairWithLabel(id, object, elliptic.P256())
		case 384:
			return ctx.GenerateECDSAKeyPairWithLabel(id, object, elliptic.P384())
		case 521:
			return ctx.GenerateECDSAKeyPairWithLabel(id, object, elliptic.P521())
		default:
			return nil, errors.Errorf("ECDSA key length %d is not supported", req.Length)
		}
	default:
		return nil, errors.Errorf("key algorithm %s is not supported", req.Algorithm)
	}
}

// parseObject returns the id and label of a container. Containers without the
// pkcs11 scheme are object labels.
func parseObject(rawuri string) ([]byte, []byte, error) {
	if !uri.HasScheme(Scheme, rawuri) {
		if rawuri == "" {
			return nil, nil, errs.New(errs.ValidationError, "key container cannot be empty")
		}
		return nil, []byte(rawuri), nil
	}
	u, err := uri.ParseWithScheme(Scheme, rawuri)
	if err != nil {
		return nil, nil, err
	}
	id, err := u.GetHex("id")
	if err != nil {
		return nil, nil, err
	}
	object := u.Get("object")
	if len(id) == 0 && object == "" {
		return nil, nil, errs.New(errs.ValidationError, "key with uri %s is not valid, id or object are required", rawuri)
	}

	return id, toByte(object), nil
}

func findSigner(ctx P11, rawuri string) (crypto11.Signer, error) {
	id, object, err := parseObject(rawuri)
	if err != nil {
		return nil, err
	}
	signer, err := ctx.FindKeyPair(id, object)
	if err != nil {
		return nil, errs.Wrapf(errs.CspError, err, "error finding key with uri %s", rawuri)
	}
	if signer == nil {
		return nil, errs.New(errs.KeyNotFound, "key with uri %s not found", rawuri)
	}
	return signer, nil
}
