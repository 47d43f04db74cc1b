package apiv1

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/smallstep/enrollment/errs"
)

// Capability is the set of operations supported by a provider.
type Capability int

const (
	// Signing providers can create signatures.
	Signing Capability = 1 << iota
	// Encryption providers can perform asymmetric encryption.
	Encryption
	// Hashing providers can compute digests.
	Hashing
	// RNG providers can generate random numbers.
	RNG
)

// Has returns true if c is a superset of required.
func (c Capability) Has(required Capability) bool {
	return c&required == required
}

// String returns a string representation of c.
func (c Capability) String() string {
	var names []string
	for _, v := range []struct {
		c    Capability
		name string
	}{{Signing, "signing"}, {Encryption, "encryption"}, {Hashing, "hashing"}, {RNG, "rng"}} {
		if c&v.c != 0 {
			names = append(names, v.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// KeyAlgorithm is the public key algorithm of a key.
type KeyAlgorithm int

const (
	// UnspecifiedKeyAlgorithm lets the provider pick, usually ECDSA P-256.
	UnspecifiedKeyAlgorithm KeyAlgorithm = iota
	// RSA keys.
	RSA
	// ECDSA keys on the NIST curves.
	ECDSA
	// Ed25519 keys.
	Ed25519
)

// String returns a string representation of a.
func (a KeyAlgorithm) String() string {
	switch a {
	case UnspecifiedKeyAlgorithm:
		return "unspecified"
	case RSA:
		return "RSA"
	case ECDSA:
		return "ECDSA"
	case Ed25519:
		return "Ed25519"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// DescribePublicKey returns the algorithm and the size in bits of a public
// key.
func DescribePublicKey(pub crypto.PublicKey) (KeyAlgorithm, int) {
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return RSA, p.N.BitLen()
	case *ecdsa.PublicKey:
		return ECDSA, p.Curve.Params().BitSize
	case ed25519.PublicKey:
		return Ed25519, ed25519.PublicKeySize * 8
	default:
		return UnspecifiedKeyAlgorithm, 0
	}
}

// KeySpec tells if a key is used for key exchange or only for signatures.
type KeySpec int

const (
	// KeySpecNone is an unspecified key spec.
	KeySpecNone KeySpec = iota
	// KeySpecExchange keys can be used for key exchange and signatures.
	KeySpecExchange
	// KeySpecSignature keys can only be used for signatures.
	KeySpecSignature
)

// KeyUsage is the set of operations allowed on a key.
type KeyUsage int

const (
	// UsageDecrypt allows decryption.
	UsageDecrypt KeyUsage = 1 << iota
	// UsageSign allows signatures.
	UsageSign
	// UsageKeyAgreement allows key agreement.
	UsageKeyAgreement
	// UsageAll allows every operation.
	UsageAll = UsageDecrypt | UsageSign | UsageKeyAgreement
)

// ExportPolicy controls if the private key material can leave the provider.
type ExportPolicy int

const (
	// AllowExport allows exporting the key wrapped.
	AllowExport ExportPolicy = 1 << iota
	// AllowPlaintextExport allows exporting the key in plaintext.
	AllowPlaintextExport
	// AllowArchiving allows exporting the key once for archival.
	AllowArchiving
	// AllowPlaintextArchiving allows exporting the key once in plaintext for
	// archival.
	AllowPlaintextArchiving
)

// KeyProtection is the protection level of a key.
type KeyProtection int

const (
	// ProtectNone keys can be used without user interaction.
	ProtectNone KeyProtection = iota
	// ProtectConsent keys require the user consent on use.
	ProtectConsent
	// ProtectHigh keys require a credential on use.
	ProtectHigh
)

// KeyState is the lifecycle state of a KeyHandle.
type KeyState int

const (
	// KeyClosed handles cannot be used.
	KeyClosed KeyState = iota
	// KeyOpen handles reference an existing key.
	KeyOpen
	// KeyCreated handles reference a key created by this handle.
	KeyCreated
	// KeyExported handles had their private key exported.
	KeyExported
	// KeyDeleted handles reference a deleted key.
	KeyDeleted
)

// String returns a string representation of s.
func (s KeyState) String() string {
	switch s {
	case KeyClosed:
		return "closed"
	case KeyOpen:
		return "open"
	case KeyCreated:
		return "created"
	case KeyExported:
		return "exported"
	case KeyDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// VerifyType is the kind of check performed by KeyHandle.Verify.
type VerifyType int

const (
	// VerifyNone does not check anything.
	VerifyNone VerifyType = iota
	// VerifySilent checks the key without user interaction.
	VerifySilent
	// VerifySmartCardNone checks a smartcard key without reading it.
	VerifySmartCardNone
	// VerifySmartCardSilent checks a smartcard key without user interaction.
	VerifySmartCardSilent
	// VerifyAllowUI checks the key and prompts for a credential if needed.
	VerifyAllowUI
)

// Interactive returns true if the verify type allows prompting the user.
func (v VerifyType) Interactive() bool {
	return v == VerifyAllowUI
}

// ProviderInfo describes a provider returned by EnumerateProviders.
type ProviderInfo struct {
	Name         string
	Type         Type
	Capabilities Capability
	Hardware     bool
	Removable    bool
	Ordinal      int
	Legacy       bool
	Algorithms   []KeyAlgorithm
	MinKeyLength int
	MaxKeyLength int
}

// Supports returns an errs.ProviderUnavailable error if the provider cannot
// create the key described by req.
func (p ProviderInfo) Supports(req *CreateKeyRequest) error {
	alg := req.Algorithm
	if alg == UnspecifiedKeyAlgorithm {
		alg = ECDSA
	}
	found := false
	for _, a := range p.Algorithms {
		if a == alg {
			found = true
			break
		}
	}
	if !found {
		return errs.New(errs.ProviderUnavailable, "provider %s does not support %s keys", p.Name, alg)
	}
	if alg == RSA && req.Length != 0 {
		if (p.MinKeyLength > 0 && req.Length < p.MinKeyLength) || (p.MaxKeyLength > 0 && req.Length > p.MaxKeyLength) {
			return errs.New(errs.ProviderUnavailable, "provider %s does not support %d bit keys", p.Name, req.Length)
		}
	}
	if req.Usage&UsageDecrypt != 0 && !p.Capabilities.Has(Encryption) {
		return errs.New(errs.ProviderUnavailable, "provider %s does not support encryption keys", p.Name)
	}
	if req.KeySpec == KeySpecExchange && alg != RSA {
		return errs.New(errs.ProviderUnavailable, "provider %s does not support %s exchange keys", p.Name, alg)
	}
	return nil
}

// CreateKeyRequest is the parameter used in the KeyProvider.Create method.
type CreateKeyRequest struct {
	// Container is the name of the key container. A random name is used if
	// empty.
	Container string
	// Provider is the name of the provider to use.
	Provider string

	Algorithm KeyAlgorithm
	// Length is the RSA modulus size or the ECDSA curve size in bits.
	Length       int
	KeySpec      KeySpec
	Usage        KeyUsage
	ExportPolicy ExportPolicy
	Protection   KeyProtection
	Machine      bool

	// Pin protects keys created with ProtectHigh.
	Pin []byte
}

// KeyProvider is the interface implemented by all the key providers.
type KeyProvider interface {
	EnumerateProviders() ([]ProviderInfo, error)
	Open(ctx context.Context, container, provider string) (*KeyHandle, error)
	Create(ctx context.Context, req *CreateKeyRequest) (*KeyHandle, error)
	Sign(h *KeyHandle, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	ExportPublic(h *KeyHandle) (crypto.PublicKey, error)
	Close() error
}

// KeyExporter is implemented by providers able to export private keys.
type KeyExporter interface {
	ExportPrivate(h *KeyHandle) (crypto.PrivateKey, error)
}

// KeyImporter is implemented by providers able to import private keys.
type KeyImporter interface {
	ImportKey(container string, signer crypto.Signer, policy ExportPolicy) (*KeyHandle, error)
}

// KeyDeleter is implemented by providers able to delete keys.
type KeyDeleter interface {
	Delete(h *KeyHandle) error
}

// CredentialVerifier is implemented by providers with keys protected by a
// credential.
type CredentialVerifier interface {
	// NeedsCredential returns true if the key cannot be used until a
	// credential is verified.
	NeedsCredential(h *KeyHandle) bool
	// VerifyCredential unlocks the key with the given secret, a nil secret
	// checks the key without a credential.
	VerifyCredential(h *KeyHandle, secret []byte) error
}
