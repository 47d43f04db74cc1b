//go:build cgo && !softhsm2
// +build cgo,!softhsm2

package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"testing"

	"github.com/ThalesIgnite/crypto11"
	"github.com/pkg/errors"

	"github.com/smallstep/enrollment/kms/apiv1"
)

func mustPKCS11(t *testing.T) *PKCS11 {
	t.Helper()
	return &PKCS11{
		p11: &stubPKCS11{
			signerIndex: make(map[keyType]int),
		},
		info: apiv1.ProviderInfo{
			Name:         "Golang crypto",
			Type:         apiv1.PKCS11,
			Capabilities: apiv1.Signing | apiv1.Encryption | apiv1.RNG,
			Hardware:     true,
			Algorithms:   []apiv1.KeyAlgorithm{apiv1.RSA, apiv1.ECDSA},
			MinKeyLength: 2048,
			MaxKeyLength: 4096,
		},
	}
}

type keyType struct {
	id    string
	label string
}

func newKey(id, label []byte) keyType {
	return keyType{
		id:    string(id),
		label: string(label),
	}
}

type stubPKCS11 struct {
	signers     []crypto11.Signer
	signerIndex map[keyType]int
	closed      bool
}

func (s *stubPKCS11) FindKeyPair(id, label []byte) (crypto11.Signer, error) {
	if id == nil && label == nil {
		return nil, errors.New("id and label cannot both be nil")
	}
	if i, ok := s.signerIndex[newKey(id, label)]; ok {
		return s.signers[i], nil
	}
	return nil, nil
}

func (s *stubPKCS11) add(id, label []byte, signer crypto.Signer) *privateKey {
	k := &privateKey{
		Signer: signer,
		index:  len(s.signers),
		stub:   s,
	}
	s.signers = append(s.signers, k)
	s.signerIndex[newKey(id, label)] = k.index
	s.signerIndex[newKey(id, nil)] = k.index
	s.signerIndex[newKey(nil, label)] = k.index
	return k
}

func (s *stubPKCS11) GenerateRSAKeyPairWithLabel(id, label []byte, bits int) (crypto11.SignerDecrypter, error) {
	if id == nil && label == nil {
		return nil, errors.New("id and label cannot both be nil")
	}
	p, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return s.add(id, label, p), nil
}

func (s *stubPKCS11) GenerateECDSAKeyPairWithLabel(id, label []byte, curve elliptic.Curve) (crypto11.Signer, error) {
	if id == nil && label == nil {
		return nil, errors.New("id and label cannot both be nil")
	}
	p, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	return s.add(id, label, p), nil
}

func (s *stubPKCS11) Close() error {
	s.closed = true
	return nil
}

type privateKey struct {
	crypto.Signer
	index int
	stub  *stubPKCS11
}

func (s *privateKey) Delete() error {
	s.stub.signers[s.index] = nil
	return nil
}

func (s *privateKey) Decrypt(rnd io.Reader, msg []byte, opts crypto.DecrypterOpts) (plaintext []byte, err error) {
	k, ok := s.Signer.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an rsa key")
	}
	return k.Decrypt(rnd, msg, opts)
}
