package kms

import (
	"context"
	"crypto"
	"sort"
	"strings"
	"sync"

	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"

	// Enable default providers.
	_ "github.com/smallstep/enrollment/kms/pkcs11"
	_ "github.com/smallstep/enrollment/kms/softkms"
)

// KeyProvider is the interface implemented by all the key providers.
type KeyProvider = apiv1.KeyProvider

// New initializes a new key provider from the given type.
func New(ctx context.Context, opts apiv1.Options) (KeyProvider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	t := apiv1.Type(strings.ToLower(opts.Type))
	if t == apiv1.DefaultKMS {
		t = apiv1.SoftKMS
	}

	fn, ok := apiv1.LoadKeyProviderNewFunc(t)
	if !ok {
		return nil, errs.New(errs.ProviderUnavailable, "unsupported kms type '%s'", t)
	}
	kp, err := fn(ctx, opts)
	if err != nil {
		return nil, errs.Wrapf(errs.ProviderUnavailable, err, "error initializing kms type '%s'", t)
	}
	return kp, nil
}

type boundProvider struct {
	info apiv1.ProviderInfo
	kp   KeyProvider
}

// Binding selects providers among a set of key providers. Providers are
// enumerated in registration order, that order breaks ties on Rank.
type Binding struct {
	mu        sync.Mutex
	backends  []KeyProvider
	providers []boundProvider
}

// NewBinding initializes the key providers described by opts. A software
// provider is used if opts is empty.
func NewBinding(ctx context.Context, opts ...apiv1.Options) (*Binding, error) {
	if len(opts) == 0 {
		opts = []apiv1.Options{{Type: string(apiv1.SoftKMS)}}
	}
	b := new(Binding)
	for _, o := range opts {
		kp, err := New(ctx, o)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := b.Add(kp); err != nil {
			kp.Close()
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// Add registers the providers enumerated by kp.
func (b *Binding) Add(kp KeyProvider) error {
	infos, err := kp.EnumerateProviders()
	if err != nil {
		return errs.Wrap(errs.CspError, err, "error enumerating providers")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backends = append(b.backends, kp)
	for _, info := range infos {
		b.providers = append(b.providers, boundProvider{info: info, kp: kp})
	}
	return nil
}

// Providers returns the registered providers in registration order.
func (b *Binding) Providers() []apiv1.ProviderInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]apiv1.ProviderInfo, len(b.providers))
	for i, p := range b.providers {
		infos[i] = p.info
	}
	return infos
}

func (b *Binding) lookup(name string) (boundProvider, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.providers {
		if strings.EqualFold(p.info.Name, name) {
			return p, true
		}
	}
	return boundProvider{}, false
}

// rank returns the providers supporting the required capabilities in the
// order of apiv1.Rank.
func (b *Binding) rank(required apiv1.Capability, preferLegacy bool) []boundProvider {
	b.mu.Lock()
	ranked := make([]boundProvider, 0, len(b.providers))
	for _, p := range b.providers {
		if p.info.Capabilities.Has(required) {
			ranked = append(ranked, p)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(ranked, func(i, j int) bool {
		return apiv1.Less(ranked[i].info, ranked[j].info, preferLegacy)
	})
	return ranked
}

// Select returns the best ranked provider supporting the required
// capabilities.
func (b *Binding) Select(required apiv1.Capability, preferLegacy bool) (apiv1.ProviderInfo, KeyProvider, error) {
	ranked := b.rank(required, preferLegacy)
	if len(ranked) == 0 {
		return apiv1.ProviderInfo{}, nil, errs.New(errs.ProviderUnavailable, "no provider supports %s", required)
	}
	return ranked[0].info, ranked[0].kp, nil
}

// Create creates a key. If req.Provider is empty the first ranked provider
// able to create the key is used.
func (b *Binding) Create(ctx context.Context, req *apiv1.CreateKeyRequest, required apiv1.Capability, preferLegacy bool) (*apiv1.KeyHandle, error) {
	if req.Provider != "" {
		p, ok := b.lookup(req.Provider)
		if !ok {
			return nil, errs.New(errs.ProviderUnavailable, "provider %s is not available", req.Provider)
		}
		if err := p.info.Supports(req); err != nil {
			return nil, err
		}
		return create(ctx, p, req)
	}

	var lastErr error
	for _, p := range b.rank(required, preferLegacy) {
		if err := p.info.Supports(req); err != nil {
			lastErr = err
			continue
		}
		return create(ctx, p, req)
	}
	if lastErr == nil {
		lastErr = errs.New(errs.ProviderUnavailable, "no provider supports %s", required)
	}
	return nil, lastErr
}

func create(ctx context.Context, p boundProvider, req *apiv1.CreateKeyRequest) (*apiv1.KeyHandle, error) {
	r := *req
	r.Provider = p.info.Name
	h, err := p.kp.Create(ctx, &r)
	if err != nil {
		return nil, errs.Wrapf(errs.ProviderUnavailable, err, "error creating key in %s", p.info.Name)
	}
	return h, nil
}

// Open opens an existing key. If provider is empty every provider is tried in
// registration order.
func (b *Binding) Open(ctx context.Context, container, provider string) (*apiv1.KeyHandle, error) {
	if provider != "" {
		p, ok := b.lookup(provider)
		if !ok {
			return nil, errs.New(errs.KeyNotFound, "provider %s is not available", provider)
		}
		return open(ctx, p, container)
	}
	b.mu.Lock()
	providers := append([]boundProvider(nil), b.providers...)
	b.mu.Unlock()
	for _, p := range providers {
		if h, err := open(ctx, p, container); err == nil {
			return h, nil
		}
	}
	return nil, errs.New(errs.KeyNotFound, "key %s not found", container)
}

func open(ctx context.Context, p boundProvider, container string) (*apiv1.KeyHandle, error) {
	h, err := p.kp.Open(ctx, container, p.info.Name)
	if err != nil {
		return nil, errs.Wrapf(errs.KeyNotFound, err, "error opening key %s in %s", container, p.info.Name)
	}
	return h, nil
}

// Import imports a private key in the first provider able to import keys.
func (b *Binding) Import(container string, signer crypto.Signer, policy apiv1.ExportPolicy) (*apiv1.KeyHandle, error) {
	b.mu.Lock()
	backends := append([]KeyProvider(nil), b.backends...)
	b.mu.Unlock()
	for _, kp := range backends {
		if imp, ok := kp.(apiv1.KeyImporter); ok {
			h, err := imp.ImportKey(container, signer, policy)
			if err != nil {
				return nil, errs.Wrapf(errs.CspError, err, "error importing key %s", container)
			}
			return h, nil
		}
	}
	return nil, errs.New(errs.ProviderUnavailable, "no provider supports importing keys")
}

// Close closes all the key providers.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, kp := range b.backends {
		if err := kp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.backends, b.providers = nil, nil
	return firstErr
}
