package apiv1

import (
	"context"
	"sync"
)

var registry = new(sync.Map)

// KeyProviderNewFunc is the type that represents the method to initialize a
// new KeyProvider.
type KeyProviderNewFunc func(ctx context.Context, opts Options) (KeyProvider, error)

// Register adds to the registry a method to create a KeyProvider of type t.
func Register(t Type, fn KeyProviderNewFunc) {
	registry.Store(t, fn)
}

// LoadKeyProviderNewFunc returns the function to initialize a KeyProvider.
func LoadKeyProviderNewFunc(t Type) (KeyProviderNewFunc, bool) {
	v, ok := registry.Load(t)
	if !ok {
		return nil, false
	}
	fn, ok := v.(KeyProviderNewFunc)
	return fn, ok
}
