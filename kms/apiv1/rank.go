package apiv1

import (
	"sort"
)

// Rank returns the providers that support every capability in required,
// ordered by preference: hardware before software, non-removable before
// removable, lower ordinal first, then by name. Providers that tie on all of
// these keep their relative order. If preferLegacy is set, legacy providers
// rank before the rest.
func Rank(providers []ProviderInfo, required Capability, preferLegacy bool) []ProviderInfo {
	ranked := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		if p.Capabilities.Has(required) {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return Less(ranked[i], ranked[j], preferLegacy)
	})
	return ranked
}

// Less reports whether provider a ranks before provider b.
func Less(a, b ProviderInfo, preferLegacy bool) bool {
	if preferLegacy && a.Legacy != b.Legacy {
		return a.Legacy
	}
	if a.Hardware != b.Hardware {
		return a.Hardware
	}
	if a.Removable != b.Removable {
		return !a.Removable
	}
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.Name < b.Name
}
