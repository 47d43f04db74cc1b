package policyserver

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/errs"
)

// RegistryKey is the name of the local store value with the registered
// policy servers.
const RegistryKey = "policyServers"

// ServerList is the list of registered policy servers, ordered by cost and
// then with default servers first.
type ServerList struct {
	servers []*Server
}

// LoadServerList returns the policy servers registered in the local store.
// The options are applied to every server.
func LoadServerList(store db.LocalStore, opts ...Option) (*ServerList, error) {
	entries, err := readEntries(store)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithLocalStore(store)}, opts...)
	return NewServerList(entries, opts...)
}

// RegisteredEntries returns the entries registered in the local store.
func RegisteredEntries(store db.LocalStore) ([]Entry, error) {
	return readEntries(store)
}

// NewServerList returns the list of servers for the given entries.
func NewServerList(entries []Entry, opts ...Option) (*ServerList, error) {
	l := &ServerList{}
	for _, e := range sortEntries(entries) {
		s, err := NewServer(e, opts...)
		if err != nil {
			return nil, err
		}
		l.servers = append(l.servers, s)
	}
	return l, nil
}

// Servers returns the servers in order of preference.
func (l *ServerList) Servers() []*Server {
	return append([]*Server(nil), l.servers...)
}

// Len returns the number of servers.
func (l *ServerList) Len() int {
	return len(l.servers)
}

// Default returns the preferred server.
func (l *ServerList) Default() (*Server, error) {
	if len(l.servers) == 0 {
		return nil, errs.New(errs.ValidationError, "there are no policy servers registered")
	}
	return l.servers[0], nil
}

// Lookup returns the server with the given url or id.
func (l *ServerList) Lookup(urlOrID string) (*Server, bool) {
	for _, s := range l.servers {
		if strings.EqualFold(s.URL, urlOrID) || (s.ID != "" && s.ID == urlOrID) {
			return s, true
		}
	}
	return nil, false
}

// Register adds or replaces the entry in the list of registered servers.
func Register(store db.LocalStore, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	entries, err := readEntries(store)
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if strings.EqualFold(entries[i].URL, e.URL) {
			entries[i], replaced = e, true
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	return writeEntries(store, entries)
}

// Unregister removes the server with the given url from the list of
// registered servers.
func Unregister(store db.LocalStore, url string) error {
	entries, err := readEntries(store)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !strings.EqualFold(e.URL, url) {
			kept = append(kept, e)
		}
	}
	return writeEntries(store, kept)
}

func readEntries(store db.LocalStore) ([]Entry, error) {
	b, err := store.RegistryValue(RegistryKey)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errs.Wrapf(errs.DecodeError, err, "error decoding %s", RegistryKey)
	}
	return entries, nil
}

func writeEntries(store db.LocalStore, entries []Entry) error {
	if len(entries) == 0 {
		return store.SetRegistryValue(RegistryKey, nil)
	}
	b, err := json.Marshal(sortEntries(entries))
	if err != nil {
		return errs.Wrapf(errs.EncodingError, err, "error encoding %s", RegistryKey)
	}
	return store.SetRegistryValue(RegistryKey, b)
}

// sortEntries returns a copy of the entries ordered by cost, default servers
// first on the same cost. The original order breaks the remaining ties.
func sortEntries(entries []Entry) []Entry {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Default && !b.Default
	})
	return sorted
}
