// Package policyserver implements the client side cache of enrollment policy
// servers: the templates and certification authorities a server publishes,
// refreshed through a transport and cached in the local store.
package policyserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/logging"
	"github.com/smallstep/enrollment/transport"
)

// DefaultRefreshInterval is used when a policy server does not set the next
// update time.
const DefaultRefreshInterval = 8 * time.Hour

// LoadOption controls if LoadPolicy contacts the policy server.
type LoadOption int

const (
	// LoadDefault uses the cached policy while it is fresh, and fetches it
	// otherwise.
	LoadDefault LoadOption = iota
	// LoadCacheOnly never fetches the policy.
	LoadCacheOnly
	// LoadReload always fetches the policy.
	LoadReload
	// LoadRegisterForChanges fetches the policy and registers the server in
	// the local store so it is refreshed with the others.
	LoadRegisterForChanges
)

// String returns a string representation of o.
func (o LoadOption) String() string {
	switch o {
	case LoadDefault:
		return "default"
	case LoadCacheOnly:
		return "cacheOnly"
	case LoadReload:
		return "reload"
	case LoadRegisterForChanges:
		return "registerForChanges"
	default:
		return "unknown"
	}
}

// Meter wraps the method used to count policy loads.
type Meter interface {
	PolicyRefreshed(server string, err error)
}

// document is the policy document returned by a policy server.
type document struct {
	Templates []*Template `json:"templates"`
	CAs       []*CA       `json:"cas"`
}

// snapshot is an immutable view of a loaded policy. A refresh replaces the
// snapshot, it never modifies it.
type snapshot struct {
	templates   []*Template
	cas         []*CA
	changeToken string
	lastUpdate  time.Time
	nextUpdate  time.Time
}

// Option configures a Server.
type Option func(s *Server)

// WithTransport sets the transport used to fetch policies.
func WithTransport(t transport.PolicyTransport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// WithLocalStore sets the store where policies are cached.
func WithLocalStore(store db.LocalStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMeter sets the meter counting policy loads.
func WithMeter(m Meter) Option {
	return func(s *Server) {
		s.meter = m
	}
}

// Entry is the persisted description of a policy server.
type Entry struct {
	URL     string              `json:"url"`
	ID      string              `json:"id,omitempty"`
	Auth    transport.AuthFlags `json:"auth,omitempty"`
	Cost    int                 `json:"cost,omitempty"`
	Default bool                `json:"default,omitempty"`
}

// Validate checks the entry.
func (e Entry) Validate() error {
	if e.URL == "" {
		return errs.New(errs.ValidationError, "policy server url cannot be empty")
	}
	if e.Cost < 0 {
		return errs.New(errs.ValidationError, "policy server %s cost cannot be negative", e.URL)
	}
	return nil
}

// Server is an enrollment policy server. A server is safe for concurrent use,
// readers always see a complete policy.
type Server struct {
	Entry

	transport transport.PolicyTransport
	store     db.LocalStore
	logger    *logging.Logger
	meter     Meter
	now       func() time.Time

	mu       sync.Mutex
	snapshot atomic.Pointer[snapshot]
}

// NewServer returns a policy server for the given entry.
func NewServer(e Entry, opts ...Option) (*Server, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Auth == 0 {
		e.Auth = transport.AuthAnonymous
	}
	s := &Server{
		Entry: e,
		now:   time.Now,
	}
	for _, fn := range opts {
		fn(s)
	}
	if s.store == nil {
		s.store = new(db.NoopDB)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s, nil
}

func (s *Server) log() *logrus.Entry {
	return s.logger.Named().WithField("server", s.URL)
}

// LoadPolicy loads the policy of the server. A LoadCacheOnly load fails with
// an errs.CacheMiss error if the policy was never fetched.
func (s *Server) LoadPolicy(ctx context.Context, opt LoadOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opt {
	case LoadCacheOnly:
		if s.snapshot.Load() != nil {
			return nil
		}
		entry, err := s.store.ReadCache(s.URL)
		if err != nil {
			return err
		}
		return s.install(entry)
	case LoadDefault:
		if sn := s.snapshot.Load(); sn != nil && s.now().Before(sn.nextUpdate) {
			return nil
		}
		entry, err := s.store.ReadCache(s.URL)
		switch {
		case err == nil && s.now().Before(entry.NextUpdate):
			return s.install(entry)
		case err != nil && !errs.Is(err, errs.CacheMiss):
			return err
		}
		return s.fetch(ctx)
	case LoadReload:
		return s.fetch(ctx)
	case LoadRegisterForChanges:
		if err := s.fetch(ctx); err != nil {
			return err
		}
		return Register(s.store, s.Entry)
	default:
		return errs.New(errs.ValidationError, "load option %d is not valid", int(opt))
	}
}

// fetch downloads the policy and caches it.
func (s *Server) fetch(ctx context.Context) error {
	blob, err := transport.Fetch(ctx, s.transport, s.URL, s.Auth)
	if s.meter != nil {
		s.meter.PolicyRefreshed(s.URL, err)
	}
	if err != nil {
		s.log().WithError(err).Warn("error fetching policy")
		return err
	}

	now := s.now().UTC()
	nextUpdate := blob.NextUpdate
	if nextUpdate.IsZero() {
		nextUpdate = now.Add(DefaultRefreshInterval)
	}
	entry := &db.CacheEntry{
		Data:        blob.Data,
		ChangeToken: blob.ChangeToken,
		UpdatedAt:   now,
		NextUpdate:  nextUpdate,
	}
	sn, err := newSnapshot(entry)
	if err != nil {
		return err
	}
	if err := s.store.WriteCache(s.URL, entry); err != nil {
		return errs.Wrapf(errs.Unknown, err, "error caching policy %s", s.URL)
	}
	s.snapshot.Store(sn)
	s.log().WithFields(logrus.Fields{
		"changeToken": entry.ChangeToken,
		"templates":   len(sn.templates),
		"cas":         len(sn.cas),
	}).Info("policy refreshed")
	return nil
}

func (s *Server) install(entry *db.CacheEntry) error {
	sn, err := newSnapshot(entry)
	if err != nil {
		return err
	}
	s.snapshot.Store(sn)
	s.log().WithField("changeToken", entry.ChangeToken).Debug("policy loaded from cache")
	return nil
}

func newSnapshot(entry *db.CacheEntry) (*snapshot, error) {
	var doc document
	if err := json.Unmarshal(entry.Data, &doc); err != nil {
		return nil, errs.Wrap(errs.DecodeError, err, "error decoding policy")
	}
	sn := &snapshot{
		changeToken: entry.ChangeToken,
		lastUpdate:  entry.UpdatedAt,
		nextUpdate:  entry.NextUpdate,
	}
	for _, t := range doc.Templates {
		if t == nil || t.CommonName == "" {
			return nil, errs.New(errs.DecodeError, "policy contains a template without a name")
		}
		sn.templates = append(sn.templates, t)
	}
	for _, c := range doc.CAs {
		if c == nil || c.Config == "" {
			return nil, errs.New(errs.DecodeError, "policy contains a ca without a config")
		}
		sn.cas = append(sn.cas, c)
	}
	return sn, nil
}

func (s *Server) current() (*snapshot, error) {
	sn := s.snapshot.Load()
	if sn == nil {
		return nil, errs.New(errs.CacheMiss, "policy %s is not loaded", s.URL)
	}
	return sn, nil
}

// Templates returns a copy of the templates of the loaded policy.
func (s *Server) Templates() ([]*Template, error) {
	sn, err := s.current()
	if err != nil {
		return nil, err
	}
	templates := make([]*Template, len(sn.templates))
	for i, t := range sn.templates {
		templates[i] = t.clone()
	}
	return templates, nil
}

// CAs returns a copy of the certification authorities of the loaded policy.
func (s *Server) CAs() ([]*CA, error) {
	sn, err := s.current()
	if err != nil {
		return nil, err
	}
	cas := make([]*CA, len(sn.cas))
	for i, c := range sn.cas {
		cas[i] = c.clone()
	}
	return cas, nil
}

// LastUpdate returns the time the loaded policy was fetched.
func (s *Server) LastUpdate() time.Time {
	if sn := s.snapshot.Load(); sn != nil {
		return sn.lastUpdate
	}
	return time.Time{}
}

// NextUpdate returns the time the loaded policy should be refreshed.
func (s *Server) NextUpdate() time.Time {
	if sn := s.snapshot.Load(); sn != nil {
		return sn.nextUpdate
	}
	return time.Time{}
}

// QueryChanges reports if the policy should be reloaded. It compares the
// change token of the loaded policy with the one in the local store, the
// policy server is not contacted.
func (s *Server) QueryChanges(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sn := s.snapshot.Load()
	if sn == nil || !s.now().Before(sn.nextUpdate) {
		return true, nil
	}
	entry, err := s.store.ReadCache(s.URL)
	switch {
	case errs.Is(err, errs.CacheMiss):
		return false, nil
	case err != nil:
		return false, err
	default:
		return entry.ChangeToken != sn.changeToken, nil
	}
}

// GetTemplate returns the template with the given name or identifier.
func (s *Server) GetTemplate(name string) (*Template, error) {
	sn, err := s.current()
	if err != nil {
		return nil, err
	}
	for _, t := range sn.templates {
		if strings.EqualFold(t.CommonName, name) || (!t.OID.IsZero() && t.OID.String() == name) {
			return t.clone(), nil
		}
	}
	return nil, errs.New(errs.ValidationError, "template %s is not published by %s", name, s.URL)
}

// GetCAsForTemplate returns the certification authorities issuing the given
// template.
func (s *Server) GetCAsForTemplate(t *Template) ([]*CA, error) {
	sn, err := s.current()
	if err != nil {
		return nil, err
	}
	var cas []*CA
	for _, c := range sn.cas {
		if c.Supports(t.CommonName) {
			cas = append(cas, c.clone())
		}
	}
	if len(cas) == 0 {
		return nil, errs.New(errs.ValidationError, "no ca issues template %s", t.CommonName)
	}
	return cas, nil
}
