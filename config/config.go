// Package config loads the configuration of an enrollment client and builds
// the collaborators used by enrollments: the logger, the local store, the key
// providers, the policy servers and the meter.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/smallstep/cli-utils/fileutil"
	"github.com/smallstep/cli-utils/step"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/enroll"
	"github.com/smallstep/enrollment/internal/metrix"
	"github.com/smallstep/enrollment/kms"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/logging"
	"github.com/smallstep/enrollment/policyserver"
	"github.com/smallstep/enrollment/request"
	"github.com/smallstep/enrollment/transport"
)

// DefaultKind is the kind of request used if none is configured.
var DefaultKind = request.PKCS10.String()

var restrictionNames = map[string]enroll.Restrictions{
	"untrustedroot":        enroll.AllowUntrustedRoot,
	"untrustedcertificate": enroll.AllowUntrustedCertificate,
	"nooutstandingrequest": enroll.AllowNoOutstandingRequest,
}

// Config represents the configuration of an enrollment client.
type Config struct {
	Logger             json.RawMessage      `json:"logger,omitempty"`
	DB                 *db.Config           `json:"db,omitempty"`
	KMS                []apiv1.Options      `json:"kms,omitempty"`
	PolicyServers      []policyserver.Entry `json:"policyServers,omitempty"`
	Defaults           *Defaults            `json:"defaults,omitempty"`
	loadedFromFilepath string
}

// Defaults are the settings applied to every enrollment.
type Defaults struct {
	Kind         string         `json:"kind,omitempty"`
	Encoding     codec.Encoding `json:"encoding"`
	Silent       bool           `json:"silent,omitempty"`
	Restrictions []string       `json:"restrictions,omitempty"`
}

// ParseRestrictions returns the install restrictions with the given names:
// untrustedRoot, untrustedCertificate and noOutstandingRequest.
func ParseRestrictions(names []string) (enroll.Restrictions, error) {
	r := enroll.AllowNone
	for _, name := range names {
		v, ok := restrictionNames[strings.ToLower(name)]
		if !ok {
			return 0, errors.Errorf("defaults.restrictions %s is not supported", name)
		}
		r |= v
	}
	return r, nil
}

// LoadConfiguration parses the given filename in JSON format and returns the
// configuration struct. Relative paths are resolved with step.Abs.
func LoadConfiguration(filename string) (*Config, error) {
	f, err := os.Open(step.Abs(filename))
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", filename)
	}
	defer f.Close()

	var c Config
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", filename)
	}

	c.loadedFromFilepath = filename
	c.Init()

	return &c, nil
}

// Init initializes the minimal configuration required to create enrollments.
func (c *Config) Init() {
	if c.Defaults == nil {
		c.Defaults = &Defaults{}
	}
	if c.Defaults.Kind == "" {
		c.Defaults.Kind = DefaultKind
	}
}

// Save saves the configuration to the given filename.
func (c *Config) Save(filename string) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "\t")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}
	if err := fileutil.WriteFile(step.Abs(filename), b.Bytes(), 0600); err != nil {
		return fmt.Errorf("error writing %q: %w", filename, err)
	}
	return nil
}

// WasLoadedFromFile returns whether or not the Config was loaded from a file.
func (c *Config) WasLoadedFromFile() bool {
	return c.loadedFromFilepath != ""
}

// Filepath returns the path to the file the Config was loaded from.
func (c *Config) Filepath() string {
	return c.loadedFromFilepath
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.DB.Validate(); err != nil {
		return err
	}
	for i := range c.KMS {
		if err := c.KMS[i].Validate(); err != nil {
			return err
		}
	}

	urls := make(map[string]bool, len(c.PolicyServers))
	for _, e := range c.PolicyServers {
		if err := e.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(e.URL)
		if urls[key] {
			return errors.Errorf("policyServers contains duplicated url %s", e.URL)
		}
		urls[key] = true
	}

	if c.Defaults == nil {
		return nil
	}
	if c.Defaults.Kind != "" {
		if _, err := request.ParseKind(c.Defaults.Kind); err != nil {
			return errors.Errorf("defaults.kind %s is not supported", c.Defaults.Kind)
		}
	}
	if !c.Defaults.Encoding.Valid() {
		return errors.Errorf("defaults.encoding %s is not supported", c.Defaults.Encoding)
	}
	_, err := ParseRestrictions(c.Defaults.Restrictions)
	return err
}

// Runtime holds the collaborators built from a configuration.
type Runtime struct {
	Logger    *logging.Logger
	Store     db.LocalStore
	Keys      *kms.Binding
	Servers   *policyserver.ServerList
	Meter     *metrix.Meter
	Transport transport.PolicyTransport

	kind         request.Kind
	encoding     codec.Encoding
	silent       bool
	restrictions enroll.Restrictions
}

// NewRuntime validates the configuration and builds its collaborators. The
// policy servers are the configured ones followed by the ones registered in
// the local store.
func (c *Config) NewRuntime(ctx context.Context, t transport.PolicyTransport) (_ *Runtime, err error) {
	c.Init()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		Meter:     metrix.New(),
		Transport: t,
		encoding:  c.Defaults.Encoding,
		silent:    c.Defaults.Silent,
	}
	r.kind, _ = request.ParseKind(c.Defaults.Kind)
	r.restrictions, _ = ParseRestrictions(c.Defaults.Restrictions)

	if r.Logger, err = logging.New("enrollment", c.Logger); err != nil {
		return nil, err
	}
	if r.Store, err = db.New(c.DB); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()
	if r.Keys, err = kms.NewBinding(ctx, c.KMS...); err != nil {
		return nil, err
	}

	entries, err := c.serverEntries(r.Store)
	if err != nil {
		return nil, err
	}
	r.Servers, err = policyserver.NewServerList(entries,
		policyserver.WithTransport(t),
		policyserver.WithLocalStore(r.Store),
		policyserver.WithLogger(r.Logger),
		policyserver.WithMeter(r.Meter),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Config) serverEntries(store db.LocalStore) ([]policyserver.Entry, error) {
	registered, err := policyserver.RegisteredEntries(store)
	if err != nil {
		return nil, err
	}
	entries := append([]policyserver.Entry(nil), c.PolicyServers...)
	for _, e := range registered {
		dup := false
		for _, ce := range c.PolicyServers {
			if strings.EqualFold(ce.URL, e.URL) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Encoding returns the default encoding of requests.
func (r *Runtime) Encoding() codec.Encoding {
	return r.encoding
}

// NewEnrollment returns an enrollment using the runtime collaborators and
// defaults. The given options are applied last.
func (r *Runtime) NewEnrollment(opts ...enroll.Option) *enroll.Enrollment {
	opts = append([]enroll.Option{
		enroll.WithTransport(r.Transport),
		enroll.WithLocalStore(r.Store),
		enroll.WithKeyBinding(r.Keys),
		enroll.WithPolicyServers(r.Servers),
		enroll.WithLogger(r.Logger),
		enroll.WithMeter(r.Meter),
		enroll.WithKind(r.kind),
		enroll.WithSilent(r.silent),
		enroll.WithRestrictions(r.restrictions),
	}, opts...)
	return enroll.New(opts...)
}

// Close releases the key providers and shuts down the local store.
func (r *Runtime) Close() error {
	var errKeys, errStore error
	if r.Keys != nil {
		errKeys = r.Keys.Close()
	}
	if r.Store != nil {
		errStore = r.Store.Shutdown()
	}
	if errKeys != nil {
		return errKeys
	}
	return errStore
}
