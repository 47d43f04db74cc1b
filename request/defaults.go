package request

import (
	"crypto/rsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/smallstep/enrollment/x509util"
)

// Environment is the information about the client added to requests by the
// default attributes.
type Environment struct {
	ClientInfo x509util.ClientInfo `json:"clientInfo"`
	OSVersion  string              `json:"osVersion"`
}

// DefaultEnvironment returns the environment of the running process.
func DefaultEnvironment() Environment {
	env := Environment{
		ClientInfo: x509util.ClientInfo{ClientID: x509util.ClientIDUserStart},
		OSVersion:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if h, err := os.Hostname(); err == nil {
		env.ClientInfo.MachineName = h
	}
	if u, err := user.Current(); err == nil {
		env.ClientInfo.UserName = u.Username
	}
	if len(os.Args) > 0 {
		env.ClientInfo.ProcessName = filepath.Base(os.Args[0])
	}
	return env
}

func (r *Request) environment() Environment {
	if r.env == nil {
		env := DefaultEnvironment()
		r.env = &env
	}
	env := *r.env
	// Machine requests are made by the machine account.
	if r.header.Context.Machine() && env.ClientInfo.MachineName != "" {
		env.ClientInfo.UserName = env.ClientInfo.MachineName + "$"
	}
	return env
}

// defaultRule is an entry of the default policy. A rule builds either an
// extension or an attribute, a nil result skips the rule.
type defaultRule struct {
	id        x509util.KnownOID
	extension func(r *Request, p *pkcs10Data) (*x509util.Extension, error)
	attribute func(r *Request, p *pkcs10Data) (*x509util.Attribute, error)
}

// defaultPolicy is applied in order on encode. Rules are skipped if the
// request already has the extension or attribute, if defaults are
// suppressed, or if the identifier is suppressed. Certificates do not get
// the attributes.
var defaultPolicy = []defaultRule{
	{id: x509util.OIDRequestClientInfo, attribute: clientInfoDefault},
	{id: x509util.OIDOSVersion, attribute: osVersionDefault},
	{id: x509util.OIDEnrollmentCSPProvider, attribute: cspProviderDefault},
	{id: x509util.OIDKeyUsage, extension: keyUsageDefault},
	{id: x509util.OIDBasicConstraints, extension: basicConstraintsDefault},
	{id: x509util.OIDSubjectKeyIdentifier, extension: subjectKeyIDDefault},
}

func clientInfoDefault(r *Request, _ *pkcs10Data) (*x509util.Attribute, error) {
	a, err := x509util.NewClientIDAttribute(r.environment().ClientInfo)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func osVersionDefault(r *Request, _ *pkcs10Data) (*x509util.Attribute, error) {
	v := r.environment().OSVersion
	if v == "" {
		return nil, nil
	}
	a, err := x509util.NewOSVersionAttribute(v)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func cspProviderDefault(_ *Request, p *pkcs10Data) (*x509util.Attribute, error) {
	if p.key == nil || p.key.Provider == "" {
		return nil, nil
	}
	a, err := x509util.NewCSPProviderAttribute(x509util.CSPProvider{
		KeySpec: int(p.key.KeySpec),
		Name:    p.key.Provider,
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func keyUsageDefault(_ *Request, p *pkcs10Data) (*x509util.Extension, error) {
	if p.publicKey == nil {
		return nil, nil
	}
	ku := x509util.KeyUsageDigitalSignature
	if _, ok := p.publicKey.(*rsa.PublicKey); ok {
		ku |= x509util.KeyUsageKeyEncipherment
	}
	e, err := x509util.NewKeyUsage(ku)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func basicConstraintsDefault(*Request, *pkcs10Data) (*x509util.Extension, error) {
	e, err := x509util.NewBasicConstraints(false, -1)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func subjectKeyIDDefault(_ *Request, p *pkcs10Data) (*x509util.Extension, error) {
	if p.publicKey == nil {
		return nil, nil
	}
	e, err := x509util.NewSubjectKeyIdentifierFromPublicKey(p.publicKey)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// appliedDefault records a default added on encode, ResetForEncode removes
// them.
type appliedDefault struct {
	id        x509util.ObjectID
	attribute bool
}

func (r *Request) applyDefaults(p *pkcs10Data) error {
	if r.header.SuppressDefaults {
		return nil
	}
	for _, rule := range defaultPolicy {
		id := rule.id.ObjectID()
		if r.header.SuppressedOIDs.Contains(id) {
			continue
		}
		switch {
		case rule.attribute != nil:
			if r.header.Kind == Certificate || p.attributes.IndexOf(id) >= 0 {
				continue
			}
			a, err := rule.attribute(r, p)
			if err != nil {
				return err
			}
			if a == nil {
				continue
			}
			if err := p.attributes.Add(*a); err != nil {
				return err
			}
			r.applied = append(r.applied, appliedDefault{id: id, attribute: true})
		case rule.extension != nil:
			if p.extensions.IndexOf(id) >= 0 {
				continue
			}
			e, err := rule.extension(r, p)
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			if err := p.extensions.Add(*e); err != nil {
				return err
			}
			r.applied = append(r.applied, appliedDefault{id: id})
		}
	}
	return nil
}

func (r *Request) removeDefaults() {
	if p := r.fields(); p != nil {
		for _, d := range r.applied {
			if d.attribute {
				p.attributes.Remove(d.id)
			} else {
				p.extensions.Remove(d.id)
			}
		}
	}
	r.applied = nil
}
