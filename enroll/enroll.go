// Package enroll drives certificate enrollments. An Enrollment builds a
// request from a key, a template name or a policy server template, submits it
// to a certification authority and installs the response.
package enroll

import (
	"context"
	"crypto"
	"crypto/sha1" //nolint:gosec // certificate thumbprint
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/logging"
	"github.com/smallstep/enrollment/policyserver"
	"github.com/smallstep/enrollment/request"
	"github.com/smallstep/enrollment/transport"
	"github.com/smallstep/enrollment/x509util"
)

// DefaultRSAKeyLength is the RSA key size used by templates without a
// minimum key length.
const DefaultRSAKeyLength = 2048

// Status is the outcome of an enrollment.
type Status int

const (
	// StatusNone is the status of an enrollment that was not submitted.
	StatusNone Status = iota
	// StatusIssued means the certificate was issued and installed.
	StatusIssued
	// StatusPending means the CA has not decided yet, the response is
	// installed later with InstallResponse.
	StatusPending
	// StatusDenied means the CA denied the request.
	StatusDenied
	// StatusUIDeferred means the enrollment needs user interaction and it
	// was silent. It must be retried without the silent flag.
	StatusUIDeferred
)

// String returns a string representation of s.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusIssued:
		return "issued"
	case StatusPending:
		return "pending"
	case StatusDenied:
		return "denied"
	case StatusUIDeferred:
		return "uiDeferred"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Meter wraps the methods used to count enrollment events.
type Meter interface {
	RequestEncoded(kind string, err error)
	RequestSubmitted(status string, err error)
	ResponseInstalled(err error)
	KMSSigned(err error)
}

type noopMeter struct{}

func (noopMeter) RequestEncoded(string, error)   {}
func (noopMeter) RequestSubmitted(string, error) {}
func (noopMeter) ResponseInstalled(error)        {}
func (noopMeter) KMSSigned(error)                {}

// Option configures an Enrollment.
type Option func(e *Enrollment)

// WithTransport sets the transport used to submit requests.
func WithTransport(t transport.PolicyTransport) Option {
	return func(e *Enrollment) {
		e.transport = t
	}
}

// WithLocalStore sets the store for pending requests and installed
// certificates.
func WithLocalStore(store db.LocalStore) Option {
	return func(e *Enrollment) {
		e.store = store
	}
}

// WithKeyBinding sets the key providers used to create and open keys. A
// software provider is used if none is set.
func WithKeyBinding(b *kms.Binding) Option {
	return func(e *Enrollment) {
		e.keys = b
	}
}

// WithPolicyServers sets the policy servers used to look up templates by
// name.
func WithPolicyServers(l *policyserver.ServerList) Option {
	return func(e *Enrollment) {
		e.servers = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Enrollment) {
		e.logger = l
	}
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Enrollment) {
		if m != nil {
			e.meter = m
		}
	}
}

// WithCredentialUI sets the collaborator used to prompt for credentials.
func WithCredentialUI(ui transport.CredentialUI) Option {
	return func(e *Enrollment) {
		e.ui = ui
	}
}

// WithRoots sets the trusted roots used to verify responses. The system roots
// are used if none are set.
func WithRoots(roots *x509.CertPool) Option {
	return func(e *Enrollment) {
		e.roots = roots
	}
}

// WithKind sets the kind of the requests created from templates and keys.
// PKCS#10 requests are used by default.
func WithKind(k request.Kind) Option {
	return func(e *Enrollment) {
		e.kind = k
	}
}

// WithRestrictions sets the restrictions used to install the responses of
// requests issued on submit.
func WithRestrictions(r Restrictions) Option {
	return func(e *Enrollment) {
		e.restrictions = r
	}
}

// WithSilent forbids any user interaction.
func WithSilent(v bool) Option {
	return func(e *Enrollment) {
		e.silent = v
	}
}

// WithEnvironment sets the client information used for default subjects and
// attributes.
func WithEnvironment(env request.Environment) Option {
	return func(e *Enrollment) {
		e.env = &env
	}
}

// Enrollment drives a single certificate enrollment. It is not safe for
// concurrent use.
type Enrollment struct {
	transport    transport.PolicyTransport
	store        db.LocalStore
	keys         *kms.Binding
	ownKeys      bool
	servers      *policyserver.ServerList
	logger       *logging.Logger
	meter        Meter
	ui           transport.CredentialUI
	roots        *x509.CertPool
	kind         request.Kind
	restrictions Restrictions
	silent       bool
	env          *request.Environment
	now          func() time.Time

	initialized  bool
	ctx          request.Context
	req          *request.Request
	server       *policyserver.Server
	template     *policyserver.Template
	templateName string
	caConfig     string
	friendlyName string

	pending    *db.PendingRequest
	status     Status
	statusText string
	requestID  string
	cert       *x509.Certificate
	chain      []*x509.Certificate
	key        *apiv1.KeyHandle
	installed  *db.InstalledCertificate
}

// New returns a new enrollment.
func New(opts ...Option) *Enrollment {
	e := &Enrollment{
		kind: request.PKCS10,
		now:  time.Now,
	}
	for _, fn := range opts {
		fn(e)
	}
	if e.store == nil {
		e.store = new(db.NoopDB)
	}
	if e.logger == nil {
		e.logger = logging.Nop()
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	return e
}

// Close releases the key providers created by the enrollment.
func (e *Enrollment) Close() error {
	if e.ownKeys && e.keys != nil {
		e.ownKeys = false
		return e.keys.Close()
	}
	return nil
}

func (e *Enrollment) log(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{
		"context": e.ctx.String(),
	}
	if id, ok := logging.GetRequestID(ctx); ok {
		fields["request-id"] = id
	} else if e.pending != nil {
		fields["request-id"] = e.pending.ID
	}
	if name := e.TemplateName(); name != "" {
		fields["template"] = name
	}
	if e.req != nil {
		fields["request.kind"] = e.req.Kind().String()
		fields["request.state"] = e.req.State().String()
	}
	return e.logger.Named().WithFields(fields)
}

func (e *Enrollment) binding(ctx context.Context) (*kms.Binding, error) {
	if e.keys == nil {
		b, err := kms.NewBinding(ctx)
		if err != nil {
			return nil, err
		}
		e.keys, e.ownKeys = b, true
	}
	return e.keys, nil
}

func (e *Enrollment) environment() request.Environment {
	if e.env == nil {
		env := request.DefaultEnvironment()
		e.env = &env
	}
	return *e.env
}

// Initialize initializes an empty PKCS#10 request, or a request of the
// configured kind, for the given context. The request is populated through
// Request.
func (e *Enrollment) Initialize(ec request.Context) error {
	return e.initialize(ec, e.kind, func(req *request.Request) error {
		return req.Initialize(ec)
	})
}

func (e *Enrollment) initialize(ec request.Context, kind request.Kind, fn func(req *request.Request) error) error {
	if e.initialized {
		return errs.New(errs.AlreadyInitialized, "enrollment is already initialized")
	}
	req := request.New(kind)
	if err := fn(req); err != nil {
		return err
	}
	if err := e.configure(req); err != nil {
		return err
	}
	e.req, e.ctx, e.kind, e.initialized = req, ec, kind, true
	return nil
}

// configure applies the enrollment settings to the request.
func (e *Enrollment) configure(req *request.Request) error {
	if err := req.SetSilent(e.silent); err != nil {
		return err
	}
	if e.ui != nil {
		if err := req.SetCredentialUI(e.ui); err != nil {
			return err
		}
	}
	if e.env != nil {
		return req.SetEnvironment(*e.env)
	}
	return nil
}

// InitializeFromTemplateName initializes a request for the template with the
// given name. The template is looked up in the policy servers, in order of
// preference. Without policy servers the request only carries the template
// name.
func (e *Enrollment) InitializeFromTemplateName(ctx context.Context, ec request.Context, name string) error {
	if e.initialized {
		return errs.New(errs.AlreadyInitialized, "enrollment is already initialized")
	}
	if name == "" {
		return errs.New(errs.ValidationError, "template name cannot be empty")
	}
	if e.servers == nil || e.servers.Len() == 0 {
		return e.InitializeFromTemplate(ctx, ec, nil, &policyserver.Template{CommonName: name})
	}

	var lastErr error
	for _, s := range e.servers.Servers() {
		if err := s.LoadPolicy(ctx, policyserver.LoadDefault); err != nil {
			e.log(ctx).WithError(err).WithField("server", s.URL).Warn("error loading policy")
			lastErr = err
			continue
		}
		t, err := s.GetTemplate(name)
		if err != nil {
			lastErr = err
			continue
		}
		return e.InitializeFromTemplate(ctx, ec, s, t)
	}
	return lastErr
}

// InitializeFromTemplate initializes a request for a template of the given
// policy server. A new key is created following the template, and the CA is
// the first one issuing the template. The server can be nil.
func (e *Enrollment) InitializeFromTemplate(ctx context.Context, ec request.Context, server *policyserver.Server, t *policyserver.Template) error {
	switch {
	case e.initialized:
		return errs.New(errs.AlreadyInitialized, "enrollment is already initialized")
	case t == nil:
		return errs.New(errs.ValidationError, "template cannot be nil")
	case t.Machine() && !ec.Machine():
		return errs.New(errs.ValidationError, "template %s requires a machine context", t.CommonName)
	}

	var ca *policyserver.CA
	if server != nil {
		cas, err := server.GetCAsForTemplate(t)
		if err != nil {
			return err
		}
		ca = cas[0]
	}

	kind := e.kind
	archival := t.PrivateKeyFlags&policyserver.RequireKeyArchival != 0
	if archival {
		if ca == nil {
			return errs.New(errs.ValidationError, "template %s requires key archival and there is no ca", t.CommonName)
		}
		kind = request.CMC
	}

	key, err := e.createKey(ctx, keyRequestFor(t, ec), t.CryptoProviders)
	if err != nil {
		return err
	}
	err = e.initialize(ec, kind, func(req *request.Request) error {
		if err := req.InitializeFromPrivateKey(ec, key); err != nil {
			return err
		}
		if err := e.applyTemplate(req, ec, t); err != nil {
			return err
		}
		if archival {
			exch, err := ca.X509ExchangeCertificate()
			if err != nil {
				return err
			}
			return req.SetKeyArchival(x509util.OIDAES256CBC.ObjectID(), 0, exch)
		}
		return nil
	})
	if err != nil {
		_ = key.Delete()
		return err
	}

	e.server, e.template, e.templateName = server, t, t.CommonName
	if ca != nil {
		e.caConfig = ca.Config
	}
	e.log(ctx).Debug("enrollment initialized from template")
	return nil
}

// applyTemplate adds the template extensions, the default subject and the
// validity period to the request.
func (e *Enrollment) applyTemplate(req *request.Request, ec request.Context, t *policyserver.Template) error {
	target := innermost(req)
	exts, err := t.Extensions()
	if err != nil {
		return err
	}
	for _, ext := range exts.Items() {
		if err := target.AddExtension(ext); err != nil {
			return err
		}
	}
	if t.SubjectNameFlags&policyserver.EnrolleeSuppliesSubject == 0 {
		if err := e.setDefaultSubject(target, ec); err != nil {
			return err
		}
	}
	if req.Kind() == request.Certificate && t.ValidityPeriod.Duration > 0 {
		now := e.now()
		return req.SetValidity(now, now.Add(t.ValidityPeriod.Duration))
	}
	return nil
}

// setDefaultSubject sets the common name to the user name, or to the machine
// name in the machine contexts.
func (e *Enrollment) setDefaultSubject(req *request.Request, ec request.Context) error {
	env := e.environment()
	name := env.ClientInfo.UserName
	if ec.Machine() {
		name = env.ClientInfo.MachineName
	}
	if name == "" {
		return errs.New(errs.ValidationError, "cannot build the subject of a %s request", ec)
	}
	dn, err := x509util.NewDistinguishedName([]x509util.RDN{{
		{Type: x509util.OIDCommonName.ObjectID(), Value: name},
	}}, 0)
	if err != nil {
		return err
	}
	return req.SetSubject(dn)
}

// keyRequestFor describes the key required by a template. Templates with a
// minimum key length or the key encipherment usage get an RSA exchange key,
// the others an ECDSA P-256 key.
func keyRequestFor(t *policyserver.Template, ec request.Context) *apiv1.CreateKeyRequest {
	req := &apiv1.CreateKeyRequest{
		Algorithm: apiv1.ECDSA,
		Length:    256,
		KeySpec:   apiv1.KeySpecSignature,
		Usage:     apiv1.UsageSign,
		Machine:   ec.Machine(),
	}
	if t.MinimumKeyLength > 0 || t.KeyUsage.Has(x509util.KeyUsageKeyEncipherment) {
		req.Algorithm = apiv1.RSA
		req.Length = max(t.MinimumKeyLength, DefaultRSAKeyLength)
		req.KeySpec = apiv1.KeySpecExchange
		req.Usage = apiv1.UsageSign | apiv1.UsageDecrypt
	}
	if t.PrivateKeyFlags&policyserver.ExportableKey != 0 {
		req.ExportPolicy |= apiv1.AllowExport | apiv1.AllowPlaintextExport
	}
	if t.PrivateKeyFlags&policyserver.RequireKeyArchival != 0 {
		req.ExportPolicy |= apiv1.AllowArchiving
	}
	if t.PrivateKeyFlags&policyserver.StrongKeyProtectionRequired != 0 {
		req.Protection = apiv1.ProtectConsent
	}
	return req
}

// createKey creates a key in the first of the given providers able to create
// it, or in the best ranked provider if none is given.
func (e *Enrollment) createKey(ctx context.Context, req *apiv1.CreateKeyRequest, providers []string) (*apiv1.KeyHandle, error) {
	b, err := e.binding(ctx)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return b.Create(ctx, req, apiv1.Signing, false)
	}
	var lastErr error
	for _, name := range providers {
		r := *req
		r.Provider = name
		h, err := b.Create(ctx, &r, apiv1.Signing, false)
		if err == nil {
			return h, nil
		}
		if !errs.Is(err, errs.ProviderUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// InitializeFromRequest initializes the enrollment with a request built by
// the caller. The enrollment context is the one of the request.
func (e *Enrollment) InitializeFromRequest(req *request.Request) error {
	switch {
	case e.initialized:
		return errs.New(errs.AlreadyInitialized, "enrollment is already initialized")
	case req == nil || req.State() == request.Uninitialized:
		return errs.New(errs.ValidationError, "request is not initialized")
	case req.Context() == request.ContextNone:
		return errs.New(errs.ValidationError, "request does not have an enrollment context")
	}
	if !req.State().Frozen() {
		if err := e.configure(req); err != nil {
			return err
		}
	}
	e.req, e.ctx, e.kind, e.initialized = req, req.Context(), req.Kind(), true
	exts := req.Extensions()
	if ext, ok := exts.Get(x509util.OIDCertificateTemplateName.ObjectID()); ok {
		if name, err := x509util.DecodeTemplateName(ext); err == nil {
			e.templateName = name.Name
		}
	} else if ext, ok := exts.Get(x509util.OIDCertificateTemplate.ObjectID()); ok {
		if info, err := x509util.DecodeTemplateInfo(ext); err == nil {
			e.templateName = info.Template.String()
		}
	}
	return nil
}

func innermost(req *request.Request) *request.Request {
	if inner, err := req.InnerRequest(request.Innermost); err == nil {
		return inner
	}
	return req
}

// SetSilent sets the silent flag of the enrollment and its request.
func (e *Enrollment) SetSilent(v bool) error {
	if e.req != nil && !e.req.State().Frozen() {
		if err := e.req.SetSilent(v); err != nil {
			return err
		}
	}
	e.silent = v
	return nil
}

// SetCAConfig sets the CA the request is submitted to.
func (e *Enrollment) SetCAConfig(config string) {
	e.caConfig = config
}

// SetFriendlyName sets the friendly name of the installed certificate.
func (e *Enrollment) SetFriendlyName(name string) {
	e.friendlyName = name
}

// Request returns the request of the enrollment.
func (e *Enrollment) Request() *request.Request {
	return e.req
}

// Context returns the enrollment context.
func (e *Enrollment) Context() request.Context {
	return e.ctx
}

// Template returns the policy server template, if the enrollment was
// initialized from one.
func (e *Enrollment) Template() *policyserver.Template {
	return e.template
}

// TemplateName returns the name of the template of the request.
func (e *Enrollment) TemplateName() string {
	return e.templateName
}

// PolicyServer returns the policy server of the template.
func (e *Enrollment) PolicyServer() *policyserver.Server {
	return e.server
}

// CAConfig returns the CA the request is submitted to.
func (e *Enrollment) CAConfig() string {
	return e.caConfig
}

// Status returns the status of the enrollment.
func (e *Enrollment) Status() Status {
	return e.status
}

// StatusText returns the message returned by the CA.
func (e *Enrollment) StatusText() string {
	return e.statusText
}

// RequestID returns the id the CA assigned to the request.
func (e *Enrollment) RequestID() string {
	return e.requestID
}

// PendingRequest returns a copy of the pending request stored on create.
func (e *Enrollment) PendingRequest() *db.PendingRequest {
	if e.pending == nil {
		return nil
	}
	pr := *e.pending
	return &pr
}

// Certificate returns the installed certificate.
func (e *Enrollment) Certificate() *x509.Certificate {
	return e.cert
}

// Chain returns the other certificates of the installed response.
func (e *Enrollment) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), e.chain...)
}

// Key returns the key of the installed certificate.
func (e *Enrollment) Key() *apiv1.KeyHandle {
	return e.key
}

// publicKeyHash returns the hex encoded SHA-1 hash of the subject public key
// info.
func publicKeyHash(pub crypto.PublicKey) (string, error) {
	b, err := x509util.PublicKeyHash(pub)
	if err != nil {
		return "", errs.Wrap(errs.EncodingError, err, "error hashing public key")
	}
	return hex.EncodeToString(b), nil
}

// certificateHash returns the hex encoded SHA-1 hash of the certificate, the
// identifier of installed certificates.
func certificateHash(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec // certificate thumbprint
	return hex.EncodeToString(sum[:])
}
