// Package request builds, encodes, signs and decodes certificate enrollment
// requests. A Request is one of four kinds: a PKCS#10 certification request,
// a PKCS#7 renewal request wrapping a PKCS#10, a CMC request wrapping a
// PKCS#10 or a PKCS#7, or a self-issued certificate.
package request

import (
	"context"
	"crypto"
	"fmt"
	"strings"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/kms/apiv1"
	"github.com/smallstep/enrollment/signature"
	"github.com/smallstep/enrollment/transport"
	"github.com/smallstep/enrollment/x509util"
)

// Kind is the wire format of a request.
type Kind int

const (
	// PKCS10 is a PKCS#10 certification request.
	PKCS10 Kind = iota + 1
	// PKCS7 is a PKCS#7 signed data wrapping a PKCS#10 request.
	PKCS7
	// CMC is a CMC full PKI request wrapping a PKCS#10 or a PKCS#7 request.
	CMC
	// Certificate is a self-issued X.509 certificate.
	Certificate
)

// String returns a string representation of k.
func (k Kind) String() string {
	switch k {
	case PKCS10:
		return "pkcs10"
	case PKCS7:
		return "pkcs7"
	case CMC:
		return "cmc"
	case Certificate:
		return "certificate"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{PKCS10, PKCS7, CMC, Certificate} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, errs.New(errs.ValidationError, "unsupported request kind %q", s)
}

// Context is the store targeted by an enrollment.
type Context int

const (
	// ContextNone is the context of decoded requests.
	ContextNone Context = iota
	// ContextUser targets the user store.
	ContextUser
	// ContextMachine targets the machine store.
	ContextMachine
	// ContextAdministratorForceMachine targets the machine store on behalf of
	// an administrator.
	ContextAdministratorForceMachine
)

// String returns a string representation of c.
func (c Context) String() string {
	switch c {
	case ContextNone:
		return "none"
	case ContextUser:
		return "user"
	case ContextMachine:
		return "machine"
	case ContextAdministratorForceMachine:
		return "administratorForceMachine"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Machine returns true for the machine contexts.
func (c Context) Machine() bool {
	return c == ContextMachine || c == ContextAdministratorForceMachine
}

// State is the lifecycle state of a request.
type State int

const (
	// Uninitialized requests only accept an initialize call.
	Uninitialized State = iota
	// Initialized requests have a context and no fields yet.
	Initialized
	// Populated requests have at least one field set.
	Populated
	// Encoded requests have an encoded form without a signature.
	Encoded
	// Signed requests have a signed encoded form.
	Signed
)

// String returns a string representation of s.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Populated:
		return "populated"
	case Encoded:
		return "encoded"
	case Signed:
		return "signed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Frozen returns true if the request cannot be modified.
func (s State) Frozen() bool {
	return s == Encoded || s == Signed
}

// InnerLevel selects the request returned by InnerRequest.
type InnerLevel int

const (
	// Innermost is the innermost request that does not wrap another.
	Innermost InnerLevel = iota
	// Next is the request wrapped by the current one.
	Next
)

// Header is the part shared by all the kinds of requests.
type Header struct {
	Context            Context            `json:"context"`
	Kind               Kind               `json:"kind"`
	Silent             bool               `json:"silent,omitempty"`
	UIContext          string             `json:"uiContext,omitempty"`
	SuppressDefaults   bool               `json:"suppressDefaults,omitempty"`
	CriticalExtensions x509util.ObjectIDs `json:"criticalExtensions,omitempty"`
	SuppressedOIDs     x509util.ObjectIDs `json:"suppressedOIDs,omitempty"`
}

// Encodable is implemented by requests that produce an encoded form.
type Encodable interface {
	Encode(ctx context.Context) error
	ResetForEncode() error
	RawData(e codec.Encoding) (string, error)
}

// Signable is implemented by requests with a signature.
type Signable interface {
	SignatureInfo() (signature.Info, error)
	SetSignatureInfo(info signature.Info) error
	CheckSignature(allowed CheckSignatureFlags) error
}

// Wrappable is implemented by requests that may wrap another request.
type Wrappable interface {
	InnerRequest(level InnerLevel) (*Request, error)
}

var (
	_ Encodable = (*Request)(nil)
	_ Signable  = (*Request)(nil)
	_ Wrappable = (*Request)(nil)
)

// payload is the kind specific part of a request. It is one of *pkcs10Data,
// *certificateData, *pkcs7Data or *cmcData.
type payload interface {
	kind() Kind
}

// Request is an enrollment request. A request is owned by a single caller, it
// is not safe for concurrent use.
type Request struct {
	header  Header
	state   State
	ui      transport.CredentialUI
	env     *Environment
	encoded []byte
	applied []appliedDefault
	payload payload
}

// New returns an uninitialized request of the given kind.
func New(kind Kind) *Request {
	return &Request{header: Header{Kind: kind}}
}

// Kind returns the kind of the request.
func (r *Request) Kind() Kind {
	return r.header.Kind
}

// State returns the lifecycle state of the request.
func (r *Request) State() State {
	return r.state
}

// Context returns the enrollment context of the request.
func (r *Request) Context() Context {
	return r.header.Context
}

// Header returns a copy of the request header.
func (r *Request) Header() Header {
	h := r.header
	h.CriticalExtensions = append(x509util.ObjectIDs(nil), h.CriticalExtensions...)
	h.SuppressedOIDs = append(x509util.ObjectIDs(nil), h.SuppressedOIDs...)
	return h
}

// Encoded returns a copy of the encoded request, or nil if the request is not
// encoded.
func (r *Request) Encoded() []byte {
	if !r.state.Frozen() {
		return nil
	}
	return append([]byte(nil), r.encoded...)
}

// RawData returns the encoded request using the given encoding.
func (r *Request) RawData(e codec.Encoding) (string, error) {
	if !r.state.Frozen() {
		return "", errs.New(errs.EncodingError, "request is not encoded", errs.WithState(r.state))
	}
	return codec.Encode(r.encoded, e)
}

// Initialize initializes the request for the given context. PKCS#7 and CMC
// requests are initialized with an empty inner PKCS#10 request.
func (r *Request) Initialize(ctx Context) error {
	if r.state != Uninitialized {
		return errs.New(errs.AlreadyInitialized, "request is already initialized", errs.WithState(r.state))
	}
	switch ctx {
	case ContextUser, ContextMachine, ContextAdministratorForceMachine:
	default:
		return errs.New(errs.ValidationError, "enrollment context %s is not valid", ctx)
	}

	switch r.header.Kind {
	case PKCS10:
		r.payload = newPKCS10Data()
	case Certificate:
		r.payload = &certificateData{pkcs10Data: *newPKCS10Data()}
	case PKCS7, CMC:
		inner := New(PKCS10)
		if err := inner.Initialize(ctx); err != nil {
			return err
		}
		w := pkcs7Data{inner: inner}
		if r.header.Kind == PKCS7 {
			r.payload = &w
		} else {
			r.payload = &cmcData{pkcs7Data: w}
		}
	default:
		return errs.New(errs.ValidationError, "request kind %s is not valid", r.header.Kind)
	}
	r.header.Context = ctx
	r.state = Initialized
	return nil
}

// initializeWith initializes the request and applies fn to the request that
// carries the subject and the key, the request itself or its inner request.
func (r *Request) initializeWith(ctx Context, fn func(p *Request) error) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	target := r
	if w, ok := r.payload.(wrapper); ok {
		target = w.wrapped().inner
	}
	if err := fn(target); err != nil {
		return err
	}
	r.touch()
	return nil
}

// InitializeFromPrivateKey initializes the request with the given key.
func (r *Request) InitializeFromPrivateKey(ctx Context, key *apiv1.KeyHandle) error {
	return r.initializeWith(ctx, func(p *Request) error {
		return p.SetKey(key)
	})
}

// InitializeFromPublicKey initializes the request with a public key only.
// Requests without a private key must be null signed.
func (r *Request) InitializeFromPublicKey(ctx Context, pub crypto.PublicKey) error {
	return r.initializeWith(ctx, func(p *Request) error {
		return p.SetPublicKey(pub)
	})
}

// InitializeFromTemplateName initializes the request with the certificate
// template name extension.
func (r *Request) InitializeFromTemplateName(ctx Context, name string) error {
	return r.initializeWith(ctx, func(p *Request) error {
		ext, err := x509util.NewTemplateName(name)
		if err != nil {
			return err
		}
		return p.AddExtension(ext)
	})
}

// InitializeFromInnerRequest initializes a PKCS#7 or CMC request wrapping
// inner. PKCS#7 requests wrap PKCS#10 requests, CMC requests wrap PKCS#10 or
// PKCS#7 requests.
func (r *Request) InitializeFromInnerRequest(ctx Context, inner *Request) error {
	if inner == nil || inner.state == Uninitialized {
		return errs.New(errs.ValidationError, "inner request is not initialized")
	}
	switch {
	case r.header.Kind == PKCS7 && inner.Kind() == PKCS10:
	case r.header.Kind == CMC && (inner.Kind() == PKCS10 || inner.Kind() == PKCS7):
	default:
		return errs.New(errs.ValidationError, "a %s request cannot wrap a %s request", r.header.Kind, inner.Kind())
	}
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.payload.(wrapper).wrapped().inner = inner
	r.touch()
	return nil
}

// InnerRequest returns the request wrapped by a PKCS#7 or CMC request.
func (r *Request) InnerRequest(level InnerLevel) (*Request, error) {
	w, ok := r.payload.(wrapper)
	if !ok || w.wrapped().inner == nil {
		return nil, errs.New(errs.NoInnerRequest, "%s requests do not wrap other requests", r.header.Kind)
	}
	inner := w.wrapped().inner
	if level == Next {
		return inner, nil
	}
	for {
		w, ok := inner.payload.(wrapper)
		if !ok || w.wrapped().inner == nil {
			return inner, nil
		}
		inner = w.wrapped().inner
	}
}

// innermost returns the innermost request, r itself if it does not wrap one.
func (r *Request) innermost() *Request {
	if inner, err := r.InnerRequest(Innermost); err == nil {
		return inner
	}
	return r
}

// Subject returns the subject of the request, or of the innermost request for
// PKCS#7 and CMC requests.
func (r *Request) Subject() *x509util.DistinguishedName {
	if p := r.innermost().fields(); p != nil {
		return p.subject
	}
	return nil
}

// PublicKey returns the public key of the request, or of the innermost
// request for PKCS#7 and CMC requests.
func (r *Request) PublicKey() crypto.PublicKey {
	if p := r.innermost().fields(); p != nil {
		return p.publicKey
	}
	return nil
}

// Key returns the private key handle bound to the request, if any.
func (r *Request) Key() *apiv1.KeyHandle {
	if p := r.innermost().fields(); p != nil {
		return p.key
	}
	return nil
}

// KeyRequest returns the description of the key that must be created for a
// request initialized from a certificate with a new key.
func (r *Request) KeyRequest() *apiv1.CreateKeyRequest {
	if p := r.innermost().fields(); p != nil && p.keyRequest != nil {
		req := *p.keyRequest
		return &req
	}
	return nil
}

// Extensions returns a copy of the extensions of the request.
func (r *Request) Extensions() *x509util.Extensions {
	if p := r.innermost().fields(); p != nil {
		return p.extensions.Clone()
	}
	return new(x509util.Extensions)
}

// Attributes returns a copy of the attributes of the request.
func (r *Request) Attributes() *x509util.Attributes {
	if p := r.innermost().fields(); p != nil {
		return p.attributes.Clone()
	}
	return new(x509util.Attributes)
}

// ReuseKey returns true if the request renews a certificate with its key.
func (r *Request) ReuseKey() bool {
	if p := r.innermost().fields(); p != nil {
		return p.reuseKey
	}
	return false
}

// SmartCard returns true if the key of the request is on a smart card.
func (r *Request) SmartCard() bool {
	if p := r.innermost().fields(); p != nil {
		return p.smartCard
	}
	return false
}

// SignatureInfo returns the signature information used to sign the request.
// The default for the request key is returned if none is configured.
func (r *Request) SignatureInfo() (signature.Info, error) {
	info, pub := r.signatureConfig()
	if info != nil {
		return *info, nil
	}
	if pub == nil {
		return signature.Info{}, errs.New(errs.ValidationError, "request does not have a public key")
	}
	return signature.Default(pub)
}

func (r *Request) signatureConfig() (*signature.Info, crypto.PublicKey) {
	switch p := r.payload.(type) {
	case *pkcs10Data:
		return p.signatureInfo, p.publicKey
	case *certificateData:
		return p.signatureInfo, p.publicKey
	case wrapper:
		w := p.wrapped()
		var pub crypto.PublicKey
		if len(w.signers) > 0 {
			pub = w.signers[0].Certificate.PublicKey
		} else if inner := r.innermost(); inner != r {
			pub = inner.PublicKey()
		}
		return w.signatureInfo, pub
	default:
		return nil, nil
	}
}

// fields returns the subject and key fields of PKCS#10 and certificate
// requests.
func (r *Request) fields() *pkcs10Data {
	switch p := r.payload.(type) {
	case *pkcs10Data:
		return p
	case *certificateData:
		return &p.pkcs10Data
	default:
		return nil
	}
}

func (r *Request) touch() {
	if r.state == Initialized {
		r.state = Populated
	}
}

// mutable returns an error if the request cannot be modified.
func (r *Request) mutable() error {
	switch {
	case r.state == Uninitialized:
		return errs.New(errs.ValidationError, "request is not initialized", errs.WithState(r.state))
	case r.state.Frozen():
		return errs.New(errs.RequestFrozen, "request cannot be modified after encode", errs.WithState(r.state))
	default:
		return nil
	}
}

// mutableFields returns the subject and key fields if the request can be
// modified.
func (r *Request) mutableFields(op string) (*pkcs10Data, error) {
	if err := r.mutable(); err != nil {
		return nil, err
	}
	p := r.fields()
	if p == nil {
		return nil, errs.New(errs.ValidationError, "%s is not supported by %s requests", op, r.header.Kind)
	}
	return p, nil
}

// mutableWrapper returns the wrapper fields if the request can be modified.
func (r *Request) mutableWrapper(op string) (*pkcs7Data, error) {
	if err := r.mutable(); err != nil {
		return nil, err
	}
	w, ok := r.payload.(wrapper)
	if !ok {
		return nil, errs.New(errs.ValidationError, "%s is not supported by %s requests", op, r.header.Kind)
	}
	return w.wrapped(), nil
}

// mutableCMC returns the CMC fields if the request can be modified.
func (r *Request) mutableCMC(op string) (*cmcData, error) {
	if err := r.mutable(); err != nil {
		return nil, err
	}
	p, ok := r.payload.(*cmcData)
	if !ok {
		return nil, errs.New(errs.ValidationError, "%s is not supported by %s requests", op, r.header.Kind)
	}
	return p, nil
}
