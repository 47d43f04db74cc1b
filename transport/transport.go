// Package transport declares the collaborators the enrollment engine uses to
// reach policy servers and certification authorities, and to prompt for
// credentials. Implementations live outside this module.
package transport

import (
	"context"
	"time"

	"github.com/smallstep/enrollment/errs"
)

// AuthFlags identify how a client authenticates to a policy server.
type AuthFlags int

// Supported authentication methods.
const (
	AuthAnonymous AuthFlags = 1 << iota
	AuthKerberos
	AuthUsernamePassword
	AuthClientCertificate
)

// Disposition is the status returned by a CA for a submitted request.
type Disposition int

// CA dispositions.
const (
	DispositionUnknown Disposition = iota
	DispositionIssued
	DispositionPending
	DispositionDenied
)

// String implements the fmt.Stringer interface.
func (d Disposition) String() string {
	switch d {
	case DispositionIssued:
		return "issued"
	case DispositionPending:
		return "pending"
	case DispositionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// PolicyBlob is the raw policy document returned by a policy server. The
// engine decodes Data as JSON.
type PolicyBlob struct {
	Data []byte
	// ChangeToken identifies the policy revision. It is compared against the
	// token kept in the local store to detect changes.
	ChangeToken string
	// NextUpdate is the time the server suggests for the next refresh.
	NextUpdate time.Time
}

// SubmitResponse is the answer of a CA to a submitted request.
type SubmitResponse struct {
	Disposition Disposition
	// Certificate is the encoded response, a certificate or a PKCS#7
	// certificate chain, present when the request was issued.
	Certificate []byte
	RequestID   string
	Message     string
}

// PolicyTransport fetches policies and submits requests. Errors are returned
// as is and never retried by the engine.
type PolicyTransport interface {
	FetchPolicy(ctx context.Context, url string, auth AuthFlags) (*PolicyBlob, error)
	SubmitRequest(ctx context.Context, caConfig string, encoded []byte) (*SubmitResponse, error)
}

// Credential is a secret collected from the user, usually a PIN.
type Credential struct {
	Secret []byte
}

// CredentialUI prompts the user for a credential. It must return an
// errs.UserCancelled error if the user dismisses the prompt.
type CredentialUI interface {
	PromptCredential(ctx context.Context, uiContext string) (*Credential, error)
}

// CredentialUIFunc is an adapter to use a function as a CredentialUI.
type CredentialUIFunc func(ctx context.Context, uiContext string) (*Credential, error)

// PromptCredential implements the CredentialUI interface.
func (fn CredentialUIFunc) PromptCredential(ctx context.Context, uiContext string) (*Credential, error) {
	return fn(ctx, uiContext)
}

// Fetch calls t.FetchPolicy and annotates failures as transport errors.
func Fetch(ctx context.Context, t PolicyTransport, url string, auth AuthFlags) (*PolicyBlob, error) {
	if t == nil {
		return nil, errs.New(errs.TransportError, "policy transport is not configured")
	}
	blob, err := t.FetchPolicy(ctx, url, auth)
	if err != nil {
		return nil, errs.Wrapf(errs.TransportError, err, "error fetching policy from %s", url)
	}
	if blob == nil {
		return nil, errs.New(errs.TransportError, "error fetching policy from %s: empty response", url)
	}
	return blob, nil
}

// Submit calls t.SubmitRequest and annotates failures as transport errors.
func Submit(ctx context.Context, t PolicyTransport, caConfig string, encoded []byte) (*SubmitResponse, error) {
	if t == nil {
		return nil, errs.New(errs.TransportError, "policy transport is not configured")
	}
	resp, err := t.SubmitRequest(ctx, caConfig, encoded)
	if err != nil {
		return nil, errs.Wrapf(errs.TransportError, err, "error submitting request to %s", caConfig)
	}
	if resp == nil {
		return nil, errs.New(errs.TransportError, "error submitting request to %s: empty response", caConfig)
	}
	return resp, nil
}

// Prompt asks ui for a credential. A nil ui, or silent mode, results in an
// errs.InteractionRequired error. Cancellation errors are kept as they are.
func Prompt(ctx context.Context, ui CredentialUI, uiContext string, silent bool) (*Credential, error) {
	if silent {
		return nil, errs.New(errs.InteractionRequired, "a credential is required but the request is silent")
	}
	if ui == nil {
		return nil, errs.New(errs.InteractionRequired, "a credential is required but no credential UI is available")
	}
	c, err := ui.PromptCredential(ctx, uiContext)
	if err != nil {
		return nil, errs.Wrap(errs.UserCancelled, err, "error prompting for credential")
	}
	if c == nil {
		return nil, errs.New(errs.UserCancelled, "credential prompt returned no credential")
	}
	return c, nil
}
