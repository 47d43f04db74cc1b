package enroll

import (
	"context"

	"github.com/google/uuid"

	"github.com/smallstep/enrollment/codec"
	"github.com/smallstep/enrollment/db"
	"github.com/smallstep/enrollment/errs"
	"github.com/smallstep/enrollment/policyserver"
	"github.com/smallstep/enrollment/transport"
)

// CreateRequest encodes the request and stores it as a pending request. It
// returns the request in the given encoding. Once created, the same request
// is returned on every call.
func (e *Enrollment) CreateRequest(ctx context.Context, enc codec.Encoding) (string, error) {
	if !e.initialized {
		return "", errs.New(errs.ValidationError, "enrollment is not initialized")
	}
	if e.pending != nil {
		return e.req.RawData(enc)
	}
	if e.silent && e.template != nil && e.template.EnrollmentFlags&policyserver.UserInteractionRequired != 0 {
		return "", errs.New(errs.InteractionRequired, "template %s requires user interaction", e.template.CommonName)
	}

	err := e.req.Encode(ctx)
	e.meter.RequestEncoded(e.req.Kind().String(), err)
	if e.req.Key() != nil && (err == nil || errs.Is(err, errs.SignatureError)) {
		e.meter.KMSSigned(err)
	}
	if err != nil {
		e.log(ctx).WithError(err).Error("error encoding request")
		return "", err
	}

	pr, err := e.newPendingRequest()
	if err != nil {
		return "", err
	}
	if err := e.store.StorePendingRequest(pr); err != nil {
		return "", errs.Wrap(errs.InstallError, err, "error storing pending request")
	}
	e.pending = pr
	e.log(ctx).Info("request created")
	return e.req.RawData(enc)
}

func (e *Enrollment) newPendingRequest() (*db.PendingRequest, error) {
	hash, err := publicKeyHash(e.req.PublicKey())
	if err != nil {
		return nil, err
	}
	pr := &db.PendingRequest{
		ID:            uuid.NewString(),
		Context:       e.ctx.String(),
		Kind:          e.req.Kind().String(),
		Encoded:       e.req.Encoded(),
		PublicKeyHash: hash,
		CAConfig:      e.caConfig,
		Template:      e.TemplateName(),
		CreatedAt:     e.now().UTC(),
	}
	if key := e.req.Key(); key != nil {
		pr.KeyContainer = key.Container
		pr.Provider = key.Provider
	}
	return pr, nil
}

// Submit sends the created request to the CA. Issued certificates are
// installed right away using the restrictions of the enrollment. A denied
// request returns an errs.RequestDenied error with the message of the CA.
func (e *Enrollment) Submit(ctx context.Context) (Status, error) {
	switch {
	case e.pending == nil:
		return StatusNone, errs.New(errs.ValidationError, "request has not been created")
	case e.caConfig == "":
		return StatusNone, errs.New(errs.ValidationError, "ca config cannot be empty")
	}

	resp, err := transport.Submit(ctx, e.transport, e.caConfig, e.pending.Encoded)
	if err != nil {
		e.meter.RequestSubmitted("error", err)
		e.log(ctx).WithError(err).Error("error submitting request")
		return StatusNone, err
	}
	e.statusText = resp.Message
	if resp.RequestID != "" {
		e.requestID = resp.RequestID
	}

	switch resp.Disposition {
	case transport.DispositionIssued:
		e.meter.RequestSubmitted(resp.Disposition.String(), nil)
		if err := e.install(ctx, e.restrictions, resp.Certificate, ""); err != nil {
			return StatusNone, err
		}
	case transport.DispositionPending:
		e.meter.RequestSubmitted(resp.Disposition.String(), nil)
		e.pending.RequestID = e.requestID
		if err := e.store.StorePendingRequest(e.pending); err != nil {
			return StatusNone, errs.Wrap(errs.InstallError, err, "error storing pending request")
		}
		e.status = StatusPending
		e.log(ctx).WithField("status", e.status.String()).Info("request is pending")
	case transport.DispositionDenied:
		err := errs.New(errs.RequestDenied, "request denied by %s: %s", e.caConfig, resp.Message)
		e.meter.RequestSubmitted(resp.Disposition.String(), err)
		if err := e.store.DeletePendingRequest(e.pending.ID); err != nil {
			e.log(ctx).WithError(err).Warn("error deleting pending request")
		}
		e.status = StatusDenied
		e.log(ctx).WithField("status", e.status.String()).Warn("request denied")
		return StatusDenied, err
	default:
		err := errs.New(errs.TransportError, "unexpected disposition %s from %s", resp.Disposition, e.caConfig)
		e.meter.RequestSubmitted(resp.Disposition.String(), err)
		return StatusNone, err
	}
	return e.status, nil
}

// Enroll creates and submits the request. A silent enrollment that needs
// user interaction returns StatusUIDeferred and no error.
func (e *Enrollment) Enroll(ctx context.Context) (Status, error) {
	if _, err := e.CreateRequest(ctx, codec.Binary); err != nil {
		if errs.Is(err, errs.InteractionRequired) {
			e.status = StatusUIDeferred
			e.log(ctx).WithField("status", e.status.String()).Info("enrollment deferred")
			return StatusUIDeferred, nil
		}
		return StatusNone, err
	}
	return e.Submit(ctx)
}
