package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallstep/enrollment/errs"
)

type mockTransport struct {
	blob *PolicyBlob
	resp *SubmitResponse
	err  error
}

func (m *mockTransport) FetchPolicy(ctx context.Context, url string, auth AuthFlags) (*PolicyBlob, error) {
	return m.blob, m.err
}

func (m *mockTransport) SubmitRequest(ctx context.Context, caConfig string, encoded []byte) (*SubmitResponse, error) {
	return m.resp, m.err
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "unknown", DispositionUnknown.String())
	assert.Equal(t, "issued", DispositionIssued.String())
	assert.Equal(t, "pending", DispositionPending.String())
	assert.Equal(t, "denied", DispositionDenied.String())
	assert.Equal(t, "unknown", Disposition(42).String())
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	blob := &PolicyBlob{Data: []byte(`{}`), ChangeToken: "1"}

	got, err := Fetch(ctx, &mockTransport{blob: blob}, "https://policy.example.com", AuthAnonymous)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	tests := []struct {
		name      string
		transport PolicyTransport
		msg       string
	}{
		{"nil", nil, "policy transport is not configured"},
		{"error", &mockTransport{err: errors.New("connection refused")}, "error fetching policy from https://policy.example.com: connection refused"},
		{"empty", &mockTransport{}, "error fetching policy from https://policy.example.com: empty response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Fetch(ctx, tc.transport, "https://policy.example.com", AuthKerberos)
			assert.Equal(t, errs.TransportError, errs.KindOf(err))
			assert.EqualError(t, err, tc.msg)
		})
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	resp := &SubmitResponse{Disposition: DispositionPending, RequestID: "7"}

	got, err := Submit(ctx, &mockTransport{resp: resp}, `ca\CA`, []byte("request"))
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	_, err = Submit(ctx, nil, `ca\CA`, nil)
	assert.Equal(t, errs.TransportError, errs.KindOf(err))
	_, err = Submit(ctx, &mockTransport{}, `ca\CA`, nil)
	assert.Equal(t, errs.TransportError, errs.KindOf(err))

	// Errors with a kind keep it.
	_, err = Submit(ctx, &mockTransport{err: errs.New(errs.UserCancelled, "cancelled")}, `ca\CA`, nil)
	assert.Equal(t, errs.UserCancelled, errs.KindOf(err))
	assert.EqualError(t, err, `error submitting request to ca\CA: cancelled`)
}

func TestPrompt(t *testing.T) {
	ctx := context.Background()
	var gotContext string
	ui := CredentialUIFunc(func(ctx context.Context, uiContext string) (*Credential, error) {
		gotContext = uiContext
		return &Credential{Secret: []byte("1234")}, nil
	})

	c, err := Prompt(ctx, ui, "Enter the PIN", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), c.Secret)
	assert.Equal(t, "Enter the PIN", gotContext)

	_, err = Prompt(ctx, ui, "", true)
	assert.Equal(t, errs.InteractionRequired, errs.KindOf(err))
	_, err = Prompt(ctx, nil, "", false)
	assert.Equal(t, errs.InteractionRequired, errs.KindOf(err))

	_, err = Prompt(ctx, CredentialUIFunc(func(context.Context, string) (*Credential, error) {
		return nil, errors.New("dismissed")
	}), "", false)
	assert.Equal(t, errs.UserCancelled, errs.KindOf(err))
	_, err = Prompt(ctx, CredentialUIFunc(func(context.Context, string) (*Credential, error) {
		return nil, nil
	}), "", false)
	assert.Equal(t, errs.UserCancelled, errs.KindOf(err))
}
