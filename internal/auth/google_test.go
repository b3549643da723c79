package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"
)

type fakeValidator struct {
	payload  *idtoken.Payload
	err      error
	audience string
	calls    int
}

func (f *fakeValidator) Validate(_ context.Context, _ string, audience string) (*idtoken.Payload, error) {
	f.calls++
	f.audience = audience
	return f.payload, f.err
}

func TestVerifyReturnsIdentity(t *testing.T) {
	fake := &fakeValidator{payload: &idtoken.Payload{
		Subject: "sub-1",
		Claims: map[string]any{
			"email":          " User@Example.com ",
			"email_verified": true,
			"name":           " Ada ",
			"picture":        "https://img.test/a.png",
		},
	}}

	identity, err := NewVerifier(fake, "client-id").Verify(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "client-id", fake.audience)
	assert.Equal(t, GoogleIdentity{
		GoogleSubject: "sub-1",
		Email:         "user@example.com",
		Name:          "Ada",
		AvatarURL:     "https://img.test/a.png",
	}, identity)
}

func TestVerifyRejectsUnverifiedEmail(t *testing.T) {
	fake := &fakeValidator{payload: &idtoken.Payload{
		Subject: "sub-1",
		Claims:  map[string]any{"email": "a@example.com", "email_verified": false},
	}}

	_, err := NewVerifier(fake, "client-id").Verify(context.Background(), "token")
	require.ErrorIs(t, err, ErrUnverifiedEmail)
}

func TestVerifyRejectsMissingEmail(t *testing.T) {
	fake := &fakeValidator{payload: &idtoken.Payload{Subject: "sub-1", Claims: map[string]any{}}}

	_, err := NewVerifier(fake, "client-id").Verify(context.Background(), "token")
	require.ErrorIs(t, err, ErrMissingEmail)
}

func TestVerifyWrapsValidatorError(t *testing.T) {
	bad := errors.New("bad signature")
	fake := &fakeValidator{err: bad}

	_, err := NewVerifier(fake, "client-id").Verify(context.Background(), "token")
	require.ErrorIs(t, err, bad)
}

func TestVerifyRequiresToken(t *testing.T) {
	fake := &fakeValidator{}

	_, err := NewVerifier(fake, "client-id").Verify(context.Background(), "  ")
	require.ErrorIs(t, err, ErrMissingToken)
	assert.Zero(t, fake.calls)
}
