package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	ErrMissingToken    = errors.New("id token is required")
	ErrUnverifiedEmail = errors.New("google account email is not verified")
	ErrMissingEmail    = errors.New("google token missing email claim")
)

type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
	AvatarURL     string
}

// TokenValidator checks a Google ID token for an audience. *idtoken.Validator
// satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// NewGoogleValidator builds the validator once at startup so every login
// shares its HTTP client and certificate cache.
func NewGoogleValidator(ctx context.Context) (*idtoken.Validator, error) {
	v, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("create google id token validator: %w", err)
	}
	return v, nil
}

type Verifier struct {
	validator TokenValidator
	clientID  string
}

func NewVerifier(validator TokenValidator, clientID string) Verifier {
	return Verifier{validator: validator, clientID: clientID}
}

func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, ErrMissingToken
	}
	if v.validator == nil {
		return GoogleIdentity{}, errors.New("google sign-in is not configured")
	}

	payload, err := v.validator.Validate(ctx, idToken, v.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}
	return identityFromClaims(payload)
}

func identityFromClaims(payload *idtoken.Payload) (GoogleIdentity, error) {
	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return GoogleIdentity{}, ErrMissingEmail
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		Name:          strings.TrimSpace(name),
		AvatarURL:     strings.TrimSpace(picture),
	}, nil
}
