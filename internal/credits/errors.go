package credits

import (
	"errors"
	"time"
)

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrPlanRestricted     = errors.New("model or attachment not available on current plan")
	ErrLoginRequired      = errors.New("login required")
	ErrInvalidSession     = errors.New("invalid session")
	ErrRateLimited        = errors.New("you have been rate limited")
	ErrUnknownModel       = errors.New("unknown model")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrDebitConflict      = errors.New("balance changed concurrently")
)

type CookieAction int

const (
	CookieKeep CookieAction = iota
	CookieSet
	CookieClear
)

// CookieDirective tells the transport what to do with the caller's session
// cookie once the request completes.
type CookieDirective struct {
	Action  CookieAction
	Token   string
	Expires time.Time
}

// AuthorizationError is a refusal that also carries a cookie directive, so
// a revoked session can be cleared even though the turn is rejected.
type AuthorizationError struct {
	Err    error
	Cookie CookieDirective
}

func (e *AuthorizationError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

func refuse(err error, cookie CookieDirective) error {
	return &AuthorizationError{Err: err, Cookie: cookie}
}
