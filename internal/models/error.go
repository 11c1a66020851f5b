package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Gatekeeper errors
	ErrRateLimited = errors.New("too many attempts")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountSuspended = errors.New("account is suspended")
	ErrEmailNotVerified = errors.New("email address not verified")
	ErrMFARequired      = errors.New("mfa code required")
	ErrMFAInvalidCode   = errors.New("invalid mfa code")
)
