package app

import "errors"

var (
	// ErrInvalidCredentials is returned on bad username/password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrTokenInvalid is returned when a session token is missing, malformed or expired.
	ErrTokenInvalid = errors.New("invalid or expired token")
	// ErrForbidden is returned when the caller's role does not permit the operation.
	ErrForbidden = errors.New("operation not permitted")
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUsernameTaken is returned when registering a duplicate username.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrAlreadyFound is returned when resolving a case that is already resolved.
	ErrAlreadyFound = errors.New("case already marked as found")
	// ErrValidation is the base error for malformed input.
	ErrValidation = errors.New("invalid input")
	// ErrDependency is returned when a backing service (face model, object
	// storage) fails; the request may be retried.
	ErrDependency = errors.New("dependency unavailable")
)
