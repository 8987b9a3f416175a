package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrAccountDeactivated is an ErrUnauthenticated that callers can message differently.
	ErrAccountDeactivated = fmt.Errorf("%w: account deactivated", ErrUnauthenticated)
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	// ErrUnavailable marks a transient user store failure.
	ErrUnavailable = errors.New("auth: user store unavailable")
)
