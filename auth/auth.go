package auth

import (
	"context"
	"fmt"

	"git.sr.ht/~luteus/luteus/config"
)

type PlainAuthenticator interface {
	AuthPlain(ctx context.Context, user *config.User, password string) error
}

func New(driver string) (PlainAuthenticator, error) {
	switch driver {
	case "internal":
		return NewInternal(), nil
	case "pam":
		return newPAM()
	default:
		return nil, fmt.Errorf("unknown auth driver %q", driver)
	}
}

// Error is returned when the supplied credentials are rejected. Other errors
// indicate a failure of the authentication backend.
type Error struct {
	InternalErr error
}

func (err *Error) Error() string {
	return fmt.Sprintf("auth error: %v", err.InternalErr)
}

func (err *Error) Unwrap() error {
	return err.InternalErr
}

func newInvalidCredentialsError(err error) *Error {
	return &Error{InternalErr: err}
}
