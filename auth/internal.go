package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"git.sr.ht/~luteus/luteus/config"
)

type internal struct{}

func NewInternal() PlainAuthenticator {
	return internal{}
}

func (internal) AuthPlain(ctx context.Context, user *config.User, password string) error {
	if user.Password == "" {
		return newInvalidCredentialsError(fmt.Errorf("password auth disabled"))
	}

	err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password))
	if err != nil {
		return newInvalidCredentialsError(fmt.Errorf("wrong password: %v", err))
	}
	return nil
}
