//go:build !pam

package auth

import (
	"errors"
)

func newPAM() (PlainAuthenticator, error) {
	return nil, errors.New("PAM support is disabled")
}
