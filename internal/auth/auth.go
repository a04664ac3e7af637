// Package auth validates bearer tokens presented by connecting clients.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken is returned for missing, malformed or unknown tokens.
var ErrInvalidToken = errors.New("invalid token")

// Validator checks a bearer token and resolves the owning user.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// StaticValidator accepts a single preconfigured token. It stands in for
// a real identity provider in single-tenant deployments.
type StaticValidator struct {
	token  string
	userID string
}

// NewStaticValidator builds a validator for one token/user pair.
func NewStaticValidator(token, userID string) *StaticValidator {
	return &StaticValidator{token: token, userID: userID}
}

// Validate compares the presented token in constant time.
func (v *StaticValidator) Validate(_ context.Context, token string) (string, error) {
	if v.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return "", ErrInvalidToken
	}
	return v.userID, nil
}
