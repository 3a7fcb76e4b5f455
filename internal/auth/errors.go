package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")

	ErrMissingSecret = errors.New("auth secret is not configured")
)
