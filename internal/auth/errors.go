package auth

import "errors"

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: conflict")
)
