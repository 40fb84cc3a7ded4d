package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials       = errors.New("auth: invalid credentials")
	ErrInvalidOrExpiredAccess   = errors.New("auth: invalid or expired access credential")
	ErrInvalidOrConsumedRenewal = errors.New("auth: invalid or consumed renewal credential")
	ErrRoleMismatch             = errors.New("auth: role not permitted")
	ErrStoreUnavailable         = errors.New("auth: credential store unavailable")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// Reasons a store rejects a rotation. All of them match ErrInvalidOrConsumedRenewal.
var (
	ErrRenewalExpired  = fmt.Errorf("%w: expired", ErrInvalidOrConsumedRenewal)
	ErrRenewalRevoked  = fmt.Errorf("%w: revoked", ErrInvalidOrConsumedRenewal)
	ErrRenewalReplayed = fmt.Errorf("%w: already consumed", ErrInvalidOrConsumedRenewal)
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
