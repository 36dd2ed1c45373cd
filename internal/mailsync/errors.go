package mailsync

import (
	"errors"
	"fmt"
)

// ErrReauthRequired means the stored refresh token was rejected as revoked or
// invalid. Terminal for automated recovery: the account flips to the error
// state and is never retried until the user reconnects it.
var ErrReauthRequired = errors.New("reauth required")

// TransientError wraps network/5xx/rate-limit failures. The orchestrator
// retries these with backoff; adapters never retry internally.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AuthError means the provider rejected the access token (401 class). The
// caller routes it back through the vault for one refresh attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("token invalid: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Auth wraps err as a token-invalid failure.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &AuthError{Err: err}
}

// IsAuth reports whether err is a token-invalid failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
