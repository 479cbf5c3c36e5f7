package auth

import "errors"

// Credential errors
var (
	// ErrReauthRequired means cached authorization is unusable and the
	// interactive consent flow has to be run again.
	ErrReauthRequired = errors.New("reauthentication required")

	ErrRevoked           = errors.New("credential revoked")
	ErrNotFound          = errors.New("credential not found")
	ErrInvalidTransition = errors.New("invalid credential state transition")
	ErrCorruptCredential = errors.New("stored credential cannot be opened")
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrStateMismatch     = errors.New("oauth state mismatch")
	ErrConsentDenied     = errors.New("consent denied")
)
