// Package common defines shared constants and sentinel errors used across
// the security core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Lookup errors.
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")

	// System-class errors.
	ErrNotInitialized = errors.New("not initialized")
	ErrInternal       = errors.New("internal error")

	// Authentication-class errors.
	ErrDecryptFailed    = errors.New("decryption failed")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("expired")
	ErrMaxAttempts      = errors.New("maximum attempts exceeded")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidToken     = errors.New("invalid token")

	// Authorization-class errors.
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limit exceeded")

	// Validation-class errors.
	ErrValidation     = errors.New("validation error")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrBlocked        = errors.New("blocked")
)
