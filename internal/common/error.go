// Package common defines shared constants and sentinel errors used across
// client and server layers of Roomies. Callers should use errors.Is and
// errors.As to match these values.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors.
	ErrInternal        = errors.New("internal error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrVersionConflict = errors.New("version conflict")
	ErrValidation      = errors.New("validation error")

	// Auth errors.
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrIdentifierInUse     = errors.New("identifier already in use")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrReauthRequired      = errors.New("session expired, sign in again")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Transport errors.
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrTimeout            = errors.New("request timed out")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError is a shorthand for &ValidationError{...}.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ServerError is a non-2xx response that does not map onto a sentinel.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *ServerError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// DecodingError wraps a response body that could not be decoded.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string { return "decoding response: " + e.Err.Error() }

func (e *DecodingError) Unwrap() error { return e.Err }

// VersionConflictError carries the server's current state of an entity whose
// write was rejected because the client's base version was stale.
type VersionConflictError struct {
	Current         json.RawMessage
	LastMutationKey string
}

func (e *VersionConflictError) Error() string { return ErrVersionConflict.Error() }

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
