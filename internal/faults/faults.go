// Package faults defines the error kinds shared across the pipeline.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrExpired marks a session whose expiry has passed.
	ErrExpired = errors.New("session expired")
	// ErrBadSignature marks a session token whose signature does not verify.
	ErrBadSignature = errors.New("bad session signature")
	// ErrUnknownSession marks a record referencing a session that was never admitted.
	ErrUnknownSession = errors.New("unknown session")
	// ErrPartialFailure is returned when some records could not be persisted after retries.
	ErrPartialFailure = errors.New("partial ingestion failure")
)

// ValidationError reports malformed or out-of-bounds input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthenticationError rejects an ingestion session.
type AuthenticationError struct {
	SessionID string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for session %q: %v", e.SessionID, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// PersistenceError reports a store write that failed after its retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Key, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var a *AuthenticationError
	return errors.As(err, &a)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
