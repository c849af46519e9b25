package apperrors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	TypeFormat    ErrorType = "Format"    // Malformed object: bad version, truncated preamble
	TypeIntegrity ErrorType = "Integrity" // Digest mismatch after decode
	TypeAuth      ErrorType = "Auth"      // Wrong password on key unlock
	TypeToken     ErrorType = "Token"     // Hardware token missing, ambiguous or unresponsive
	TypeTransfer  ErrorType = "Transfer"  // Transient network/backend failure, retried
	TypeHistory   ErrorType = "History"   // No committed runs, unknown run selector
	TypeConfig    ErrorType = "Config"    // Invalid flags, missing required params
	TypeResource  ErrorType = "Resource"  // Permission denied, out of space, file not found
	TypeInternal  ErrorType = "Internal"  // Unexpected internal failure
)

// AppError is a rich error type that categorizes failures and carries hints for users.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Hint    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// IsType reports whether err is (or wraps) an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// TypeOf returns the ErrorType of err if it is (or wraps) an AppError,
// TypeInternal otherwise.
func TypeOf(err error) ErrorType {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return TypeInternal
}

// IsTransient reports whether err should be retried by the transfer loop.
// Only Transfer errors are retriable; everything else is terminal for the
// file that produced it.
func IsTransient(err error) bool {
	return TypeOf(err) == TypeTransfer
}

var (
	ErrIntegrityMismatch = New(TypeIntegrity, "Integrity failure", "Stored object content does not match its recorded digest. The object may be corrupt or tampered with.")
	ErrNoHistory         = New(TypeHistory, "No backup history", "The destination has no committed runs. Run a backup first, or rebuild the index from the destination.")
	ErrWrongPassword     = New(TypeAuth, "Key unlock failed", "The password does not match this destination's keystore.")
)
