// Package shared holds the identifiers and error categories every domain
// package agrees on.
package shared

import (
	"errors"
	"fmt"
)

// Categories. Domain errors wrap exactly one of these so the HTTP layer
// and the queue worker can decide on a status or a retry without knowing
// the concrete error.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
)

// DomainError carries a stable machine-readable code alongside the message
// that ends up in API responses and webhook payloads.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError builds a DomainError. err is usually a category sentinel
// or a join of one with the underlying cause.
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first DomainError in err's chain, or "".
func CodeOf(err error) string {
	var de *DomainError
	if !errors.As(err, &de) {
		return ""
	}
	return de.Code
}

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
