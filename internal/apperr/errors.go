// Package apperr defines the error kinds shared by the relay core and its transports.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is or the IsXxx helpers to classify an error.
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidReference = errors.New("invalid reference")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUpstream         = errors.New("upstream error")
	ErrStore            = errors.New("store error")
)

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

// UserMessage returns the message without internal cause details.
func (e *Error) UserMessage() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidReference(format string, args ...any) error {
	return &Error{Kind: ErrInvalidReference, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

func Forbidden(resource, id string) error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf("%s %q belongs to another user", resource, id)}
}

// Upstream wraps a completion service failure.
func Upstream(message string, err error) error {
	return &Error{Kind: ErrUpstream, Message: message, Err: err}
}

// Store wraps a persistence failure. The op names what was attempted.
func Store(op string, err error) error {
	return &Error{Kind: ErrStore, Message: op + " failed", Err: err}
}

func IsValidation(err error) bool       { return errors.Is(err, ErrValidation) }
func IsInvalidReference(err error) bool { return errors.Is(err, ErrInvalidReference) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool        { return errors.Is(err, ErrForbidden) }
func IsUpstream(err error) bool         { return errors.Is(err, ErrUpstream) }
func IsStore(err error) bool            { return errors.Is(err, ErrStore) }

// UserMessage extracts a client-safe message from err.
// Errors that are not *Error yield a generic message.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return "internal error"
}
