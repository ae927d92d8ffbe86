// Package errors carries typed error kinds across component boundaries.
// Components never render HTTP themselves; rendering only happens at the
// orchestrator/router boundary via ToHTTP / ToDashboardHTTP.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories a component boundary can raise.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindNoCapacity        Kind = "no_capacity"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindIntegrity         Kind = "integrity"
	KindCancellation      Kind = "cancellation"
	KindInternal          Kind = "internal"
)

// AppError is the typed error carried across component boundaries.
type AppError struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "ip_forbidden"
	Message string // human-readable message safe to return to the caller
	Status  int    // suggested HTTP status; the renderer may still override it
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError with no wrapped cause.
func New(kind Kind, status int, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Status: status}
}

// Newf is New with a formatted message.
func Newf(kind Kind, status int, code, format string, args ...any) *AppError {
	return New(kind, status, code, fmt.Sprintf(format, args...))
}

// Wrap attaches kind/code/message to an underlying error while preserving it
// for errors.Is/As and logging.
func Wrap(cause error, kind Kind, status int, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Status: status, Cause: cause}
}

// FromError extracts an *AppError from err, or nil if err does not carry one.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Is reports whether err is (or wraps) an AppError of the given kind.
func Is(err error, kind Kind) bool {
	appErr := FromError(err)
	return appErr != nil && appErr.Kind == kind
}
