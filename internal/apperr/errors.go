// Package apperr defines the error kinds shared by the realtime core, the message engine
// and the HTTP layer
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindNotFound
	KindForbidden
	KindValidation
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// AuthReason tells why a credential was rejected
type AuthReason string

const (
	ReasonExpired          AuthReason = "expired"
	ReasonMalformed        AuthReason = "malformed"
	ReasonSignatureInvalid AuthReason = "signature_invalid"
	ReasonIssuerInvalid    AuthReason = "issuer_invalid"
)

// Error is the error type returned by the core packages
type Error struct {
	Kind    Kind
	Message string
	Reason  AuthReason
	cause   error
}

func (e *Error) Error() string {
	if e.Kind == KindAuth && e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Auth reports a rejected credential
func Auth(reason AuthReason, cause error) *Error {
	return &Error{Kind: KindAuth, Message: "authentication failed", Reason: reason, cause: cause}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transport reports a failed delivery to a single connection
func Transport(connID string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: "delivery to " + connID + " failed", cause: cause}
}

// Internal wraps an unexpected failure, usually from persistence
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf returns the kind of err, KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsForbidden(err error) bool  { return err != nil && KindOf(err) == KindForbidden }
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsAuth(err error) bool       { return err != nil && KindOf(err) == KindAuth }

// ReasonOf returns the AuthReason carried by err, if any
func ReasonOf(err error) AuthReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// PublicMessage is the text an initiating client may see. Internal failures are not detailed
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps err to a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
