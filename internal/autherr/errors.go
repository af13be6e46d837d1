// Package autherr defines the error taxonomy shared by the credential store,
// the refresh engine, the session store and the HTTP gateway. Errors are
// classified where they originate and carried upward unchanged so that only the
// gateway decides how a kind is presented to a user.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a short machine readable classification of an authentication failure.
type Kind string

const (
	// KindNotFound means no credential or session exists for the identity.
	KindNotFound Kind = "not_found"
	// KindInvalidState means an OAuth callback state was missing, expired or reused.
	KindInvalidState Kind = "invalid_state"
	// KindAccessDenied covers identity mismatches and backend permission failures.
	KindAccessDenied Kind = "access_denied"
	// KindBackendUnavailable means storage or the identity provider could not be reached.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindTerminalAuthFailure means the provider rejected the refresh token.
	KindTerminalAuthFailure Kind = "terminal_auth_failure"
	// KindCorrupt means a stored record could not be parsed.
	KindCorrupt Kind = "corrupt"
	// KindInsufficientScope means the stored grant lacks scopes the caller requires.
	KindInsufficientScope Kind = "insufficient_scope"
	// KindInvalidRequest means the caller supplied malformed input.
	KindInvalidRequest Kind = "invalid_request"
)

// Sentinels usable with errors.Is. They match any *Error of the same kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrAccessDenied        = &Error{Kind: KindAccessDenied}
	ErrBackendUnavailable  = &Error{Kind: KindBackendUnavailable}
	ErrTerminalAuthFailure = &Error{Kind: KindTerminalAuthFailure}
	ErrCorrupt             = &Error{Kind: KindCorrupt}
	ErrInsufficientScope   = &Error{Kind: KindInsufficientScope}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
)

// Error describes a classified authentication failure. Message and Identity
// never carry token material.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind Kind `json:"kind"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Identity optionally records which user the failure concerns.
	Identity string `json:"identity,omitempty"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// New builds a classified error with a formatted message.
func New(kind Kind, identity, format string, args ...any) *Error {
	return &Error{Kind: kind, Identity: identity, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, identity string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Identity: identity, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Identity != "" {
		msg = fmt.Sprintf("%s (identity %s)", msg, e.Identity)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Message != "" || t.Identity != "" {
		return e == t
	}
	return e.Kind == t.Kind
}

// StatusCode maps the kind onto an HTTP status for the gateway.
func (e *Error) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindNotFound, KindTerminalAuthFailure, KindInsufficientScope:
		return http.StatusUnauthorized
	case KindInvalidState, KindInvalidRequest:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindCorrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable indicates whether retrying the same call might succeed.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindBackendUnavailable
}

// RequiresReauth reports whether the user must go through the OAuth flow again.
func (e *Error) RequiresReauth() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindNotFound, KindTerminalAuthFailure, KindInsufficientScope, KindCorrupt:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
