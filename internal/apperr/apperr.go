// Package apperr defines the error taxonomy shared by the device-facing core.
// Each error carries a Kind that maps to exactly one HTTP status, so handlers
// never decide status codes on their own.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation to callers.
type Kind int

const (
	KindInternal   Kind = iota // unclassified; 500
	KindValidation             // malformed or missing input; 400
	KindAuth                   // invalid or expired credential; 401
	KindNotFound               // unknown device or config; 404
	KindConflict               // uniqueness violation; 409
	KindTransient              // storage unavailable, safe to retry; 503
)

// AuthReason distinguishes expired credentials from otherwise invalid ones.
type AuthReason string

const (
	AuthExpired AuthReason = "expired"
	AuthInvalid AuthReason = "invalid"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a classified error. Msg is safe to show to the caller; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind   Kind
	Reason AuthReason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a 400-class error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Expired returns an AuthError for a credential past its expiry.
func Expired(msg string, cause error) error {
	return &Error{Kind: KindAuth, Reason: AuthExpired, Msg: msg, Err: cause}
}

// Invalid returns an AuthError for a credential that does not verify.
func Invalid(msg string, cause error) error {
	return &Error{Kind: KindAuth, Reason: AuthInvalid, Msg: msg, Err: cause}
}

// NotFound returns a 404-class error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a 409-class error.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a storage failure that the caller may retry.
func Transient(msg string, cause error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the auth reason, or "" for non-auth errors.
func ReasonOf(err error) AuthReason {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindAuth {
		return e.Reason
	}
	return ""
}

// HTTPStatus maps err to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe message. Internal errors never leak
// their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal error"
}

// problemBase is the RFC 7807 type URI prefix for classified errors.
const problemBase = "https://sunlink.dev/problems/"

// WriteProblem renders err as an RFC 7807 problem+json response.
func WriteProblem(w http.ResponseWriter, instance string, err error) {
	status := HTTPStatus(err)
	body := map[string]any{
		"type":     problemBase + KindOf(err).String(),
		"title":    http.StatusText(status),
		"status":   status,
		"detail":   PublicMessage(err),
		"instance": instance,
	}
	if reason := ReasonOf(err); reason != "" {
		body["reason"] = string(reason)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
