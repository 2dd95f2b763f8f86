// Package apperr defines the error kinds the service distinguishes and
// their HTTP status mapping, so every handler in internal/httpapi reports
// failures consistently instead of calling http.Error ad hoc.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purpose of HTTP status mapping and
// recovery behavior.
type Kind int

const (
	// Input marks a malformed request body or missing required field.
	Input Kind = iota
	// Auth marks a missing or invalid bearer token.
	Auth
	// Authorization marks access to a resource not owned by the caller.
	Authorization
	// NotFound marks a missing id.
	NotFound
	// External marks failures in an out-of-process collaborator (LLM,
	// embedding, Gmail, push, STT, store) that have a documented
	// deterministic fallback.
	External
	// DataIntegrity marks a foreign-key violation on the alert insert path.
	DataIntegrity
	// Programming marks anything else — logged and surfaced as a 500.
	Programming
)

// Error is the typed error carried through handler return paths.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

// HTTPStatus maps an error's Kind to the status code a handler should write.
// Errors that are not *Error are treated as Programming.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case Input:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case External:
		return http.StatusBadGateway
	case DataIntegrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to send to the client, never leaking
// internal error detail for Programming-kind failures.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == Programming {
		return "internal error"
	}
	return e.Msg
}
