package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind names the cause of a failure, independent of transport.
type ErrorKind string

const (
	// KindAuth indicates a missing, invalid or expired token, or an identity
	// rejected by an auth callback.
	KindAuth ErrorKind = "auth"

	// KindAuthorization indicates thread access was denied.
	KindAuthorization ErrorKind = "authorization"

	// KindConfig indicates a startup misconfiguration. It is the only fatal kind.
	KindConfig ErrorKind = "config"

	// KindUserCallback indicates an error returned or raised by developer code.
	KindUserCallback ErrorKind = "user_callback"

	// KindPersistence indicates a data layer failure.
	KindPersistence ErrorKind = "persistence"

	// KindAskTimeout indicates the user did not reply to an ask in time.
	KindAskTimeout ErrorKind = "ask_timeout"

	// KindAskCancelled indicates an ask was superseded or its session went away.
	KindAskCancelled ErrorKind = "ask_cancelled"

	// KindTransport indicates the client socket was unavailable.
	KindTransport ErrorKind = "transport"

	// KindNotFound indicates a missing thread, element, session or file.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidRequest indicates a malformed payload.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// Error is the canonical error type. Handlers translate it to an HTTP status
// or a chat error message depending on where it surfaces.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"detail"`

	// StatusCode overrides the default status for Kind when non-zero.
	StatusCode int `json:"-"`

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrAskTimeout) works
// for wrapped instances created with NewError.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HTTPStatusCode returns the HTTP status for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAskTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Sentinels. Compare with errors.Is.
var (
	ErrNoContext       = NewError(KindConfig, "no chat context bound")
	ErrAskTimeout      = &Error{Kind: KindAskTimeout}
	ErrAskCancelled    = &Error{Kind: KindAskCancelled}
	ErrSessionNotFound = NewError(KindNotFound, "session not found")
	ErrThreadNotFound  = NewError(KindNotFound, "thread not found")
	ErrElementNotFound = NewError(KindNotFound, "element not found")
	ErrUnauthorized    = NewError(KindAuth, "unauthorized")
	ErrForbidden       = NewError(KindAuthorization, "forbidden")
	ErrTransport       = &Error{Kind: KindTransport}
)

// ErrAuth creates an authentication error.
func ErrAuth(message string) *Error {
	return NewError(KindAuth, message)
}

// ErrAuthorization creates a thread access error.
func ErrAuthorization(message string) *Error {
	return NewError(KindAuthorization, message)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string) *Error {
	return NewError(KindConfig, message)
}

// ErrInvalidRequest creates an invalid payload error.
func ErrInvalidRequest(message string) *Error {
	return NewError(KindInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *Error {
	return NewError(KindNotFound, message)
}

// ErrPersistence wraps a data layer failure.
func ErrPersistence(op string, err error) *Error {
	return Wrap(KindPersistence, op, err)
}

// ErrUserCallback wraps a failure in developer code.
func ErrUserCallback(callback string, err error) *Error {
	return Wrap(KindUserCallback, callback, err)
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ToError converts any error to an *Error. Unknown errors are reported as
// KindUserCallback, which maps to a 500.
func ToError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindUserCallback, "internal error", err)
}
