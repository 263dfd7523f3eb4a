package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy of the gate. Every kind maps to a fixed
// HTTP status code and is surfaced to clients in the X-Error-Type header.
type Kind string

const (
	KindUpload         Kind = "UPLOAD_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindMime           Kind = "MIME_ERROR"
	KindExtension      Kind = "EXTENSION_ERROR"
	KindMemory         Kind = "MEMORY_ERROR"
	KindTimeout        Kind = "TIMEOUT_ERROR"
	KindIcapScan       Kind = "ICAP_SCAN_ERROR"
	KindIcapConnection Kind = "ICAP_CONNECTION_ERROR"
	KindBackend        Kind = "BACKEND_ERROR"
	KindUnavailable    Kind = "SERVICE_UNAVAILABLE"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// HTTPCode returns the response status for the kind.
func (k Kind) HTTPCode() int {
	switch k {
	case KindUpload, KindValidation, KindMime, KindExtension:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindMemory:
		return http.StatusRequestEntityTooLarge
	case KindIcapScan:
		return http.StatusForbidden
	case KindIcapConnection, KindBackend:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Code    int
	Message string
	Headers http.Header
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    kind.HTTPCode(),
		Message: message,
	}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) WithHeaders(headers http.Header) *Error {
	e.Headers = headers
	return e
}

// FromError normalizes any error into *Error. Unknown errors become
// KindInternal so callers always have a kind and a status code.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(KindInternal, "internal error").WithCause(err)
}

// IsKind reports whether the first *Error in err's chain has the given
// kind. Deeper *Error values in the chain are not inspected.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
