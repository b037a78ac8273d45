package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kinds. Match with errors.Is.
var (
	ErrDecode     = errors.New("decode error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransport  = errors.New("transport error")
	ErrValidation = errors.New("validation error")
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Decode(format string, args ...any) *Error {
	return newErr(ErrDecode, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(ErrNotFound, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newErr(ErrConflict, nil, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newErr(ErrValidation, nil, format, args...)
}

// Transport wraps a publish/subscribe failure.
func Transport(cause error, format string, args ...any) *Error {
	return newErr(ErrTransport, cause, format, args...)
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDecode)
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as {"error": ..., "code": ...}. Internal errors are not echoed.
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	msg := http.StatusText(status)
	var e *Error
	if errors.As(err, &e) && status != http.StatusInternalServerError {
		msg = e.Error()
	}
	WriteStatus(w, status, msg)
}

func WriteStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message, "code": status})
}
