package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure a conversation can end with.
type Kind string

const (
	KindInvalidPath       Kind = "InvalidPath"
	KindLaunchFailed      Kind = "LaunchFailed"
	KindHandshakeTimeout  Kind = "HandshakeTimeout"
	KindCallTimeout       Kind = "CallTimeout"
	KindMalformedMessage  Kind = "MalformedMessage"
	KindToolReportedError Kind = "ToolReportedError"
	KindProcessCrashed    Kind = "ProcessCrashed"
	KindToolNotFound      Kind = "ToolNotFound"
)

var (
	ErrInvalidPath       = &Error{Kind: KindInvalidPath}
	ErrLaunchFailed      = &Error{Kind: KindLaunchFailed}
	ErrHandshakeTimeout  = &Error{Kind: KindHandshakeTimeout}
	ErrCallTimeout       = &Error{Kind: KindCallTimeout}
	ErrMalformedMessage  = &Error{Kind: KindMalformedMessage}
	ErrToolReportedError = &Error{Kind: KindToolReportedError}
	ErrProcessCrashed    = &Error{Kind: KindProcessCrashed}
	ErrToolNotFound      = &Error{Kind: KindToolNotFound}
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindInvalidPath,
		KindLaunchFailed,
		KindHandshakeTimeout,
		KindCallTimeout,
		KindMalformedMessage,
		KindToolReportedError,
		KindProcessCrashed,
		KindToolNotFound,
	}
}

// Error is returned by every orchestrator operation. Message is safe to show
// to callers: it never carries filesystem paths or process ids. Err keeps the
// underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsInfrastructure reports whether kind describes a failure of the process
// machinery rather than of the tool's own logic.
func (k Kind) IsInfrastructure() bool {
	switch k {
	case KindLaunchFailed, KindHandshakeTimeout, KindProcessCrashed:
		return true
	}
	return false
}

// HTTPStatus is the status an HTTP front end should answer with for kind.
// A missing script is 404 while a rejected identifier is 400; pass the error
// to HTTPStatusFor to tell them apart.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidPath:
		return http.StatusBadRequest
	case KindToolNotFound:
		return http.StatusNotFound
	case KindLaunchFailed:
		return http.StatusInternalServerError
	case KindHandshakeTimeout, KindCallTimeout:
		return http.StatusGatewayTimeout
	case KindMalformedMessage, KindToolReportedError, KindProcessCrashed:
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// HTTPStatusFor refines HTTPStatus with the cause carried by err.
func HTTPStatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Kind == KindInvalidPath && errors.Is(e.Err, errScriptNotFound) {
		return http.StatusNotFound
	}
	return HTTPStatus(e.Kind)
}
