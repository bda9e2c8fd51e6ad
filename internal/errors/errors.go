// Package errors defines the typed errors returned by the storage subsystem.
//
// Every failure carries a Kind, the operation that failed, the target name
// and the path involved. Callers match on kind with the standard library:
//
//	if errors.Is(err, ferrors.ErrNotFound) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a storage failure.
type Kind string

// Storage error kinds.
const (
	KindInvalidPath               Kind = "InvalidPath"
	KindNotFound                  Kind = "NotFound"
	KindAlreadyExists             Kind = "AlreadyExists"
	KindCapabilityNotSupported    Kind = "CapabilityNotSupported"
	KindUnknownTarget             Kind = "UnknownTarget"
	KindAdapterConstructionFailed Kind = "AdapterConstructionFailed"
	KindReadFailed                Kind = "ReadFailed"
	KindWriteFailed               Kind = "WriteFailed"
	KindDeleteFailed              Kind = "DeleteFailed"
	KindOpenFailed                Kind = "OpenFailed"
	KindOperationFailed           Kind = "OperationFailed"
)

// HTTPStatus returns the HTTP status code calling code should use when it
// surfaces an error of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidPath:
		return http.StatusBadRequest
	case KindNotFound, KindUnknownTarget:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindCapabilityNotSupported:
		return http.StatusNotImplemented
	case KindAdapterConstructionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StorageError is the error type returned by adapters, the factory and the
// facade.
type StorageError struct {
	// Kind is the failure class.
	Kind Kind
	// Op is the operation that failed (e.g., "put", "rename").
	Op string
	// Target is the logical storage target name.
	Target string
	// Path is the caller-supplied path, if any.
	Path string
	// Err is the underlying cause, if any.
	Err error
}

// New returns a StorageError. cause may be nil.
func New(kind Kind, op, target, path string, cause error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Target: target, Path: path, Err: cause}
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Target != "" {
		fmt.Fprintf(&b, " target=%s", e.Target)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%q", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StorageError of the same kind. Sentinels
// such as ErrNotFound carry only a kind, so any error of that kind matches.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus returns the HTTP status for the error's kind.
func (e *StorageError) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidPath               = &StorageError{Kind: KindInvalidPath}
	ErrNotFound                  = &StorageError{Kind: KindNotFound}
	ErrAlreadyExists             = &StorageError{Kind: KindAlreadyExists}
	ErrCapabilityNotSupported    = &StorageError{Kind: KindCapabilityNotSupported}
	ErrUnknownTarget             = &StorageError{Kind: KindUnknownTarget}
	ErrAdapterConstructionFailed = &StorageError{Kind: KindAdapterConstructionFailed}
	ErrReadFailed                = &StorageError{Kind: KindReadFailed}
	ErrWriteFailed               = &StorageError{Kind: KindWriteFailed}
	ErrDeleteFailed              = &StorageError{Kind: KindDeleteFailed}
	ErrOpenFailed                = &StorageError{Kind: KindOpenFailed}
	ErrOperationFailed           = &StorageError{Kind: KindOperationFailed}
)

// KindOf returns the kind of the first StorageError in err's chain, or the
// empty kind when there is none.
func KindOf(err error) Kind {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// As returns the first StorageError in err's chain.
func As(err error) (*StorageError, bool) {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}
