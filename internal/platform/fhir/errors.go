package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a domain failure. Kinds, not messages, drive branching
// in the bundle processor and the HTTP status mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindGone
	KindVersionConflict
	KindPreconditionFailed
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindConflict
)

// Error is a domain error carrying its taxonomy kind. The repository surfaces
// these unchanged; the REST layer renders them as OperationOutcome bodies.
type Error struct {
	Kind        ErrorKind
	Diagnostics string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Diagnostics + ": " + e.Err.Error()
	}
	return e.Diagnostics
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from any error chain. Unclassified errors are
// KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// NotFound reports that no row exists for (type, id).
func NotFound(resourceType, id string) *Error {
	return &Error{Kind: KindNotFound, Diagnostics: fmt.Sprintf("%s/%s not found", resourceType, id)}
}

// Gone reports that the row exists but is tombstoned.
func Gone(resourceType, id string) *Error {
	return &Error{Kind: KindGone, Diagnostics: fmt.Sprintf("%s/%s has been deleted", resourceType, id)}
}

// VersionConflict reports an If-Match mismatch.
func VersionConflict(resourceType, id, expected, actual string) *Error {
	return &Error{
		Kind:        KindVersionConflict,
		Diagnostics: fmt.Sprintf("%s/%s version mismatch: expected %s, current %s", resourceType, id, expected, actual),
	}
}

// PreconditionFailed reports a conditional operation that matched more than
// one resource.
func PreconditionFailed(diagnostics string) *Error {
	return &Error{Kind: KindPreconditionFailed, Diagnostics: diagnostics}
}

// BadRequest reports malformed input.
func BadRequest(diagnostics string) *Error {
	return &Error{Kind: KindBadRequest, Diagnostics: diagnostics}
}

// Forbidden reports an access-policy denial.
func Forbidden(diagnostics string) *Error {
	return &Error{Kind: KindForbidden, Diagnostics: diagnostics}
}

// Unauthorized reports a missing or unusable credential.
func Unauthorized(diagnostics string) *Error {
	return &Error{Kind: KindUnauthorized, Diagnostics: diagnostics}
}

// RetryableConflict reports a database-level constraint or serialization
// failure the caller may retry.
func RetryableConflict(diagnostics string, err error) *Error {
	return &Error{Kind: KindConflict, Diagnostics: diagnostics, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(diagnostics string, err error) *Error {
	return &Error{Kind: KindInternal, Diagnostics: diagnostics, Err: err}
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindVersionConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// issueCode maps an error kind to the OperationOutcome issue code.
func issueCode(kind ErrorKind) string {
	switch kind {
	case KindNotFound:
		return IssueTypeNotFound
	case KindGone:
		return IssueTypeDeleted
	case KindVersionConflict, KindConflict, KindPreconditionFailed:
		return IssueTypeConflict
	case KindBadRequest:
		return IssueTypeInvalid
	case KindUnauthorized, KindForbidden:
		return IssueTypeSecurity
	default:
		return IssueTypeException
	}
}

// OutcomeFromError projects any error into an OperationOutcome.
func OutcomeFromError(err error) *OperationOutcome {
	kind := KindOf(err)
	return NewOperationOutcome(IssueSeverityError, issueCode(kind), err.Error())
}
