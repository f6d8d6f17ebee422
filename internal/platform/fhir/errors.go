package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// OperationError is an error that knows how it should be reported to a FHIR
// client: the HTTP status and the OperationOutcome issue type.
type OperationError struct {
	Status    int
	IssueType string
	Msg       string
	Err       error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Outcome renders the error as an OperationOutcome. Server-side failures
// are reported as fatal.
func (e *OperationError) Outcome() *OperationOutcome {
	severity := IssueSeverityError
	if e.Status >= http.StatusInternalServerError {
		severity = IssueSeverityFatal
	}
	return NewOperationOutcome(severity, e.IssueType, e.Msg)
}

func newOperationError(status int, issueType string, err error, format string, args ...interface{}) *OperationError {
	return &OperationError{
		Status:    status,
		IssueType: issueType,
		Msg:       fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// InvalidRequest reports a malformed request (400).
func InvalidRequest(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusBadRequest, IssueTypeInvalid, nil, format, args...)
}

// Authentication reports a missing or untrusted credential (401).
func Authentication(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusUnauthorized, IssueTypeLogin, nil, format, args...)
}

// Forbidden reports a credential that does not cover the request (403).
func Forbidden(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusForbidden, IssueTypeSecurity, nil, format, args...)
}

// ResourceNotFound reports an unknown resource or type (404).
func ResourceNotFound(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusNotFound, IssueTypeNotFound, nil, format, args...)
}

// MethodNotAllowed reports an interaction the server does not offer (405).
func MethodNotAllowed(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusMethodNotAllowed, IssueTypeNotSupported, nil, format, args...)
}

// NotAcceptable reports a response format the server cannot produce (406).
func NotAcceptable(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusNotAcceptable, IssueTypeNotSupported, nil, format, args...)
}

// PreconditionFailed reports a failed If-Match check (412).
func PreconditionFailed(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusPreconditionFailed, IssueTypeConflict, nil, format, args...)
}

// Conflict reports a write that collides with current state (409).
func Conflict(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusConflict, IssueTypeConflict, nil, format, args...)
}

// ResourceGone reports a deleted resource (410).
func ResourceGone(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusGone, IssueTypeDeleted, nil, format, args...)
}

// UnprocessableEntity reports a well-formed request that breaks a business
// rule (422).
func UnprocessableEntity(format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusUnprocessableEntity, IssueTypeProcessing, nil, format, args...)
}

// InternalError reports a server-side failure (500), keeping the cause for
// logs.
func InternalError(err error, format string, args ...interface{}) *OperationError {
	return newOperationError(http.StatusInternalServerError, IssueTypeException, err, format, args...)
}

// AsOperationError extracts an *OperationError from err's chain.
func AsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}
