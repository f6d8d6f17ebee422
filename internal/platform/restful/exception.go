package restful

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
)

// ExceptionHandlingInterceptor turns any error into an OperationOutcome
// response with a matching HTTP status. Server-side failures are logged
// with their cause and reported to the client without it.
type ExceptionHandlingInterceptor struct {
	logger zerolog.Logger
}

// NewExceptionHandlingInterceptor creates the interceptor. Server-side
// failures are logged to logger.
func NewExceptionHandlingInterceptor(logger zerolog.Logger) *ExceptionHandlingInterceptor {
	return &ExceptionHandlingInterceptor{logger: logger}
}

// HandleException writes err as an OperationOutcome. It always reports the
// exception as handled.
func (h *ExceptionHandlingInterceptor) HandleException(c echo.Context, rd *RequestDetails, err error) bool {
	if c.Response().Committed {
		return true
	}

	status, outcome := OutcomeFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Msg("request failed")
	} else {
		h.logger.Debug().
			Err(err).
			Int("status", status).
			Str("path", c.Request().URL.Path).
			Msg("request rejected")
	}

	c.Response().Header().Set(echo.HeaderContentType, fhir.FHIRContentType)
	if werr := c.JSON(status, outcome); werr != nil {
		h.logger.Error().Err(werr).Msg("write error response")
	}
	return true
}

// OutcomeFor maps an error to its HTTP status and OperationOutcome.
func OutcomeFor(err error) (int, *fhir.OperationOutcome) {
	if opErr, ok := fhir.AsOperationError(err); ok {
		return opErr.Status, opErr.Outcome()
	}

	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, fhirstore.ErrGone):
		return http.StatusGone, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeDeleted, err.Error())
	case errors.Is(err, fhirstore.ErrNotFound):
		return http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	case errors.As(err, &httpErr):
		return httpErr.Code, fhir.NewOperationOutcome(severityFor(httpErr.Code), issueTypeFor(httpErr.Code), httpMessage(httpErr))
	}
	return http.StatusInternalServerError, fhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeException, "internal server error")
}

func severityFor(status int) string {
	if status >= http.StatusInternalServerError {
		return fhir.IssueSeverityFatal
	}
	return fhir.IssueSeverityError
}

func issueTypeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	case http.StatusUnauthorized:
		return fhir.IssueTypeLogin
	case http.StatusForbidden:
		return fhir.IssueTypeSecurity
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusUnsupportedMediaType:
		return fhir.IssueTypeNotSupported
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fhir.IssueTypeConflict
	case http.StatusGone:
		return fhir.IssueTypeDeleted
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	case http.StatusUnprocessableEntity:
		return fhir.IssueTypeProcessing
	}
	return fhir.IssueTypeException
}

func httpMessage(e *echo.HTTPError) string {
	if e.Code >= http.StatusInternalServerError {
		return http.StatusText(e.Code)
	}
	if s, ok := e.Message.(string); ok {
		return s
	}
	return http.StatusText(e.Code)
}

// HTTPErrorHandler renders errors that escape the interceptor pipeline, such
// as unmatched routes and recovered panics, as OperationOutcomes.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	h := NewExceptionHandlingInterceptor(logger)
	return func(err error, c echo.Context) {
		h.HandleException(c, nil, err)
	}
}
