package restful

import (
	"github.com/labstack/echo/v4"
)

// Interceptor is any value implementing at least one of the hook
// interfaces below. Hooks of all registered interceptors run in
// registration order.
type Interceptor interface{}

// IncomingRequestHook runs first for every request. Returning handled=true
// means the hook produced the response itself (via Respond) and the
// handler is skipped.
type IncomingRequestHook interface {
	IncomingRequest(c echo.Context, rd *RequestDetails) (handled bool, err error)
}

// PreHandledHook runs after every incoming hook, right before the handler.
// It may modify rd.Resource.
type PreHandledHook interface {
	PreHandled(c echo.Context, rd *RequestDetails) error
}

// OutgoingResponseHook sees the response before it is written.
type OutgoingResponseHook interface {
	OutgoingResponse(c echo.Context, rd *RequestDetails, resp *Response) error
}

// ExceptionHook is offered any error raised by a handler or hook. The first
// hook that returns true has written the error response.
type ExceptionHook interface {
	HandleException(c echo.Context, rd *RequestDetails, err error) bool
}

func isInterceptor(i Interceptor) bool {
	switch i.(type) {
	case IncomingRequestHook, PreHandledHook, OutgoingResponseHook, ExceptionHook:
		return true
	}
	return false
}
