// Package restful is a small FHIR REST server on echo: generic resource
// routes over the store, a table of extended operations contributed by
// providers, and an interceptor pipeline around every request.
package restful

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
)

var (
	// ErrBaseInitialized is returned by a second InitializeBase call.
	ErrBaseInitialized = errors.New("restful: base already initialized")
	// ErrProviderRegistered is returned when a provider is registered twice.
	ErrProviderRegistered = errors.New("restful: provider already registered")
	// ErrOperationRegistered is returned when two providers declare the same
	// operation name.
	ErrOperationRegistered = errors.New("restful: operation already registered")
	// ErrInterceptorRegistered is returned when an interceptor is registered
	// twice.
	ErrInterceptorRegistered = errors.New("restful: interceptor already registered")
	// ErrNotInterceptor is returned for values implementing no hook.
	ErrNotInterceptor = errors.New("restful: value implements no interceptor hook")
)

// OperationHandler serves one extended operation. The handler records its
// result with Respond.
type OperationHandler func(c echo.Context, rd *RequestDetails) error

// Operation is a system-level extended operation such as $login.
type Operation struct {
	// Name includes the leading "$".
	Name       string
	Definition fhir.OperationDefinitionResource
	Handler    OperationHandler
}

// Provider contributes extended operations.
type Provider interface {
	Operations() []Operation
}

// Options configure a Server.
type Options struct {
	// BasePath is where the FHIR API is mounted. Defaults to "/fhir".
	BasePath string
	// ServerAddress is the externally visible base URL.
	ServerAddress string
	// Middleware runs on the FHIR group ahead of the interceptor pipeline.
	Middleware []echo.MiddlewareFunc
	Logger     zerolog.Logger
}

// Server is the FHIR REST server. Providers and interceptors are normally
// registered once at startup; the registration methods are nonetheless
// safe for concurrent use.
type Server struct {
	echo      *echo.Echo
	registry  *fhirstore.Registry
	processor fhirstore.TransactionProcessor
	opts      Options
	logger    zerolog.Logger

	mu           sync.RWMutex
	initialized  bool
	providers    []Provider
	operations   map[string]Operation
	interceptors []Interceptor
}

// NewServer creates a server that mounts its routes on e once
// InitializeBase runs. BasePath defaults to /fhir.
func NewServer(e *echo.Echo, registry *fhirstore.Registry, processor fhirstore.TransactionProcessor, opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = "/fhir"
	}
	if opts.ServerAddress == "" {
		opts.ServerAddress = "http://localhost" + opts.BasePath + "/"
	}
	if !strings.HasSuffix(opts.ServerAddress, "/") {
		opts.ServerAddress += "/"
	}
	return &Server{
		echo:       e,
		registry:   registry,
		processor:  processor,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "restful").Logger(),
		operations: make(map[string]Operation),
	}
}

// InitializeBase mounts the FHIR group, the interceptor pipeline and the
// generic routes. It must run before providers are registered and only
// once.
func (s *Server) InitializeBase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrBaseInitialized
	}
	if s.registry == nil || s.processor == nil {
		return fmt.Errorf("restful: resource registry and transaction processor are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mw := append([]echo.MiddlewareFunc{}, s.opts.Middleware...)
	mw = append(mw, s.pipeline)
	g := s.echo.Group(s.opts.BasePath, mw...)

	g.GET("/metadata", s.metadata)
	g.POST("", s.transaction)
	g.POST("/:type", s.createOrOperation)
	g.GET("/:type", s.searchOrOperation)
	g.GET("/Patient/:id/$everything", s.everything)
	g.GET("/:type/:id", s.read)
	g.PUT("/:type/:id", s.update)
	g.PATCH("/:type/:id", s.patch)
	g.DELETE("/:type/:id", s.delete)
	g.GET("/:type/:id/_history", s.history)
	g.GET("/:type/:id/_history/:vid", s.vread)

	s.initialized = true
	s.logger.Info().Str("base", s.opts.BasePath).Msg("FHIR base routes mounted")
	return nil
}

// RegisterProvider adds the provider's operations to the operation table.
func (s *Server) RegisterProvider(p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.providers {
		if existing == p {
			return ErrProviderRegistered
		}
	}
	ops := p.Operations()
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if _, ok := s.operations[op.Name]; ok || seen[op.Name] {
			return fmt.Errorf("%w: %s", ErrOperationRegistered, op.Name)
		}
		if !strings.HasPrefix(op.Name, "$") || op.Handler == nil {
			return fmt.Errorf("restful: invalid operation %q", op.Name)
		}
		seen[op.Name] = true
	}

	for _, op := range ops {
		s.operations[op.Name] = op
	}
	s.providers = append(s.providers, p)
	s.logger.Info().Int("operations", len(ops)).Msgf("registered provider %T", p)
	return nil
}

// UnregisterProvider removes a provider and its operations. Unknown
// providers are ignored.
func (s *Server) UnregisterProvider(p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.providers {
		if existing != p {
			continue
		}
		for _, op := range p.Operations() {
			delete(s.operations, op.Name)
		}
		s.providers = append(s.providers[:i], s.providers[i+1:]...)
		s.logger.Info().Msgf("unregistered provider %T", p)
		return nil
	}
	return nil
}

// RegisterInterceptor appends i to the pipeline. i must implement at least
// one hook interface and may be registered once.
func (s *Server) RegisterInterceptor(i Interceptor) error {
	if !isInterceptor(i) {
		return fmt.Errorf("%w: %T", ErrNotInterceptor, i)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.interceptors {
		if existing == i {
			return ErrInterceptorRegistered
		}
	}
	s.interceptors = append(s.interceptors, i)
	s.logger.Info().Msgf("registered interceptor %T", i)
	return nil
}

// UnregisterInterceptor removes an interceptor. Unknown interceptors are
// ignored.
func (s *Server) UnregisterInterceptor(i Interceptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, existing := range s.interceptors {
		if existing == i {
			s.interceptors = append(s.interceptors[:idx], s.interceptors[idx+1:]...)
			s.logger.Info().Msgf("unregistered interceptor %T", i)
			return nil
		}
	}
	return nil
}

// Providers returns the registered providers in registration order.
func (s *Server) Providers() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Provider(nil), s.providers...)
}

// Interceptors returns the registered interceptors in registration order.
func (s *Server) Interceptors() []Interceptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Interceptor(nil), s.interceptors...)
}

func (s *Server) operation(name string) (Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[name]
	return op, ok
}

// pipeline builds the RequestDetails and runs the interceptor hooks around
// the handler.
func (s *Server) pipeline(next echo.HandlerFunc) echo.HandlerFunc {
	negotiate := fhir.ContentNegotiationMiddleware()
	return func(c echo.Context) error {
		interceptors := s.Interceptors()
		rd := &RequestDetails{
			ServerBase: s.opts.ServerAddress,
			UserData:   make(map[string]interface{}),
		}
		c.Set(requestDetailsKey, rd)

		// Negotiation precedes the hooks; responses they write carry the
		// FHIR content type.
		err := negotiate(func(c echo.Context) error {
			return s.run(c, rd, interceptors, next)
		})(c)
		if err == nil {
			return nil
		}
		for _, i := range interceptors {
			if h, ok := i.(ExceptionHook); ok && h.HandleException(c, rd, err) {
				return nil
			}
		}
		return err
	}
}

func (s *Server) run(c echo.Context, rd *RequestDetails, interceptors []Interceptor, next echo.HandlerFunc) error {
	route := strings.TrimPrefix(c.Path(), s.opts.BasePath)
	rd.RestOperationType, rd.ResourceName, rd.ResourceID, rd.VersionID, rd.Operation =
		classify(c.Request().Method, route, c.Param)

	if err := readBody(c, rd); err != nil {
		return err
	}

	handled := false
	for _, i := range interceptors {
		h, ok := i.(IncomingRequestHook)
		if !ok {
			continue
		}
		done, err := h.IncomingRequest(c, rd)
		if err != nil {
			return err
		}
		if done {
			handled = true
			break
		}
	}

	if !handled {
		for _, i := range interceptors {
			if h, ok := i.(PreHandledHook); ok {
				if err := h.PreHandled(c, rd); err != nil {
					return err
				}
			}
		}
		if err := next(c); err != nil {
			return err
		}
	}

	resp := rd.response
	if resp == nil || c.Response().Committed {
		return nil
	}
	for _, i := range interceptors {
		if h, ok := i.(OutgoingResponseHook); ok {
			if err := h.OutgoingResponse(c, rd, resp); err != nil {
				return err
			}
		}
	}
	if resp.Resource == nil || resp.Minimal {
		return c.NoContent(resp.Status)
	}
	return c.JSON(resp.Status, resp.Resource)
}

// readBody decodes a JSON object body into rd.Resource and restores the
// request body for handlers that read it again.
func readBody(c echo.Context, rd *RequestDetails) error {
	req := c.Request()
	if req.Body == nil || req.Method == http.MethodGet || req.Method == http.MethodDelete {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		if opErr, ok := fhir.AsOperationError(err); ok {
			return opErr
		}
		return fhir.InvalidRequest("failed to read request body")
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	rd.Body = body

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if req.Method != http.MethodPatch && len(trimmed) > 0 {
			return fhir.InvalidRequest("request body must be a JSON object")
		}
		return nil
	}
	var resource fhir.Resource
	if err := json.Unmarshal(trimmed, &resource); err != nil {
		return fhir.InvalidRequest("failed to parse request body: %v", err)
	}
	rd.Resource = resource
	return nil
}
