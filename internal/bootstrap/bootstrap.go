// Package bootstrap is the composition root of the account server. It wires
// the account provider and interceptors into a FHIR server reached only
// through the Registrar capability interface.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/account"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
	"github.com/ohm/healthmanager/internal/platform/restful"
)

// ErrAlreadyInitialized is returned by a second Initialize call.
var ErrAlreadyInitialized = errors.New("bootstrap: already initialized")

// Registrar is the part of a FHIR server the bootstrap drives.
type Registrar interface {
	InitializeBase(ctx context.Context) error
	RegisterProvider(p restful.Provider) error
	UnregisterProvider(p restful.Provider) error
	RegisterInterceptor(i restful.Interceptor) error
	UnregisterInterceptor(i restful.Interceptor) error
}

var _ Registrar = (*restful.Server)(nil)

// Dependencies are the collaborators handed to the account components.
// Patients, Bundles, MessageHeaders, Processor, DAOs and Signer are
// required. Cache may be nil.
type Dependencies struct {
	Patients       fhirstore.PatientDAO
	Bundles        fhirstore.ResourceDAO
	MessageHeaders fhirstore.ResourceDAO
	Processor      fhirstore.TransactionProcessor
	DAOs           account.DAOLookup
	Signer         *account.TokenSigner
	Cache          account.Cache
	ServerAddress  string
	Logger         zerolog.Logger
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Patients == nil {
		missing = append(missing, "Patients")
	}
	if d.Bundles == nil {
		missing = append(missing, "Bundles")
	}
	if d.MessageHeaders == nil {
		missing = append(missing, "MessageHeaders")
	}
	if d.Processor == nil {
		missing = append(missing, "Processor")
	}
	if d.DAOs == nil {
		missing = append(missing, "DAOs")
	}
	if d.Signer == nil {
		missing = append(missing, "Signer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("bootstrap: missing dependencies: %v", missing)
	}
	return nil
}

// Bootstrap registers the account components with a server exactly once.
type Bootstrap struct {
	server Registrar
	deps   Dependencies
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// New validates the dependencies and returns a Bootstrap for server.
func New(server Registrar, deps Dependencies) (*Bootstrap, error) {
	if server == nil {
		return nil, errors.New("bootstrap: server is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Bootstrap{
		server: server,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "bootstrap").Logger(),
	}, nil
}

// Initialize runs the server's base initialization and then registers the
// account provider, the account interceptor and the exception interceptor.
// Nothing stays registered when any step fails.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return ErrAlreadyInitialized
	}

	if err := b.server.InitializeBase(ctx); err != nil {
		return fmt.Errorf("initialize base server: %w", err)
	}

	d := b.deps
	service := account.NewService(d.Patients, d.Bundles, d.MessageHeaders, d.Processor, d.Cache, d.Logger)
	provider := account.NewProvider(service, d.Signer, d.ServerAddress, d.Logger)
	interceptors := []restful.Interceptor{
		account.NewInterceptor(service, d.DAOs, d.Processor, d.Logger),
		restful.NewExceptionHandlingInterceptor(d.Logger),
	}

	if err := b.server.RegisterProvider(provider); err != nil {
		return fmt.Errorf("register account provider: %w", err)
	}
	b.logger.Info().Int("operations", len(provider.Operations())).Msg("account provider registered")

	for n, i := range interceptors {
		if err := b.server.RegisterInterceptor(i); err != nil {
			b.rollback(provider, interceptors[:n])
			return fmt.Errorf("register interceptor %T: %w", i, err)
		}
		b.logger.Info().Str("interceptor", fmt.Sprintf("%T", i)).Msg("interceptor registered")
	}

	b.initialized = true
	return nil
}

// rollback unregisters what Initialize registered, newest first.
func (b *Bootstrap) rollback(provider restful.Provider, interceptors []restful.Interceptor) {
	for n := len(interceptors) - 1; n >= 0; n-- {
		if err := b.server.UnregisterInterceptor(interceptors[n]); err != nil {
			b.logger.Error().Err(err).Str("interceptor", fmt.Sprintf("%T", interceptors[n])).Msg("rollback: unregister interceptor failed")
		}
	}
	if err := b.server.UnregisterProvider(provider); err != nil {
		b.logger.Error().Err(err).Msg("rollback: unregister provider failed")
	}
}
