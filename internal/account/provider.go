package account

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/restful"
)

// Provider serves the account operations.
type Provider struct {
	service  *Service
	signer   *TokenSigner
	messages *fhir.MessageProcessor
	logger   zerolog.Logger
}

// NewProvider wires the account operations. serverAddress is the public FHIR
// base used as the source of $process-message responses.
func NewProvider(service *Service, signer *TokenSigner, serverAddress string, logger zerolog.Logger) *Provider {
	messages := fhir.NewMessageProcessor(serverAddress)
	messages.RegisterHandler(PDREvent, service.ProcessPDR)
	return &Provider{
		service:  service,
		signer:   signer,
		messages: messages,
		logger:   logger.With().Str("component", "account").Logger(),
	}
}

// Operations returns the account operations.
func (p *Provider) Operations() []restful.Operation {
	return []restful.Operation{
		{Name: "$create-account", Definition: definition("create-account", "Create Account", "Creates the skeleton Patient of an account when it does not exist.", usernameParam), Handler: p.createAccount},
		{Name: "$rebuild-account", Definition: definition("rebuild-account", "Rebuild Account", "Removes the resources of an account and reverts its Patient to a skeleton.", usernameParam), Handler: p.rebuildAccount},
		{Name: "$delete-account", Definition: definition("delete-account", "Delete Account", "Removes every resource of an account.", usernameParam), Handler: p.deleteAccount},
		{Name: "$login", Definition: definition("login", "Login", "Issues an account token, creating the account when needed.", usernameParam,
			fhir.OperationParam{Name: "token", Use: "out", Min: 1, Max: "1", Type: "string"}), Handler: p.login},
		{Name: "$process-message", Definition: definition("process-message", "Process Message", "Accepts Patient Data Receipt messages.",
			fhir.OperationParam{Name: "content", Use: "in", Min: 1, Max: "1", Type: "Bundle"}), Handler: p.processMessage},
	}
}

var usernameParam = fhir.OperationParam{Name: "username", Use: "in", Min: 1, Max: "1", Type: "string"}

func definition(code, name, description string, params ...fhir.OperationParam) fhir.OperationDefinitionResource {
	return fhir.OperationDefinitionResource{
		ResourceType: "OperationDefinition",
		ID:           code,
		URL:          "urn:mitre:healthmanager:operation:" + code,
		Name:         strings.ReplaceAll(name, " ", ""),
		Status:       "active",
		Kind:         "operation",
		Code:         code,
		System:       true,
		Parameter:    params,
		Description:  description,
	}
}

func (p *Provider) createAccount(c echo.Context, rd *restful.RequestDetails) error {
	params, err := parametersBody(rd)
	if err != nil {
		return err
	}
	username, ok := fhir.ParameterString(params, "username")
	if !ok {
		username, err = firstStringParameter(params, rd.Operation)
		if err != nil {
			return err
		}
	}
	if _, err := p.service.EnsureAccount(c.Request().Context(), username); err != nil {
		return err
	}
	return restful.Respond(c, http.StatusOK, fhir.OKOutcome())
}

func (p *Provider) rebuildAccount(c echo.Context, rd *restful.RequestDetails) error {
	params, err := parametersBody(rd)
	if err != nil {
		return err
	}
	username, err := firstStringParameter(params, rd.Operation)
	if err != nil {
		return err
	}
	if err := p.service.Rebuild(c.Request().Context(), username); err != nil {
		return err
	}
	return restful.Respond(c, http.StatusOK, fhir.OKOutcome())
}

func (p *Provider) deleteAccount(c echo.Context, rd *restful.RequestDetails) error {
	params, err := parametersBody(rd)
	if err != nil {
		return err
	}
	username, err := firstStringParameter(params, rd.Operation)
	if err != nil {
		return err
	}
	if err := p.service.Delete(c.Request().Context(), username); err != nil {
		return err
	}
	return restful.Respond(c, http.StatusOK, fhir.OKOutcome())
}

// login accepts the username either as the name of the first parameter or
// as a "username" valueString.
func (p *Provider) login(c echo.Context, rd *restful.RequestDetails) error {
	params, err := parametersBody(rd)
	if err != nil {
		return err
	}
	username, ok := fhir.ParameterString(params, "username")
	if !ok {
		first := fhir.FirstParameter(params)
		if first == nil {
			return fhir.UnprocessableEntity("$login parameter must be a string")
		}
		username = fhir.String(first, "name")
	}

	if _, err := p.service.EnsureAccount(c.Request().Context(), username); err != nil {
		return err
	}
	token, expires, err := p.signer.Issue(username)
	if err != nil {
		return fhir.InternalError(err, "token creation failed")
	}
	p.logger.Info().Str("username", username).Msg("account login")

	return restful.Respond(c, http.StatusOK, fhir.Resource{
		"resourceType": "Parameters",
		"parameter": []interface{}{
			map[string]interface{}{"name": "outcome", "resource": fhir.OKOutcome()},
			map[string]interface{}{"name": "token", "valueString": token},
			map[string]interface{}{"name": "expires", "valueInstant": expires.UTC().Format(time.RFC3339)},
		},
	})
}

// processMessage accepts a message only from the account its token was
// issued to.
func (p *Provider) processMessage(c echo.Context, rd *restful.RequestDetails) error {
	subject, err := p.signer.Verify(requestToken(c))
	if err != nil {
		return err
	}
	header, err := fhir.MessageHeader(rd.Resource)
	if err != nil {
		return err
	}
	if fhir.EventCode(header) == PDREvent {
		username, err := UsernameFromHeader(header)
		if err != nil {
			return err
		}
		if username != subject {
			return fhir.Forbidden("token does not grant access to account '%s'", username)
		}
	}
	resp, err := p.messages.ProcessMessage(c.Request().Context(), rd.Resource)
	if err != nil {
		return err
	}
	return restful.Respond(c, http.StatusOK, resp)
}

// requestToken returns the api_token query parameter or the bearer token.
func requestToken(c echo.Context) string {
	if t := c.QueryParam("api_token"); t != "" {
		return t
	}
	scheme, token, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func parametersBody(rd *restful.RequestDetails) (fhir.Resource, error) {
	if fhir.ResourceType(rd.Resource) != "Parameters" {
		return nil, fhir.InvalidRequest("%s requires a Parameters body", rd.Operation)
	}
	return rd.Resource, nil
}

func firstStringParameter(params fhir.Resource, operation string) (string, error) {
	first := fhir.FirstParameter(params)
	v, ok := first["valueString"].(string)
	if !ok {
		return "", fhir.UnprocessableEntity("%s parameter must be a string", operation)
	}
	return v, nil
}
