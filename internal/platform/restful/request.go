package restful

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

// RestOperationType classifies a FHIR REST interaction.
type RestOperationType string

const (
	OpMetadata                  RestOperationType = "metadata"
	OpCreate                    RestOperationType = "create"
	OpRead                      RestOperationType = "read"
	OpVRead                     RestOperationType = "vread"
	OpUpdate                    RestOperationType = "update"
	OpPatch                     RestOperationType = "patch"
	OpDelete                    RestOperationType = "delete"
	OpSearchType                RestOperationType = "search-type"
	OpHistoryInstance           RestOperationType = "history-instance"
	OpTransaction               RestOperationType = "transaction"
	OpExtendedOperationServer   RestOperationType = "extended-operation-server"
	OpExtendedOperationInstance RestOperationType = "extended-operation-instance"
	OpUnknown                   RestOperationType = "unknown"
)

const requestDetailsKey = "restful.request"

// RequestDetails is what interceptors and handlers know about the request
// being served. The pipeline fills it before any hook runs.
type RequestDetails struct {
	RestOperationType RestOperationType
	ResourceName      string
	ResourceID        string
	VersionID         string
	// Operation is the extended operation name including the "$".
	Operation string
	// Resource is the decoded JSON body, nil when the body is empty or not a
	// JSON object.
	Resource fhir.Resource
	Body     []byte
	// ServerBase is the externally visible base URL ending in "/".
	ServerBase string
	// UserData carries values from one hook to later hooks of the same
	// request.
	UserData map[string]interface{}

	response *Response
}

// Response is the result a handler or hook produced. The pipeline writes it
// after the outgoing response hooks have run.
type Response struct {
	Status   int
	Resource interface{}
	// Minimal suppresses the body while keeping Resource available to hooks.
	Minimal bool
}

// FromContext returns the RequestDetails of c, or nil outside the pipeline.
func FromContext(c echo.Context) *RequestDetails {
	rd, _ := c.Get(requestDetailsKey).(*RequestDetails)
	return rd
}

// Respond records the response for c. Nothing is written until the
// outgoing hooks have seen it.
func Respond(c echo.Context, status int, resource interface{}) error {
	rd := FromContext(c)
	if rd == nil {
		if resource == nil {
			return c.NoContent(status)
		}
		return c.JSON(status, resource)
	}
	rd.response = &Response{Status: status, Resource: resource}
	return nil
}

// Response returns the recorded response, or nil.
func (rd *RequestDetails) Response() *Response {
	return rd.response
}

// classify derives the operation type from the method and the matched
// route template relative to the FHIR base path.
func classify(method, route string, params func(string) string) (op RestOperationType, resourceName, id, vid, operation string) {
	resourceName, id, vid = params("type"), params("id"), params("vid")
	switch route {
	case "", "/":
		if method == "POST" {
			return OpTransaction, "", "", "", ""
		}
	case "/metadata":
		return OpMetadata, "", "", "", ""
	case "/Patient/:id/$everything":
		return OpExtendedOperationInstance, "Patient", id, "", "$everything"
	case "/:type/:id/_history/:vid":
		return OpVRead, resourceName, id, vid, ""
	case "/:type/:id/_history":
		return OpHistoryInstance, resourceName, id, "", ""
	case "/:type/:id":
		switch method {
		case "GET":
			return OpRead, resourceName, id, "", ""
		case "PUT":
			return OpUpdate, resourceName, id, "", ""
		case "PATCH":
			return OpPatch, resourceName, id, "", ""
		case "DELETE":
			return OpDelete, resourceName, id, "", ""
		}
	case "/:type":
		if strings.HasPrefix(resourceName, "$") {
			return OpExtendedOperationServer, "", "", "", resourceName
		}
		switch method {
		case "POST":
			return OpCreate, resourceName, "", "", ""
		case "GET":
			return OpSearchType, resourceName, "", "", ""
		}
	}
	return OpUnknown, resourceName, id, vid, ""
}
