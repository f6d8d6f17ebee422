package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
	"github.com/ohm/healthmanager/internal/platform/restful"
)

const testServerAddress = "http://example.org/fhir/"

type testEnv struct {
	echo     *echo.Echo
	registry *fhirstore.Registry
	service  *Service
	signer   *TokenSigner
}

func newTestService() (*Service, *fhirstore.Registry) {
	registry := fhirstore.NewRegistry(fhirstore.NewMemoryBackend())
	processor := fhirstore.NewProcessor(registry, zerolog.Nop())
	svc := NewService(registry.Patients(), registry.Bundles(), registry.MessageHeaders(), processor, NewMemoryCache(time.Minute), zerolog.Nop())
	return svc, registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	svc, registry := newTestService()
	signer, err := NewTokenSigner([]byte(strings.Repeat("k", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	e := echo.New()
	e.JSONSerializer = restful.JSONSerializer{}
	s := restful.NewServer(e, registry, svc.processor, restful.Options{ServerAddress: testServerAddress, Logger: zerolog.Nop()})
	if err := s.InitializeBase(context.Background()); err != nil {
		t.Fatalf("InitializeBase: %v", err)
	}
	if err := s.RegisterProvider(NewProvider(svc, signer, testServerAddress, zerolog.Nop())); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := s.RegisterInterceptor(NewInterceptor(svc, registry, svc.processor, zerolog.Nop())); err != nil {
		t.Fatalf("RegisterInterceptor: %v", err)
	}
	if err := s.RegisterInterceptor(restful.NewExceptionHandlingInterceptor(zerolog.Nop())); err != nil {
		t.Fatalf("RegisterInterceptor: %v", err)
	}
	return &testEnv{echo: e, registry: registry, service: svc, signer: signer}
}

func (env *testEnv) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func decodeResource(t *testing.T, data []byte) fhir.Resource {
	t.Helper()
	var r fhir.Resource
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	return r
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func patientJSON(username string) string {
	return `{"resourceType":"Patient","identifier":[{"system":"` + UsernameSystem + `","value":"` + username + `"}],"gender":"female"}`
}

// pdrMessage builds a PDR message Bundle for username from source with the
// given content resources.
func pdrMessage(username, source string, content ...fhir.Resource) fhir.Resource {
	header := fhir.Resource{
		"resourceType": "MessageHeader",
		"eventUri":     PDREvent,
		"source":       map[string]interface{}{"endpoint": source},
		"extension": []interface{}{
			map[string]interface{}{"url": AccountExtensionURL, "valueString": username},
		},
	}
	msg := fhir.NewBundle(fhir.BundleTypeMessage)
	fhir.AddEntry(msg, map[string]interface{}{"resource": header})
	for _, r := range content {
		fhir.AddEntry(msg, map[string]interface{}{"resource": r})
	}
	return msg
}

// search returns the current resources of a type.
func search(t *testing.T, registry *fhirstore.Registry, resourceType string) []fhir.Resource {
	t.Helper()
	dao, err := registry.DAO(resourceType)
	if err != nil {
		t.Fatalf("DAO(%s): %v", resourceType, err)
	}
	found, err := dao.Search(context.Background(), fhirstore.SearchParams{})
	if err != nil {
		t.Fatalf("search %s: %v", resourceType, err)
	}
	return found
}
