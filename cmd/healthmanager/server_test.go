package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/account"
	"github.com/ohm/healthmanager/internal/config"
	"github.com/ohm/healthmanager/internal/platform/middleware"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "8080",
		Env:             "development",
		Store:           config.StoreMemory,
		ServerAddress:   "http://localhost:8080/fhir/",
		TokenTTL:        time.Hour,
		AccountCacheTTL: time.Minute,
		CORSOrigins:     []string{"*"},
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		BodyLimit:       "1K",
		BundleBodyLimit: "1M",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	e, err := newServer(context.Background(), cfg, &resources{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e := newTestServer(t, testConfig())
	rec := serve(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"store":"memory"`) {
		t.Errorf("unexpected health body %s", rec.Body.String())
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if rec := serve(e, http.MethodGet, "/health/db", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected no db health route on the memory store, got %d", rec.Code)
	}
}

func TestServer_AccountFlow(t *testing.T) {
	e := newTestServer(t, testConfig())

	patient := `{"resourceType":"Patient","identifier":[{"system":"` + account.UsernameSystem + `","value":"alice"}]}`
	rec := serve(e, http.MethodPost, "/fhir/Patient", patient)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(got, "application/fhir+json") {
		t.Errorf("expected FHIR content type, got %q", got)
	}

	rec = serve(e, http.MethodPost, "/fhir/Patient", patient)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a second account patient, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/fhir/metadata", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "process-message") {
		t.Errorf("expected capability statement listing account operations, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Errors(t *testing.T) {
	e := newTestServer(t, testConfig())

	rec := serve(e, http.MethodGet, "/nowhere", "")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected 404 OperationOutcome, got %d: %s", rec.Code, rec.Body.String())
	}

	big := `{"resourceType":"Observation","note":[{"text":"` + strings.Repeat("x", 2048) + `"}]}`
	rec = serve(e, http.MethodPost, "/fhir/Observation", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected security headers on error responses")
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	e := newTestServer(t, cfg)

	if rec := serve(e, http.MethodGet, "/fhir/metadata", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := serve(e, http.MethodGet, "/fhir/metadata", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestServer_RejectsBadSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.TokenSigningKey = "%%%"
	if _, err := newServer(context.Background(), cfg, &resources{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for an undecodable signing key")
	}
}
