package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

func rateLimitedCall(h echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/metadata", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_WithinBurst(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	for i := 0; i < 5; i++ {
		rec, err := rateLimitedCall(h, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	for i := 0; i < 2; i++ {
		if _, err := rateLimitedCall(h, "10.0.0.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := rateLimitedCall(h, "10.0.0.1")
	opErr, ok := fhir.AsOperationError(err)
	if !ok || opErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 operation error, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}

	// Another client has its own bucket.
	if _, err := rateLimitedCall(h, "10.0.0.2"); err != nil {
		t.Errorf("expected other client allowed, got %v", err)
	}
}

func TestLimiterStore_DropsIdleClients(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()
	s.get("a", start)
	s.get("b", start.Add(90*time.Second))
	s.get("c", start.Add(121*time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients["a"]; ok {
		t.Error("expected idle client to be dropped")
	}
	if _, ok := s.clients["b"]; !ok {
		t.Error("expected recent client to be kept")
	}
}
