package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512", 512},
		{"1K", 1 << 10},
		{"512KB", 512 << 10},
		{"10M", 10 << 20},
		{"10mb", 10 << 20},
		{"1G", 1 << 30},
		{" 2M ", 2 << 20},
		{"lots", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := ParseLimit(tt.in); got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func bodyLimitRequest(t *testing.T, target, body string, contentLength bool) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if !contentLength {
		req.ContentLength = -1
	}
	c := e.NewContext(req, httptest.NewRecorder())
	h := BodyLimit("10", "100", "/fhir")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})
	return h(c)
}

func TestBodyLimit(t *testing.T) {
	small := strings.Repeat("a", 10)
	medium := strings.Repeat("a", 50)
	large := strings.Repeat("a", 101)

	tests := []struct {
		name          string
		target        string
		body          string
		contentLength bool
		wantTooLarge  bool
	}{
		{"within default", "/fhir/Patient", small, true, false},
		{"over default", "/fhir/Patient", medium, true, true},
		{"over default without length", "/fhir/Patient", medium, false, true},
		{"transaction bundle", "/fhir", medium, true, false},
		{"transaction bundle trailing slash", "/fhir/", medium, true, false},
		{"message bundle", "/fhir/$process-message", medium, false, false},
		{"over bundle limit", "/fhir", large, true, true},
		{"over bundle limit without length", "/fhir/$process-message", large, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bodyLimitRequest(t, tt.target, tt.body, tt.contentLength)
			if !tt.wantTooLarge {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			opErr, ok := fhir.AsOperationError(err)
			if !ok || opErr.Status != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected 413 operation error, got %v", err)
			}
		})
	}
}

func TestBodyLimit_SkipsEmptyBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	h := BodyLimit("1", "1", "/fhir")(func(c echo.Context) error {
		called = true
		return nil
	})
	if err := h(c); err != nil || !called {
		t.Fatalf("expected pass through, got %v (called=%v)", err, called)
	}
}
