package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"7"`, 7, false},
		{`12`, 12, false},
		{`W/"abc"`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseETag(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseETag(%q) = (%d, %v)", tt.in, got, err)
		}
	}
	if FormatETag(4) != `W/"4"` {
		t.Errorf("FormatETag = %q", FormatETag(4))
	}
}

func TestCheckIfMatch(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"absent", "", 0},
		{"matches", `W/"2"`, 0},
		{"stale", `W/"1"`, http.StatusPreconditionFailed},
		{"garbage", `W/"x"`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/fhir/Patient/1", nil)
			if tt.header != "" {
				req.Header.Set("If-Match", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := CheckIfMatch(c, 2)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			opErr, ok := AsOperationError(err)
			if !ok || opErr.Status != tt.wantStatus {
				t.Errorf("expected status %d, got %v", tt.wantStatus, err)
			}
		})
	}
}

func TestCheckIfNoneMatch(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/1", nil)
	req.Header.Set("If-None-Match", `W/"5"`)
	c := e.NewContext(req, httptest.NewRecorder())

	if !CheckIfNoneMatch(c, 5) {
		t.Error("expected match for current version")
	}
	if CheckIfNoneMatch(c, 6) {
		t.Error("expected no match for newer version")
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetVersionHeaders(c, Resource{
		"resourceType": "Patient",
		"meta":         map[string]interface{}{"versionId": "3", "lastUpdated": "2024-05-01T10:00:00Z"},
	})

	if got := rec.Header().Get("ETag"); got != `W/"3"` {
		t.Errorf("ETag = %q", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Wed, 01 May 2024 10:00:00 GMT" {
		t.Errorf("Last-Modified = %q", got)
	}
}

func TestParsePreferReturn(t *testing.T) {
	tests := map[string]PreferReturn{
		"":                                       ReturnRepresentation,
		"return=minimal":                         ReturnMinimal,
		"respond-async; return=OperationOutcome": ReturnOperationOutcome,
		"handling=strict, return=representation": ReturnRepresentation,
		"return=bogus":                           ReturnRepresentation,
	}
	for in, want := range tests {
		if got := ParsePreferReturn(in); got != want {
			t.Errorf("ParsePreferReturn(%q) = %q, want %q", in, got, want)
		}
	}
}
