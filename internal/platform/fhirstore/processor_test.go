package fhirstore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

func decodeBundle(t *testing.T, body string) fhir.Resource {
	t.Helper()
	var r fhir.Resource
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("invalid test JSON: %v", err)
	}
	return r
}

func newTestProcessor() (*Processor, *Registry) {
	reg := newTestRegistry()
	return NewProcessor(reg, zerolog.Nop()), reg
}

func TestTransaction_ResolvesURNReferences(t *testing.T) {
	p, reg := newTestProcessor()
	ctx := context.Background()

	resp, err := p.Transaction(ctx, decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{
				"fullUrl": "urn:uuid:obs",
				"resource": {"resourceType": "Observation", "subject": {"reference": "urn:uuid:pat"}},
				"request": {"method": "POST", "url": "Observation"}
			},
			{
				"fullUrl": "urn:uuid:pat",
				"resource": {"resourceType": "Patient"},
				"request": {"method": "POST", "url": "Patient"}
			}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fhir.BundleType(resp) != fhir.BundleTypeTransactionResponse {
		t.Errorf("unexpected type %q", fhir.BundleType(resp))
	}
	locs := fhir.ResponseLocations(resp)
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %v", locs)
	}
	if !strings.HasPrefix(locs[0], "Observation/") || !strings.HasPrefix(locs[1], "Patient/") {
		t.Errorf("expected responses in submitted order, got %v", locs)
	}
	if !strings.HasSuffix(locs[1], "/_history/1") {
		t.Errorf("expected versioned location, got %q", locs[1])
	}

	_, obsID, _, _ := fhir.SplitReference(locs[0])
	_, patID, _, _ := fhir.SplitReference(locs[1])
	obsDAO, _ := reg.DAO("Observation")
	obs, err := obsDAO.Read(ctx, obsID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fhir.ReferenceOf(obs, "subject"); got != "Patient/"+patID {
		t.Errorf("expected subject Patient/%s, got %q", patID, got)
	}

	status := fhir.String(fhir.Object(fhir.Entries(resp)[0], "response"), "status")
	if status != "201 Created" {
		t.Errorf("expected 201 Created, got %q", status)
	}
}

func TestTransaction_IsAtomic(t *testing.T) {
	p, reg := newTestProcessor()
	ctx := context.Background()

	existing, _ := reg.Patients().Create(ctx, fhir.Resource{"resourceType": "Patient"})
	id := fhir.ResourceID(existing)

	_, err := p.Transaction(ctx, decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"request": {"method": "DELETE", "url": "Patient/`+id+`"}},
			{"resource": {"resourceType": "Observation"}, "request": {"method": "POST", "url": "Observation"}},
			{"resource": {"resourceType": "Widget"}, "request": {"method": "PUT", "url": "Widget/1"}}
		]
	}`))
	opErr, ok := fhir.AsOperationError(err)
	if !ok || opErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown type, got %v", err)
	}

	if _, err := reg.Patients().Read(ctx, id); err != nil {
		t.Errorf("expected delete to be rolled back, got %v", err)
	}
	obsDAO, _ := reg.DAO("Observation")
	if found, _ := obsDAO.Search(ctx, SearchParams{}); len(found) != 0 {
		t.Errorf("expected create to be rolled back, found %d", len(found))
	}
}

func TestTransaction_PutAndDelete(t *testing.T) {
	p, reg := newTestProcessor()
	ctx := context.Background()

	resp, err := p.Transaction(ctx, decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}, "request": {"method": "PUT", "url": "Patient/p1"}},
			{"request": {"method": "DELETE", "url": "Observation/never-existed"}}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := fhir.Entries(resp)
	if got := fhir.String(fhir.Object(entries[0], "response"), "status"); got != "201 Created" {
		t.Errorf("expected PUT of a new id to report 201, got %q", got)
	}
	if got := fhir.String(fhir.Object(entries[1], "response"), "status"); got != "204 No Content" {
		t.Errorf("expected delete of a missing resource to succeed, got %q", got)
	}

	resp, err = p.Transaction(ctx, decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1", "gender": "other"}, "request": {"method": "PUT", "url": "Patient/p1"}},
			{"request": {"method": "GET", "url": "Patient/p1/_history/1"}}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries = fhir.Entries(resp)
	if got := fhir.String(fhir.Object(entries[0], "response"), "status"); got != "200 OK" {
		t.Errorf("expected update to report 200, got %q", got)
	}
	if v := fhir.VersionID(fhir.EntryResource(entries[1])); v != "1" {
		t.Errorf("expected GET of version 1, got %q", v)
	}

	cur, _ := reg.Patients().Read(ctx, "p1")
	if cur["gender"] != "other" {
		t.Errorf("expected update to be applied, got %v", cur)
	}
}

func TestTransaction_InvalidBundle(t *testing.T) {
	p, _ := newTestProcessor()

	tests := []string{
		`{"resourceType": "Patient"}`,
		`{"resourceType": "Bundle", "type": "collection", "entry": []}`,
		`{"resourceType": "Bundle", "type": "transaction", "entry": [{"request": {"url": "Patient"}}]}`,
	}
	for _, body := range tests {
		_, err := p.Transaction(context.Background(), decodeBundle(t, body))
		opErr, ok := fhir.AsOperationError(err)
		if !ok || opErr.Status != http.StatusBadRequest {
			t.Errorf("expected 400 for %s, got %v", body, err)
		}
	}
}

func TestTransaction_PatchRejected(t *testing.T) {
	p, _ := newTestProcessor()
	_, err := p.Transaction(context.Background(), decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [{"request": {"method": "PATCH", "url": "Patient/p1"}}]
	}`))
	opErr, ok := fhir.AsOperationError(err)
	if !ok || opErr.Status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %v", err)
	}
}

func TestBatch_ReportsPerEntryFailures(t *testing.T) {
	p, reg := newTestProcessor()
	ctx := context.Background()

	resp, err := p.Transaction(ctx, decodeBundle(t, `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"resource": {"resourceType": "Patient"}, "request": {"method": "POST", "url": "Patient"}},
			{"request": {"method": "GET", "url": "Patient/missing"}}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fhir.BundleType(resp) != fhir.BundleTypeBatchResponse {
		t.Errorf("unexpected type %q", fhir.BundleType(resp))
	}
	entries := fhir.Entries(resp)
	if got := fhir.String(fhir.Object(entries[1], "response"), "status"); got != "404 Not Found" {
		t.Errorf("expected 404 for missing patient, got %q", got)
	}
	if found, _ := reg.Patients().Search(ctx, SearchParams{}); len(found) != 1 {
		t.Errorf("expected successful batch entry to persist, found %d", len(found))
	}
}

func TestFailedResponse(t *testing.T) {
	resp := failedResponse(errors.New("disk on fire"))
	if resp.Status != "500 Internal Server Error" {
		t.Errorf("unexpected status %q", resp.Status)
	}
	if resp.Outcome.Issue[0].Diagnostics == "disk on fire" {
		t.Error("internal error details must not be reported")
	}
}
