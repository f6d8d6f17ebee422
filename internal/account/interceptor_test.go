package account

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

func TestPatientCreate_NewAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), SourceHeader, "urn:test:app")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeResource(t, rec.Body.Bytes())
	patientID := fhir.ResourceID(created)
	if patientID == "" {
		t.Fatal("expected created patient in response")
	}
	if rec.Header().Get(echo.HeaderLocation) == "" {
		t.Error("expected Location header")
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, fhir.FHIRContentType) {
		t.Errorf("unexpected content type %q", ct)
	}
	if accountUsername(created) != "alice" || len(pdrLinks(created)) != 1 {
		t.Errorf("expected account and link extensions, got %v", created["meta"])
	}

	bundles := search(t, env.registry, "Bundle")
	if len(bundles) != 1 || !IsPDR(bundles[0]) {
		t.Fatalf("expected one PDR, got %v", bundles)
	}
	entries := fhir.Entries(bundles[0])
	if len(entries) != 2 {
		t.Fatalf("expected header and patient entries, got %d", len(entries))
	}
	if got := fhir.EntryLinkURL(entries[1]); got != "Patient/"+patientID+"/_history/1" {
		t.Errorf("unexpected patient link %q", got)
	}
	header := search(t, env.registry, "MessageHeader")[0]
	if fhir.SourceEndpoint(header) != "urn:test:app" {
		t.Errorf("expected source from header, got %q", fhir.SourceEndpoint(header))
	}
	if got := fhir.EntryLinkURL(entries[0]); got != "MessageHeader/"+fhir.ResourceID(header) {
		t.Errorf("unexpected header link %q", got)
	}
}

func TestPatientCreate_NotAcceptable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), "Accept", "application/fhir+xml")
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Patient")); n != 0 {
		t.Errorf("expected no patient stored, got %d", n)
	}
	if n := len(search(t, env.registry, "Bundle")); n != 0 {
		t.Errorf("expected no PDR stored, got %d", n)
	}
}

func TestPatientCreate_Rejects(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice")); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}
	accountID, _ := env.service.PatientID(context.Background(), "alice")

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   string
	}{
		{"no username", http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient"}`, "could not identify account username for Patient CREATE/UPDATE"},
		{"duplicate post", http.MethodPost, "/fhir/Patient", patientJSON("alice"), "patient record for account already exists"},
		{"put other id", http.MethodPut, "/fhir/Patient/other", `{"resourceType":"Patient","id":"other","identifier":[{"system":"` + UsernameSystem + `","value":"alice"}]}`, "patient record for account already exists"},
		{"change username", http.MethodPut, "/fhir/Patient/" + accountID, `{"resourceType":"Patient","id":"` + accountID + `","identifier":[{"system":"` + UsernameSystem + `","value":"bob"}]}`, "Cannot use PUT to change a username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.target, tt.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
			}
			oo := decodeResource(t, rec.Body.Bytes())
			issue, _ := fhir.Array(oo, "issue")[0].(map[string]interface{})
			if got := fhir.String(issue, "diagnostics"); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPatientCreate_FailureStoresNothing(t *testing.T) {
	env := newTestEnv(t)

	body := `{"resourceType":"Observation","identifier":[{"system":"` + UsernameSystem + `","value":"alice"}]}`
	rec := env.do(http.MethodPost, "/fhir/Patient", body, SourceHeader, "urn:test:app")
	if rec.Code < http.StatusBadRequest {
		t.Fatalf("expected an error status, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, rt := range []string{"Bundle", "MessageHeader", "Patient"} {
		if n := len(search(t, env.registry, rt)); n != 0 {
			t.Errorf("expected no %s after failed create, got %d", rt, n)
		}
	}

	// A later direct write from the same source must not join the
	// rejected request's PDR.
	if rec := env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), SourceHeader, "urn:test:app"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Bundle")); n != 1 {
		t.Errorf("expected 1 PDR, got %d", n)
	}
}

func TestPatientUpdate_OwnAccount(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"))
	id, _ := env.service.PatientID(context.Background(), "alice")

	body := `{"resourceType":"Patient","id":"` + id + `","identifier":[{"system":"` + UsernameSystem + `","value":"alice"}],"gender":"male"}`
	rec := env.do(http.MethodPut, "/fhir/Patient/"+id, body, SourceHeader, "urn:test:other")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeResource(t, rec.Body.Bytes())
	if links := pdrLinks(updated); len(links) != 2 {
		t.Errorf("expected link list carried over plus new PDR link, got %v", links)
	}
	if updated["gender"] != "male" {
		t.Errorf("expected update stored, got %v", updated["gender"])
	}
}

func TestPatch_Rejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPatch, "/fhir/Observation/1", `[{"op":"remove","path":"/status"}]`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Direct Patches not supported") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestDirectWrite_RecordedInPDR(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), SourceHeader, "urn:test:app")
	patientID, _ := env.service.PatientID(context.Background(), "alice")

	obs := `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/` + patientID + `"}}`
	rec := env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:test:app")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeResource(t, rec.Body.Bytes())
	if accountUsername(created) != "alice" {
		t.Errorf("expected account extension, got %v", created["meta"])
	}

	// A second write from the same source joins the same PDR.
	rec = env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:test:app")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	second := decodeResource(t, rec.Body.Bytes())

	bundles := search(t, env.registry, "Bundle")
	if len(bundles) != 1 {
		t.Fatalf("expected writes to share one PDR, got %d", len(bundles))
	}
	entries := fhir.Entries(bundles[0])
	if len(entries) != 4 {
		t.Fatalf("expected header, patient and two observations, got %d entries", len(entries))
	}
	if got := fhir.EntryLinkURL(entries[2]); got != "Observation/"+fhir.ResourceID(created)+"/_history/1" {
		t.Errorf("unexpected first observation link %q", got)
	}
	if got := fhir.EntryLinkURL(entries[3]); got != "Observation/"+fhir.ResourceID(second)+"/_history/1" {
		t.Errorf("unexpected second observation link %q", got)
	}

	// Another source gets its own PDR.
	env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:test:other")
	if n := len(search(t, env.registry, "Bundle")); n != 2 {
		t.Errorf("expected a new PDR for another source, got %d", n)
	}
}

func TestDirectWrite_StalePDRNotReused(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), SourceHeader, "urn:test:app")
	patientID, _ := env.service.PatientID(context.Background(), "alice")
	obs := `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/` + patientID + `"}}`

	if rec := env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:test:app"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Bundle")); n != 1 {
		t.Fatalf("expected write to join the open PDR, got %d PDRs", n)
	}

	env.service.now = func() time.Time { return time.Now().Add(recentPDRWindow + time.Second) }
	if rec := env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:test:app"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Bundle")); n != 2 {
		t.Errorf("expected a new PDR after the window, got %d PDRs", n)
	}
	if n := len(search(t, env.registry, "MessageHeader")); n != 2 {
		t.Errorf("expected a new message header after the window, got %d", n)
	}
}

func TestDirectWrite_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/fhir/Observation", `{"resourceType":"Observation","status":"final"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Observation")); n != 0 {
		t.Errorf("expected nothing stored, got %d", n)
	}
}

func TestDirectWrite_SharedResourceUntracked(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/fhir/Practitioner", `{"resourceType":"Practitioner"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(search(t, env.registry, "Bundle")); n != 0 {
		t.Errorf("expected no PDR for a shared resource, got %d", n)
	}
}

func TestDeletePDR_Reverts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.do(http.MethodPost, "/fhir/Patient", patientJSON("alice"), SourceHeader, "urn:first")
	patientID, _ := env.service.PatientID(ctx, "alice")
	firstPDR := fhir.ResourceID(search(t, env.registry, "Bundle")[0])

	obs := `{"resourceType":"Observation","status":"preliminary","subject":{"reference":"Patient/` + patientID + `"}}`
	rec := env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:first")
	obsID := fhir.ResourceID(decodeResource(t, rec.Body.Bytes()))

	// A second source updates the observation and creates another one.
	update := `{"resourceType":"Observation","id":"` + obsID + `","status":"final","subject":{"reference":"Patient/` + patientID + `"}}`
	if rec := env.do(http.MethodPut, "/fhir/Observation/"+obsID, update, SourceHeader, "urn:second"); rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(http.MethodPost, "/fhir/Observation", obs, SourceHeader, "urn:second")
	extraID := fhir.ResourceID(decodeResource(t, rec.Body.Bytes()))

	var secondPDR string
	for _, b := range search(t, env.registry, "Bundle") {
		if id := fhir.ResourceID(b); id != firstPDR {
			secondPDR = id
		}
	}
	if secondPDR == "" {
		t.Fatal("expected a second PDR")
	}

	rec = env.do(http.MethodDelete, "/fhir/Bundle/"+secondPDR, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	obsDAO, _ := env.registry.DAO("Observation")
	reverted, err := obsDAO.Read(ctx, obsID)
	if err != nil {
		t.Fatalf("read reverted observation: %v", err)
	}
	if reverted["status"] != "preliminary" {
		t.Errorf("expected observation reverted to the first PDR's version, got %v", reverted["status"])
	}
	if _, err := obsDAO.Read(ctx, extraID); err == nil {
		t.Error("expected observation created only by the deleted PDR to be removed")
	}
	if _, err := env.registry.Bundles().Read(ctx, secondPDR); err == nil {
		t.Error("expected PDR bundle to be deleted")
	}
	if n := len(search(t, env.registry, "MessageHeader")); n != 1 {
		t.Errorf("expected only the first PDR's header to remain, got %d", n)
	}

	// Deleting the first PDR reverts the account Patient to a skeleton.
	rec = env.do(http.MethodDelete, "/fhir/Bundle/"+firstPDR, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	p, err := env.registry.Patients().Read(ctx, patientID)
	if err != nil {
		t.Fatalf("read patient: %v", err)
	}
	if _, ok := p["gender"]; ok || UsernameFromPatient(p) != "alice" {
		t.Errorf("expected skeleton patient, got %v", p)
	}
	if _, err := obsDAO.Read(ctx, obsID); err == nil {
		t.Error("expected observation to be removed with its last PDR")
	}
}

func TestDeleteBundle_NotPDR(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/fhir/Bundle", `{"resourceType":"Bundle","type":"collection"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	id := fhir.ResourceID(decodeResource(t, rec.Body.Bytes()))
	if rec := env.do(http.MethodDelete, "/fhir/Bundle/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestReads_PassThrough(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodGet, "/fhir/Observation", ""); rec.Code != http.StatusOK {
		t.Errorf("search: expected 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/fhir/metadata", ""); rec.Code != http.StatusOK {
		t.Errorf("metadata: expected 200, got %d", rec.Code)
	}
}
