package account

import (
	"context"
	"strings"
	"testing"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

func TestEnsureAccount_Idempotent(t *testing.T) {
	svc, registry := newTestService()
	ctx := context.Background()

	id1, err := svc.EnsureAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	id2, err := svc.EnsureAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if id1 == "" || id1 != id2 {
		t.Errorf("expected the same id twice, got %q and %q", id1, id2)
	}
	if n := len(search(t, registry, "Patient")); n != 1 {
		t.Errorf("expected 1 patient, got %d", n)
	}

	if _, err := svc.EnsureAccount(ctx, ""); err == nil {
		t.Error("expected empty username to be rejected")
	}
}

func TestPatientID_MultiplePatients(t *testing.T) {
	svc, registry := newTestService()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := registry.Patients().Create(ctx, SkeletonPatient("dup")); err != nil {
			t.Fatal(err)
		}
	}

	_, err := svc.PatientID(ctx, "dup")
	if err == nil || !strings.Contains(err.Error(), "multiple patient instances with username 'dup'") {
		t.Fatalf("expected multiple instances error, got %v", err)
	}
	if opErr, ok := fhir.AsOperationError(err); !ok || opErr.Status != 500 {
		t.Errorf("expected 500 operation error, got %v", err)
	}
}

func TestPatientID_StaleCacheEntry(t *testing.T) {
	svc, registry := newTestService()
	ctx := context.Background()

	id, _ := svc.EnsureAccount(ctx, "alice")
	if err := registry.Patients().Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	got, err := svc.PatientID(ctx, "alice")
	if err != nil {
		t.Fatalf("PatientID: %v", err)
	}
	if got != "" {
		t.Errorf("expected deleted account to be forgotten, got %q", got)
	}
	if _, ok, _ := svc.cache.Get(ctx, "alice"); ok {
		t.Error("expected stale cache entry to be dropped")
	}
}

func TestRebuild(t *testing.T) {
	svc, registry := newTestService()
	ctx := context.Background()

	msg := pdrMessage("alice", HealthKitEndpoint,
		fhir.Resource{"resourceType": "Patient", "gender": "female"},
		fhir.Resource{"resourceType": "Observation", "status": "final", "subject": map[string]interface{}{"reference": "Patient/whatever"}},
	)
	header := fhir.EntryResource(fhir.Entries(msg)[0])
	if err := svc.ProcessPDR(ctx, header, msg); err != nil {
		t.Fatalf("ProcessPDR: %v", err)
	}
	id, _ := svc.PatientID(ctx, "alice")
	if n := len(search(t, registry, "Observation")); n != 1 {
		t.Fatalf("expected 1 observation before rebuild, got %d", n)
	}

	if err := svc.Rebuild(ctx, "alice"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if n := len(search(t, registry, "Observation")); n != 0 {
		t.Errorf("expected observations to be removed, got %d", n)
	}
	if n := len(search(t, registry, "Bundle")); n != 1 {
		t.Errorf("expected PDR bundle to be kept, got %d", n)
	}
	if n := len(search(t, registry, "MessageHeader")); n != 1 {
		t.Errorf("expected message header to be kept, got %d", n)
	}
	p, err := registry.Patients().Read(ctx, id)
	if err != nil {
		t.Fatalf("read patient: %v", err)
	}
	if _, ok := p["gender"]; ok || UsernameFromPatient(p) != "alice" {
		t.Errorf("expected skeleton patient, got %v", p)
	}
}

func TestRebuild_NoAccount(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Rebuild(context.Background(), "nobody")
	if err == nil || err.Error() != "Rebuild failed: no patient record for 'nobody'" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc, registry := newTestService()
	ctx := context.Background()

	msg := pdrMessage("alice", HealthKitEndpoint,
		fhir.Resource{"resourceType": "Observation", "status": "final"},
	)
	if err := svc.ProcessPDR(ctx, fhir.EntryResource(fhir.Entries(msg)[0]), msg); err != nil {
		t.Fatalf("ProcessPDR: %v", err)
	}

	if err := svc.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, rt := range []string{"Patient", "Observation", "Bundle", "MessageHeader"} {
		if n := len(search(t, registry, rt)); n != 0 {
			t.Errorf("expected no %s left, got %d", rt, n)
		}
	}
	if id, _ := svc.PatientID(ctx, "alice"); id != "" {
		t.Errorf("expected account to be gone, got %q", id)
	}

	if err := svc.Delete(ctx, "alice"); err == nil {
		t.Error("expected deleting a missing account to fail")
	}
}
