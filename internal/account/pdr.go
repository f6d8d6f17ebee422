package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
)

// recentPDRWindow is how long a PDR keeps collecting direct writes from the
// same source.
const recentPDRWindow = 120 * time.Second

// ProcessPDR stores a Patient Data Receipt: the raw Bundle, a MessageHeader
// whose focus names that Bundle and the account Patient, and the content
// entries. header is the first entry of message. Either all of it is
// stored or none of it.
func (s *Service) ProcessPDR(ctx context.Context, header, message fhir.Resource) error {
	if len(fhir.Entries(message)) < 2 {
		return fhir.UnprocessableEntity("Patient Data Receipt must have at least one additional entry beside the MessageHeader")
	}
	username, err := UsernameFromHeader(header)
	if err != nil {
		return err
	}

	var bundleID string
	var stored int
	err = s.processor.InTx(ctx, func(ctx context.Context) error {
		patientID, err := s.EnsureAccount(ctx, username)
		if err != nil {
			return err
		}
		tx, err := pdrTransaction(message, header, patientID, username)
		if err != nil {
			return err
		}

		raw, err := s.bundles.Create(ctx, fhir.CloneResource(message))
		if err != nil {
			return fmt.Errorf("store pdr bundle: %w", err)
		}
		bundleID = fhir.ResourceID(raw)

		storedHeader, err := s.storeHeader(ctx, header, bundleID, patientID)
		if err != nil {
			return err
		}

		if err := s.stampEntries(ctx, tx, bundleID, username); err != nil {
			return err
		}
		resp, err := s.processor.Transaction(ctx, tx.bundle)
		if err != nil {
			return fmt.Errorf("store pdr entries: %w", err)
		}

		// Record where every entry ended up so the PDR can be reverted.
		entries := fhir.Entries(raw)
		fhir.AddEntryLink(entries[0], fhir.FormatReference("MessageHeader", fhir.ResourceID(storedHeader)))
		for i, loc := range fhir.ResponseLocations(resp) {
			if loc != "" && i < len(tx.sources) {
				fhir.AddEntryLink(entries[tx.sources[i]], loc)
			}
		}
		if _, err := s.bundles.Update(ctx, bundleID, raw); err != nil {
			return fmt.Errorf("link pdr bundle: %w", err)
		}
		stored = len(tx.sources)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("username", username).
		Str("bundle_id", bundleID).
		Int("entries", stored).
		Msg("patient data receipt processed")
	return nil
}

// storeHeader stores a copy of header whose focus is exactly the PDR Bundle
// and the account Patient.
func (s *Service) storeHeader(ctx context.Context, header fhir.Resource, bundleID, patientID string) (fhir.Resource, error) {
	h := fhir.CloneResource(header)
	h["focus"] = []interface{}{
		map[string]interface{}{"reference": fhir.FormatReference("Bundle", bundleID)},
		map[string]interface{}{"reference": fhir.FormatReference("Patient", patientID)},
	}
	stored, err := s.headers.Create(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("store pdr message header: %w", err)
	}
	return stored, nil
}

// stampEntries adds the PDR link and account extensions to every resource
// of the transaction. The account Patient keeps its existing link list.
func (s *Service) stampEntries(ctx context.Context, tx *pdrTx, bundleID, username string) error {
	for _, entry := range fhir.Entries(tx.bundle) {
		resource := fhir.EntryResource(entry)
		if resource == nil || isShared(fhir.ResourceType(resource)) {
			continue
		}
		var previous []string
		if fhir.ResourceType(resource) == "Patient" {
			_, id, _, _ := fhir.SplitReference(fhir.String(fhir.Object(entry, "request"), "url"))
			current, err := s.patients.Read(ctx, id)
			if err != nil {
				return fmt.Errorf("read account patient: %w", err)
			}
			previous = pdrLinks(current)
		}
		stampPDR(resource, previous, bundleID, username)
	}
	return nil
}

// pdrTx is the transaction built from a PDR. sources[i] is the index in
// the PDR of transaction entry i.
type pdrTx struct {
	bundle  fhir.Resource
	sources []int
}

// pdrTransaction converts the content entries of a PDR into a transaction:
// MessageHeaders are dropped, the single Patient becomes a PUT on the
// account Patient and everything else is POSTed.
func pdrTransaction(message, header fhir.Resource, patientID, username string) (*pdrTx, error) {
	healthKit := fhir.SourceEndpoint(header) == HealthKitEndpoint

	tx := &pdrTx{bundle: fhir.NewBundle(fhir.BundleTypeTransaction)}
	aliases := map[string]string{}
	patientFound := false
	for i, src := range fhir.Entries(message) {
		resource := fhir.CloneResource(fhir.EntryResource(src))
		rt := fhir.ResourceType(resource)
		if rt == "MessageHeader" {
			continue
		}
		if rt == "" {
			return nil, fhir.UnprocessableEntity("PDR entry %d has no resource", i)
		}
		if healthKit {
			fixHealthKitResource(resource, patientID)
		}

		entry := map[string]interface{}{"resource": resource}
		fullURL := fhir.String(src, "fullUrl")
		if fullURL == "" {
			fullURL = deriveFullURL(resource)
		}
		if fullURL != "" {
			entry["fullUrl"] = fullURL
		}

		if rt == "Patient" {
			if patientFound {
				return nil, fhir.UnprocessableEntity("PDR cannot have more than 1 patient instance")
			}
			patientFound = true
			// References to the submitted Patient now point at the account.
			if id := fhir.ResourceID(resource); id != "" {
				aliases[fhir.FormatReference("Patient", id)] = fhir.FormatReference("Patient", patientID)
			}
			if fullURL != "" && !strings.HasPrefix(fullURL, "urn:") {
				aliases[fullURL] = fhir.FormatReference("Patient", patientID)
			}
			if UsernameFromPatient(resource) == "" {
				AddUsernameToPatient(resource, username)
			}
			resource["id"] = patientID
			entry["request"] = map[string]interface{}{"method": "PUT", "url": fhir.FormatReference("Patient", patientID)}
		} else {
			entry["request"] = map[string]interface{}{"method": "POST", "url": rt}
		}

		fhir.AddEntry(tx.bundle, entry)
		tx.sources = append(tx.sources, i)
	}

	for _, entry := range fhir.Entries(tx.bundle) {
		fhir.ResolveReferences(fhir.EntryResource(entry), aliases)
	}
	return tx, nil
}

// deriveFullURL names an entry without a fullUrl after its id so that
// references between entries still resolve.
func deriveFullURL(resource fhir.Resource) string {
	id := fhir.ResourceID(resource)
	switch {
	case id == "":
		return ""
	case isGUID(id):
		return "urn:uuid:" + id
	default:
		return fhir.FormatReference(fhir.ResourceType(resource), id)
	}
}

func isGUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// fixHealthKitResource points HealthKit exports at the account Patient and
// drops links to encounters and asserters the export never contains.
func fixHealthKitResource(resource fhir.Resource, patientID string) {
	ref := map[string]interface{}{"reference": fhir.FormatReference("Patient", patientID)}
	switch fhir.ResourceType(resource) {
	case "Observation", "Procedure":
		resource["subject"] = ref
		delete(resource, "encounter")
	case "Condition":
		resource["subject"] = ref
		delete(resource, "asserter")
	case "AllergyIntolerance":
		resource["patient"] = ref
	}
}

// newPDR builds an empty PDR Bundle for username whose MessageHeader names
// source as its endpoint.
func newPDR(username, source string) (bundle, header fhir.Resource) {
	header = fhir.Resource{
		"resourceType": "MessageHeader",
		"eventUri":     PDREvent,
		"source":       map[string]interface{}{"endpoint": source},
		"extension": []interface{}{
			map[string]interface{}{"url": AccountExtensionURL, "valueString": username},
		},
	}
	bundle = fhir.NewBundle(fhir.BundleTypeMessage)
	bundle["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	fhir.AddEntry(bundle, map[string]interface{}{"resource": fhir.CloneResource(header)})
	return bundle, header
}

// openPDR returns the PDR Bundle that direct writes from source should be
// recorded in: the newest one stored for the account within the recent
// window, or a new one.
func (s *Service) openPDR(ctx context.Context, username, patientID, source string) (bundleID string, bundle fhir.Resource, err error) {
	recent, err := s.headers.Search(ctx, fhirstore.SearchParams{
		Criteria: fhir.Resource{
			"eventUri": PDREvent,
			"source":   map[string]interface{}{"endpoint": source},
		},
		Reference:    fhir.FormatReference("Patient", patientID),
		UpdatedSince: s.now().Add(-recentPDRWindow),
		Count:        1,
	})
	if err != nil {
		return "", nil, fmt.Errorf("find recent pdr: %w", err)
	}
	if len(recent) > 0 {
		if id := focusBundleID(recent[0]); id != "" {
			b, err := s.bundles.Read(ctx, id)
			if err == nil {
				return id, b, nil
			}
			s.logger.Debug().Err(err).Str("bundle_id", id).Msg("recent pdr unreadable, starting a new one")
		}
	}
	return s.createPDR(ctx, username, patientID, source)
}

// createPDR stores a new PDR Bundle and its MessageHeader. The link from the
// Bundle to the MessageHeader is set on the returned Bundle only; the caller
// stores it together with the entry it appends.
func (s *Service) createPDR(ctx context.Context, username, patientID, source string) (string, fhir.Resource, error) {
	bundle, header := newPDR(username, source)
	stored, err := s.bundles.Create(ctx, bundle)
	if err != nil {
		return "", nil, fmt.Errorf("store pdr bundle: %w", err)
	}
	bundleID := fhir.ResourceID(stored)

	storedHeader, err := s.storeHeader(ctx, header, bundleID, patientID)
	if err != nil {
		return "", nil, err
	}
	fhir.AddEntryLink(fhir.Entries(stored)[0], fhir.FormatReference("MessageHeader", fhir.ResourceID(storedHeader)))
	return bundleID, stored, nil
}

func focusBundleID(header fhir.Resource) string {
	for _, raw := range fhir.Array(header, "focus") {
		focus, _ := raw.(map[string]interface{})
		if rt, id, _, ok := fhir.SplitReference(fhir.String(focus, "reference")); ok && rt == "Bundle" {
			return id
		}
	}
	return ""
}
