package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
)

// Service implements the account lifecycle on top of the store.
type Service struct {
	patients  fhirstore.PatientDAO
	bundles   fhirstore.ResourceDAO
	headers   fhirstore.ResourceDAO
	processor fhirstore.TransactionProcessor
	cache     Cache
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates the account service. A nil cache disables caching.
func NewService(patients fhirstore.PatientDAO, bundles, headers fhirstore.ResourceDAO, processor fhirstore.TransactionProcessor, cache Cache, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = noCache{}
	}
	return &Service{
		patients:  patients,
		bundles:   bundles,
		headers:   headers,
		processor: processor,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// PatientID returns the id of the account Patient for username, or "" when
// no account exists.
func (s *Service) PatientID(ctx context.Context, username string) (string, error) {
	if id, ok, err := s.cache.Get(ctx, username); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("account cache read failed")
	} else if ok {
		if _, err := s.patients.Read(ctx, id); err == nil {
			return id, nil
		}
		_ = s.cache.Delete(ctx, username)
	}

	found, err := s.patients.Search(ctx, fhirstore.SearchParams{
		Criteria: fhir.Resource{
			"identifier": []interface{}{
				map[string]interface{}{"system": UsernameSystem, "value": username},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("find account %s: %w", username, err)
	}

	switch len(found) {
	case 0:
		return "", nil
	case 1:
		id := fhir.ResourceID(found[0])
		if err := s.cache.Set(ctx, username, id); err != nil {
			s.logger.Warn().Err(err).Str("username", username).Msg("account cache write failed")
		}
		return id, nil
	default:
		return "", fhir.InternalError(nil, "multiple patient instances with username '%s'", username)
	}
}

// EnsureAccount returns the account Patient id for username, creating a
// skeleton Patient when the account does not exist yet.
func (s *Service) EnsureAccount(ctx context.Context, username string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	id, err := s.PatientID(ctx, username)
	if err != nil || id != "" {
		return id, err
	}

	created, err := s.patients.Create(ctx, SkeletonPatient(username))
	if err != nil {
		return "", fmt.Errorf("create account %s: %w", username, err)
	}
	id = fhir.ResourceID(created)
	if err := s.cache.Set(ctx, username, id); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("account cache write failed")
	}
	s.logger.Info().Str("username", username).Str("patient_id", id).Msg("account created")
	return id, nil
}

// Rebuild deletes everything the account holds except the Patient, its
// MessageHeaders and PDR Bundles, then reverts the Patient to a skeleton.
func (s *Service) Rebuild(ctx context.Context, username string) error {
	id, err := s.PatientID(ctx, username)
	if err != nil {
		return err
	}
	if id == "" {
		return fhir.InternalError(nil, "Rebuild failed: no patient record for '%s'", username)
	}

	if err := s.deleteEverything(ctx, id, false); err != nil {
		return fmt.Errorf("rebuild %s: %w", username, err)
	}

	skeleton := SkeletonPatient(username)
	skeleton["id"] = id
	if _, err := s.patients.Update(ctx, id, skeleton); err != nil {
		return fmt.Errorf("rebuild %s: revert patient: %w", username, err)
	}
	s.logger.Info().Str("username", username).Msg("account rebuilt")
	return nil
}

// Delete removes every resource of the account, including the Patient.
func (s *Service) Delete(ctx context.Context, username string) error {
	id, err := s.PatientID(ctx, username)
	if err != nil {
		return err
	}
	if id == "" {
		return fhir.InternalError(nil, "Delete failed: no patient record for '%s'", username)
	}

	if err := s.deleteEverything(ctx, id, true); err != nil {
		return fmt.Errorf("delete %s: %w", username, err)
	}
	if err := s.cache.Delete(ctx, username); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("account cache delete failed")
	}
	s.logger.Info().Str("username", username).Msg("account deleted")
	return nil
}

// deleteEverything deletes the Patient compartment in one transaction.
// Without fullRemoval the Patient, MessageHeaders and Bundles are kept.
func (s *Service) deleteEverything(ctx context.Context, patientID string, fullRemoval bool) error {
	everything, err := s.patients.Everything(ctx, patientID)
	if err != nil {
		return err
	}

	tx := fhir.NewBundle(fhir.BundleTypeTransaction)
	for _, r := range everything {
		rt := fhir.ResourceType(r)
		if !fullRemoval && (rt == "Patient" || rt == "MessageHeader" || rt == "Bundle") {
			continue
		}
		fhir.AddEntry(tx, deleteEntry(rt, fhir.ResourceID(r)))
	}
	if len(fhir.Entries(tx)) == 0 {
		return nil
	}
	_, err = s.processor.Transaction(ctx, tx)
	return err
}

// usernameForPatient returns the account username of Patient/id, or ""
// when the Patient is unknown or carries none.
func (s *Service) usernameForPatient(ctx context.Context, id string) (string, error) {
	p, err := s.patients.Read(ctx, id)
	if errors.Is(err, fhirstore.ErrNotFound) || errors.Is(err, fhirstore.ErrGone) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return UsernameFromPatient(p), nil
}

func deleteEntry(resourceType, id string) map[string]interface{} {
	return map[string]interface{}{
		"request": map[string]interface{}{
			"method": "DELETE",
			"url":    fhir.FormatReference(resourceType, id),
		},
	}
}

func putEntry(resource fhir.Resource, resourceType, id string) map[string]interface{} {
	return map[string]interface{}{
		"resource": resource,
		"request": map[string]interface{}{
			"method": "PUT",
			"url":    fhir.FormatReference(resourceType, id),
		},
	}
}
