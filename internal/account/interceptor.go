package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
	"github.com/ohm/healthmanager/internal/platform/restful"
)

// SourceHeader names the client submitting direct writes. It becomes the
// source endpoint of the PDR that records them.
const SourceHeader = "X-Source-Endpoint"

const (
	userDataPDREntry = "account.pdrEntry"
	userDataHandled  = "account.handled"
)

// DAOLookup resolves the DAO of any resource type.
type DAOLookup interface {
	DAO(resourceType string) (fhirstore.ResourceDAO, error)
}

// pdrEntry locates the entry a direct write was recorded at.
type pdrEntry struct {
	bundleID string
	index    int
}

// Interceptor applies the account rules to every FHIR request: Patient
// writes are bound to a username, direct writes are recorded in PDRs and
// deleting a PDR reverts what it wrote.
type Interceptor struct {
	service   *Service
	daos      DAOLookup
	processor fhirstore.TransactionProcessor
	logger    zerolog.Logger
}

// NewInterceptor creates the account interceptor. daos resolves the DAO of
// resources reverted when a PDR is deleted.
func NewInterceptor(service *Service, daos DAOLookup, processor fhirstore.TransactionProcessor, logger zerolog.Logger) *Interceptor {
	return &Interceptor{
		service:   service,
		daos:      daos,
		processor: processor,
		logger:    logger.With().Str("component", "account").Logger(),
	}
}

// IncomingRequest handles Patient writes for new accounts and PDR deletes.
func (i *Interceptor) IncomingRequest(c echo.Context, rd *restful.RequestDetails) (bool, error) {
	switch {
	case rd.ResourceName == "Patient" && (rd.RestOperationType == restful.OpCreate || rd.RestOperationType == restful.OpUpdate):
		return i.patientWrite(c, rd)
	case rd.ResourceName == "Bundle" && rd.RestOperationType == restful.OpDelete:
		return i.deletePDR(c, rd)
	}
	return false, nil
}

// PreHandled rejects patches and records direct writes in a PDR.
func (i *Interceptor) PreHandled(c echo.Context, rd *restful.RequestDetails) error {
	switch rd.RestOperationType {
	case restful.OpPatch:
		return fhir.UnprocessableEntity("Direct Patches not supported")
	case restful.OpCreate, restful.OpUpdate:
		return i.recordWrite(c, rd)
	}
	return nil
}

// OutgoingResponse links the stored version of a direct write to its PDR
// entry.
func (i *Interceptor) OutgoingResponse(c echo.Context, rd *restful.RequestDetails, resp *restful.Response) error {
	if rd.RestOperationType != restful.OpCreate && rd.RestOperationType != restful.OpUpdate {
		return nil
	}
	if handled, _ := rd.UserData[userDataHandled].(bool); handled || !isTracked(rd.ResourceName) {
		return nil
	}
	stored, ok := resp.Resource.(fhir.Resource)
	if !ok || resp.Status >= http.StatusMultipleChoices {
		return nil
	}
	return i.linkStored(c.Request().Context(), rd, stored)
}

// patientWrite binds a Patient create or update to its username. Writes for
// a new account are stored here together with their PDR.
func (i *Interceptor) patientWrite(c echo.Context, rd *restful.RequestDetails) (bool, error) {
	ctx := c.Request().Context()
	patient := rd.Resource
	username := UsernameFromPatient(patient)
	if username == "" {
		return false, fhir.UnprocessableEntity("could not identify account username for Patient CREATE/UPDATE")
	}
	if err := ValidateUsername(username); err != nil {
		return false, err
	}

	accountID, err := i.service.PatientID(ctx, username)
	if err != nil {
		return false, err
	}
	if accountID != "" {
		// Only a PUT on the account's own Patient may change it.
		if rd.RestOperationType != restful.OpUpdate || rd.ResourceID != accountID {
			return false, fhir.UnprocessableEntity("patient record for account already exists")
		}
		return false, nil
	}

	var previous []string
	if rd.ResourceID != "" {
		current, err := i.service.patients.Read(ctx, rd.ResourceID)
		switch {
		case err == nil:
			if existing := UsernameFromPatient(current); existing != "" && existing != username {
				return false, fhir.UnprocessableEntity("Cannot use PUT to change a username")
			}
			previous = pdrLinks(current)
		case !errors.Is(err, fhirstore.ErrNotFound) && !errors.Is(err, fhirstore.ErrGone):
			return false, err
		}
	}

	// The PDR, its header and the Patient are stored together or not at all.
	var created fhir.Resource
	err = i.service.processor.InTx(ctx, func(ctx context.Context) error {
		pdr, header := newPDR(username, sourceFor(c))
		fhir.AddEntry(pdr, map[string]interface{}{"resource": fhir.CloneResource(patient)})
		storedPDR, err := i.service.bundles.Create(ctx, pdr)
		if err != nil {
			return fmt.Errorf("store pdr bundle: %w", err)
		}
		bundleID := fhir.ResourceID(storedPDR)

		stampPDR(patient, previous, bundleID, username)
		if rd.ResourceID == "" {
			created, err = i.service.patients.Create(ctx, patient)
		} else {
			created, err = i.service.patients.Update(ctx, rd.ResourceID, patient)
		}
		if err != nil {
			return err
		}

		storedHeader, err := i.service.storeHeader(ctx, header, bundleID, fhir.ResourceID(created))
		if err != nil {
			return err
		}
		entries := fhir.Entries(storedPDR)
		fhir.AddEntryLink(entries[0], fhir.FormatReference("MessageHeader", fhir.ResourceID(storedHeader)))
		fhir.AddEntryLink(entries[1], fhir.FormatHistoryReference("Patient", fhir.ResourceID(created), fhir.VersionID(created)))
		if _, err := i.service.bundles.Update(ctx, bundleID, storedPDR); err != nil {
			return fmt.Errorf("link pdr bundle: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	patientID := fhir.ResourceID(created)

	i.logger.Info().Str("username", username).Str("patient_id", patientID).Msg("account patient stored")

	fhir.SetVersionHeaders(c, created)
	c.Response().Header().Set(echo.HeaderLocation, rd.ServerBase+fhir.FormatHistoryReference("Patient", patientID, fhir.VersionID(created)))
	rd.UserData[userDataHandled] = true
	return true, restful.Respond(c, http.StatusCreated, created)
}

// recordWrite appends a direct create or update to the open PDR of the
// account and stamps the resource with the PDR link and account
// extensions before it is stored.
func (i *Interceptor) recordWrite(c echo.Context, rd *restful.RequestDetails) error {
	resource := rd.Resource
	if resource == nil || !isTracked(rd.ResourceName) {
		return nil
	}
	ctx := c.Request().Context()

	username, err := i.usernameFor(ctx, resource)
	if err != nil {
		return err
	}
	if username == "" {
		return fhir.UnprocessableEntity("could not identify account username for CREATE")
	}
	var bundleID string
	var index int
	err = i.service.processor.InTx(ctx, func(ctx context.Context) error {
		patientID, err := i.service.EnsureAccount(ctx, username)
		if err != nil {
			return err
		}
		var pdr fhir.Resource
		bundleID, pdr, err = i.service.openPDR(ctx, username, patientID, sourceFor(c))
		if err != nil {
			return err
		}
		index = fhir.AddEntry(pdr, map[string]interface{}{"resource": fhir.CloneResource(resource)})
		if _, err := i.service.bundles.Update(ctx, bundleID, pdr); err != nil {
			return fmt.Errorf("update pdr bundle: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rd.UserData[userDataPDREntry] = pdrEntry{bundleID: bundleID, index: index}

	// The link list is managed here; whatever the client sent is replaced
	// by the stored one.
	var previous []string
	if rd.ResourceID != "" {
		if dao, err := i.daos.DAO(rd.ResourceName); err == nil {
			if existing, err := dao.Read(ctx, rd.ResourceID); err == nil {
				previous = pdrLinks(existing)
			}
		}
	}
	stampPDR(resource, previous, bundleID, username)
	return nil
}

// linkStored records the stored version of a direct write at its PDR entry.
func (i *Interceptor) linkStored(ctx context.Context, rd *restful.RequestDetails, stored fhir.Resource) error {
	links := pdrLinks(stored)
	if len(links) == 0 {
		return fhir.UnprocessableEntity("resource stored without a bundle link")
	}
	_, bundleID, _, ok := fhir.SplitReference(links[len(links)-1])
	if !ok {
		return fhir.InternalError(nil, "bad pdr link extension")
	}
	pdr, err := i.service.bundles.Read(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("read pdr bundle: %w", err)
	}

	entries := fhir.Entries(pdr)
	index := len(entries) - 1
	if at, ok := rd.UserData[userDataPDREntry].(pdrEntry); ok && at.bundleID == bundleID && at.index < len(entries) {
		index = at.index
	}
	if index < 1 {
		return fhir.InternalError(nil, "pdr bundle %s has no entry for the stored resource", bundleID)
	}
	link := fhir.FormatHistoryReference(fhir.ResourceType(stored), fhir.ResourceID(stored), fhir.VersionID(stored))
	fhir.AddEntryLink(entries[index], link)
	if _, err := i.service.bundles.Update(ctx, bundleID, pdr); err != nil {
		return fmt.Errorf("link pdr bundle: %w", err)
	}
	return nil
}

// deletePDR deletes a PDR Bundle together with its MessageHeader and
// reverts every resource whose current version the PDR wrote: to the
// version written by the newest other PDR in its link list, or away
// entirely when there is none. Account Patients revert to a skeleton.
func (i *Interceptor) deletePDR(c echo.Context, rd *restful.RequestDetails) (bool, error) {
	ctx := c.Request().Context()
	bundleID := rd.ResourceID
	pdr, err := i.service.bundles.Read(ctx, bundleID)
	if err != nil || !IsPDR(pdr) {
		// Plain Bundles and misses are left to the generic handler.
		return false, nil
	}

	entries := fhir.Entries(pdr)
	tx := fhir.NewBundle(fhir.BundleTypeTransaction)
	fhir.AddEntry(tx, deleteEntry("Bundle", bundleID))

	for idx, entry := range entries {
		link := fhir.EntryLinkURL(entry)
		if idx == 0 {
			if rt, id, _, ok := fhir.SplitReference(link); ok && rt == "MessageHeader" {
				fhir.AddEntry(tx, deleteEntry(rt, id))
			}
			continue
		}
		if link == "" || isShared(fhir.ResourceType(fhir.EntryResource(entry))) {
			// Shared resources keep whatever was written last.
			continue
		}

		revert, err := i.revertEntry(ctx, pdr, bundleID, link)
		if err != nil {
			return false, err
		}
		if revert != nil {
			fhir.AddEntry(tx, revert)
		}
	}

	if _, err := i.processor.Transaction(ctx, tx); err != nil {
		return false, fmt.Errorf("delete pdr %s: %w", bundleID, err)
	}
	i.logger.Info().Str("bundle_id", bundleID).Int("entries", len(entries)).Msg("patient data receipt deleted")

	rd.UserData[userDataHandled] = true
	return true, restful.Respond(c, http.StatusNoContent, nil)
}

// revertEntry returns the transaction entry undoing the write recorded by
// link, or nil when the resource has moved on since. A resource still
// carrying this PDR as its newest link counts as its write even when a
// revert bumped the version.
func (i *Interceptor) revertEntry(ctx context.Context, pdr fhir.Resource, bundleID, link string) (map[string]interface{}, error) {
	rt, id, version, ok := fhir.SplitReference(link)
	if !ok || version == "" {
		return nil, fhir.InternalError(nil, "malformed link %q in PDR", link)
	}
	if isShared(rt) {
		return nil, nil
	}
	dao, err := i.daos.DAO(rt)
	if err != nil {
		return nil, fhir.InternalError(err, "failed to find the resource DAO for resource type '%s'", rt)
	}

	current, err := dao.Read(ctx, id)
	if errors.Is(err, fhirstore.ErrNotFound) || errors.Is(err, fhirstore.ErrGone) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if versionInPDR(pdr, rt, id) != version {
		// A later entry of this PDR wrote the resource again.
		return nil, nil
	}
	if fhir.VersionID(current) != version && lastPDRLink(current) != bundleID {
		return nil, nil
	}

	latest, err := i.latestOtherPDR(ctx, current, bundleID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		if rt == "Patient" {
			username, err := UsernameFromHeader(fhir.EntryResource(fhir.Entries(pdr)[0]))
			if err != nil {
				return nil, err
			}
			skeleton := SkeletonPatient(username)
			skeleton["id"] = id
			return putEntry(skeleton, rt, id), nil
		}
		return deleteEntry(rt, id), nil
	}

	target := versionInPDR(latest, rt, id)
	if target == "" {
		return nil, fhir.InternalError(nil, "No version for resource found in PDR")
	}
	prior, err := dao.VRead(ctx, id, target)
	if err != nil {
		return nil, fhir.InternalError(err, "target version read failed")
	}
	return putEntry(fhir.CloneResource(prior), rt, id), nil
}

// latestOtherPDR returns the newest readable PDR in resource's link list
// other than excludeID, or nil.
func (i *Interceptor) latestOtherPDR(ctx context.Context, resource fhir.Resource, excludeID string) (fhir.Resource, error) {
	links := pdrLinks(resource)
	for n := len(links) - 1; n >= 0; n-- {
		_, id, _, ok := fhir.SplitReference(links[n])
		if !ok || id == excludeID {
			continue
		}
		b, err := i.service.bundles.Read(ctx, id)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fhirstore.ErrNotFound) && !errors.Is(err, fhirstore.ErrGone) {
			return nil, err
		}
	}
	return nil, nil
}

// lastPDRLink returns the id of the newest PDR in resource's link list.
func lastPDRLink(resource fhir.Resource) string {
	links := pdrLinks(resource)
	if len(links) == 0 {
		return ""
	}
	_, id, _, _ := fhir.SplitReference(links[len(links)-1])
	return id
}

// versionInPDR returns the last version of Type/id that pdr recorded.
func versionInPDR(pdr fhir.Resource, resourceType, id string) string {
	version := ""
	for _, entry := range fhir.Entries(pdr) {
		rt, rid, v, ok := fhir.SplitReference(fhir.EntryLinkURL(entry))
		if ok && rt == resourceType && rid == id && v != "" {
			version = v
		}
	}
	return version
}

// usernameFor finds the account a resource belongs to: the Patient's own
// identifier, the account extension, or the account of the Patient named
// in subject or patient.
func (i *Interceptor) usernameFor(ctx context.Context, resource fhir.Resource) (string, error) {
	if fhir.ResourceType(resource) == "Patient" {
		return UsernameFromPatient(resource), nil
	}
	if u := accountUsername(resource); u != "" {
		return u, nil
	}
	for _, key := range []string{"subject", "patient"} {
		rt, id, _, ok := fhir.SplitReference(fhir.ReferenceOf(resource, key))
		if !ok || rt != "Patient" {
			continue
		}
		u, err := i.service.usernameForPatient(ctx, id)
		if err != nil || u != "" {
			return u, err
		}
	}
	return "", nil
}

// sourceFor names the client of a direct write.
func sourceFor(c echo.Context) string {
	if s := c.Request().Header.Get(SourceHeader); s != "" {
		return s
	}
	if ua := c.Request().UserAgent(); ua != "" {
		return ua
	}
	return "unknown"
}
