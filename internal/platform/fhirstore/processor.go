package fhirstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

// TransactionProcessor executes transaction and batch Bundles.
type TransactionProcessor interface {
	Transaction(ctx context.Context, bundle fhir.Resource) (fhir.Resource, error)
	// InTx runs fn in one store transaction. Writes and transactions made
	// with the context passed to fn join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Processor is the store's TransactionProcessor. A transaction runs inside
// one backend transaction and either applies every entry or none. A batch
// runs each entry on its own and reports failures per entry.
type Processor struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewProcessor creates a processor writing through the registry's DAOs.
func NewProcessor(registry *Registry, logger zerolog.Logger) *Processor {
	return &Processor{registry: registry, logger: logger}
}

// InTx runs fn inside a backend transaction.
func (p *Processor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.registry.Backend().InTx(ctx, fn)
}

// Transaction executes a transaction or batch Bundle and returns the
// response Bundle.
func (p *Processor) Transaction(ctx context.Context, bundle fhir.Resource) (fhir.Resource, error) {
	tb, err := fhir.ParseTransactionBundle(bundle)
	if err != nil {
		return nil, fhir.InvalidRequest("%v", err)
	}
	if issues := fhir.ValidateTransactionBundle(tb); len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, issue := range issues {
			msgs[i] = issue.Diagnostics
		}
		return nil, fhir.InvalidRequest("%s", strings.Join(msgs, "; "))
	}

	idMap := assignIDs(tb.Entries)
	responses := make([]fhir.BundleEntryResponse, len(tb.Entries))
	sorted := fhir.SortTransactionEntries(tb.Entries)

	p.logger.Debug().
		Str("type", tb.Type).
		Int("entries", len(tb.Entries)).
		Msg("processing bundle")

	if tb.Type == fhir.BundleTypeBatch {
		for _, entry := range sorted {
			resp, err := p.execute(ctx, entry, idMap)
			if err != nil {
				resp = failedResponse(err)
			}
			responses[entry.Index] = resp
		}
		return fhir.NewTransactionResponse(fhir.BundleTypeBatchResponse, responses), nil
	}

	err = p.registry.Backend().InTx(ctx, func(ctx context.Context) error {
		for _, entry := range sorted {
			resp, err := p.execute(ctx, entry, idMap)
			if err != nil {
				return fmt.Errorf("transaction entry %d: %w", entry.Index, err)
			}
			responses[entry.Index] = resp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fhir.NewTransactionResponse(fhir.BundleTypeTransactionResponse, responses), nil
}

// assignIDs maps every urn:uuid fullUrl to the reference the entry will be
// stored under. POST entries get a fresh server id up front so that other
// entries can reference them regardless of processing order.
func assignIDs(entries []fhir.TransactionEntry) map[string]string {
	idMap := make(map[string]string)
	for _, e := range entries {
		if !strings.HasPrefix(e.FullURL, "urn:uuid:") {
			continue
		}
		rt, id, _ := fhir.ParseEntryURL(e.Request.URL)
		switch e.Request.Method {
		case http.MethodPost:
			if rt == "" {
				rt = fhir.ResourceType(e.Resource)
			}
			idMap[e.FullURL] = fhir.FormatReference(rt, uuid.New().String())
		case http.MethodPut:
			if id != "" {
				idMap[e.FullURL] = fhir.FormatReference(rt, id)
			}
		}
	}
	return idMap
}

func (p *Processor) execute(ctx context.Context, entry fhir.TransactionEntry, idMap map[string]string) (fhir.BundleEntryResponse, error) {
	url := fhir.ReplaceURNRefs(entry.Request.URL, idMap)
	rt, id, isSearch := fhir.ParseEntryURL(url)

	dao, err := p.registry.DAO(rt)
	if err != nil {
		return fhir.BundleEntryResponse{}, err
	}

	var resource fhir.Resource
	if entry.Resource != nil {
		resource = fhir.CloneResource(entry.Resource)
		fhir.ResolveReferences(resource, idMap)
	}

	switch entry.Request.Method {
	case http.MethodPost:
		_, newID, _, _ := fhir.SplitReference(idMap[entry.FullURL])
		if newID == "" {
			newID = uuid.New().String()
		}
		delete(resource, "id")
		stored, err := dao.Update(ctx, newID, resource)
		if err != nil {
			return fhir.BundleEntryResponse{}, err
		}
		return storedResponse("201 Created", stored), nil

	case http.MethodPut:
		if id == "" {
			return fhir.BundleEntryResponse{}, fhir.InvalidRequest("PUT %s requires an id", url)
		}
		stored, err := dao.Update(ctx, id, resource)
		if err != nil {
			return fhir.BundleEntryResponse{}, err
		}
		status := "200 OK"
		if fhir.VersionID(stored) == "1" {
			status = "201 Created"
		}
		return storedResponse(status, stored), nil

	case http.MethodDelete:
		if id == "" {
			return fhir.BundleEntryResponse{}, fhir.InvalidRequest("conditional delete is not supported: %s", url)
		}
		if err := dao.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return fhir.BundleEntryResponse{}, err
		}
		return fhir.BundleEntryResponse{Status: "204 No Content"}, nil

	case http.MethodGet:
		if isSearch || id == "" {
			found, err := dao.Search(ctx, SearchParams{})
			if err != nil {
				return fhir.BundleEntryResponse{}, err
			}
			return fhir.BundleEntryResponse{Status: "200 OK", Resource: fhir.NewSearchBundle(found, url)}, nil
		}
		var got fhir.Resource
		if _, _, version, ok := fhir.SplitReference(url); ok && version != "" {
			got, err = dao.VRead(ctx, id, version)
		} else {
			got, err = dao.Read(ctx, id)
		}
		if err != nil {
			return fhir.BundleEntryResponse{}, err
		}
		return storedResponse("200 OK", got), nil

	default:
		return fhir.BundleEntryResponse{}, fhir.MethodNotAllowed("%s is not supported in a Bundle entry", entry.Request.Method)
	}
}

func storedResponse(status string, stored fhir.Resource) fhir.BundleEntryResponse {
	rt, id, version := fhir.ResourceType(stored), fhir.ResourceID(stored), fhir.VersionID(stored)
	resp := fhir.BundleEntryResponse{
		Status:       status,
		Location:     fhir.FormatHistoryReference(rt, id, version),
		LastModified: fhir.String(fhir.Meta(stored), "lastUpdated"),
		Resource:     stored,
	}
	if v, err := strconv.Atoi(version); err == nil {
		resp.ETag = fhir.FormatETag(v)
	}
	return resp
}

func failedResponse(err error) fhir.BundleEntryResponse {
	status := http.StatusInternalServerError
	outcome := fhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeException, "internal error")
	switch opErr, ok := fhir.AsOperationError(err); {
	case ok:
		status = opErr.Status
		outcome = opErr.Outcome()
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	case errors.Is(err, ErrGone):
		status = http.StatusGone
		outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeDeleted, err.Error())
	}
	return fhir.BundleEntryResponse{
		Status:  fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Outcome: outcome,
	}
}
