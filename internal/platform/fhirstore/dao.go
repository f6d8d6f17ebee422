package fhirstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

// ResourceDAO reads and writes one resource type. Every write produces a new
// version with meta.versionId and meta.lastUpdated set.
type ResourceDAO interface {
	ResourceType() string
	// Create stores resource under a new server-assigned id.
	Create(ctx context.Context, resource fhir.Resource) (fhir.Resource, error)
	Read(ctx context.Context, id string) (fhir.Resource, error)
	VRead(ctx context.Context, id, version string) (fhir.Resource, error)
	// Update writes a new version, creating the resource when absent.
	Update(ctx context.Context, id string, resource fhir.Resource) (fhir.Resource, error)
	// Delete writes a tombstone. Deleting a deleted resource is a no-op.
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, params SearchParams) ([]fhir.Resource, error)
	// History returns every version, newest first.
	History(ctx context.Context, id string) ([]fhir.Resource, error)
}

// PatientDAO adds the Patient compartment query.
type PatientDAO interface {
	ResourceDAO
	// Everything returns the Patient, every current resource that
	// references it, and the Bundles named as focus by those resources.
	Everything(ctx context.Context, id string) ([]fhir.Resource, error)
}

type resourceDAO struct {
	resourceType string
	backend      Backend
}

func (d *resourceDAO) ResourceType() string { return d.resourceType }

func (d *resourceDAO) Create(ctx context.Context, resource fhir.Resource) (fhir.Resource, error) {
	if err := d.checkType(resource); err != nil {
		return nil, err
	}
	rec, err := d.write(ctx, uuid.New().String(), resource, false)
	if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

func (d *resourceDAO) Read(ctx context.Context, id string) (fhir.Resource, error) {
	rec, err := d.backend.Current(ctx, d.resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", d.resourceType, id, err)
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", d.resourceType, id, ErrGone)
	}
	return rec.Content, nil
}

func (d *resourceDAO) VRead(ctx context.Context, id, version string) (fhir.Resource, error) {
	v, err := strconv.Atoi(version)
	if err != nil {
		return nil, fmt.Errorf("%s/%s/_history/%s: %w", d.resourceType, id, version, ErrNotFound)
	}
	rec, err := d.backend.Version(ctx, d.resourceType, id, v)
	if err != nil {
		return nil, fmt.Errorf("%s/%s/_history/%s: %w", d.resourceType, id, version, err)
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%s/%s/_history/%s: %w", d.resourceType, id, version, ErrGone)
	}
	return rec.Content, nil
}

func (d *resourceDAO) Update(ctx context.Context, id string, resource fhir.Resource) (fhir.Resource, error) {
	if id == "" {
		return nil, fhir.InvalidRequest("%s update requires an id", d.resourceType)
	}
	if err := d.checkType(resource); err != nil {
		return nil, err
	}
	if bodyID := fhir.ResourceID(resource); bodyID != "" && bodyID != id {
		return nil, fhir.InvalidRequest("resource id %q does not match URL id %q", bodyID, id)
	}
	rec, err := d.write(ctx, id, resource, false)
	if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

func (d *resourceDAO) Delete(ctx context.Context, id string) error {
	return d.backend.InTx(ctx, func(ctx context.Context) error {
		cur, err := d.backend.Current(ctx, d.resourceType, id)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", d.resourceType, id, err)
		}
		if cur.Deleted {
			return nil
		}
		_, err = d.write(ctx, id, fhir.Resource{}, true)
		return err
	})
}

func (d *resourceDAO) Search(ctx context.Context, params SearchParams) ([]fhir.Resource, error) {
	recs, err := d.backend.Search(ctx, d.resourceType, params)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", d.resourceType, err)
	}
	return contents(recs), nil
}

func (d *resourceDAO) History(ctx context.Context, id string) ([]fhir.Resource, error) {
	recs, err := d.backend.History(ctx, d.resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", d.resourceType, id, err)
	}
	return contents(recs), nil
}

func (d *resourceDAO) checkType(resource fhir.Resource) error {
	if resource == nil {
		return fhir.InvalidRequest("%s body is required", d.resourceType)
	}
	if rt := fhir.ResourceType(resource); rt != d.resourceType {
		return fhir.InvalidRequest("expected resourceType %s, got %q", d.resourceType, rt)
	}
	return nil
}

// write stores the next version of id. The version number is read and
// incremented inside one backend transaction.
func (d *resourceDAO) write(ctx context.Context, id string, resource fhir.Resource, deleted bool) (*Record, error) {
	var rec *Record
	err := d.backend.InTx(ctx, func(ctx context.Context) error {
		version := 1
		cur, err := d.backend.Current(ctx, d.resourceType, id)
		switch {
		case err == nil:
			version = cur.VersionID + 1
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("%s/%s: %w", d.resourceType, id, err)
		}

		now := time.Now().UTC()
		content := fhir.CloneResource(resource)
		content["resourceType"] = d.resourceType
		content["id"] = id
		meta := fhir.Meta(content)
		meta["versionId"] = strconv.Itoa(version)
		meta["lastUpdated"] = now.Format(time.RFC3339Nano)

		rec = &Record{
			ResourceType: d.resourceType,
			ID:           id,
			VersionID:    version,
			Content:      content,
			Deleted:      deleted,
			LastUpdated:  now,
		}
		if !deleted {
			rec.Refs = referenceTargets(content)
		}
		if err := d.backend.Put(ctx, rec); err != nil {
			return fmt.Errorf("store %s/%s: %w", d.resourceType, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type patientDAO struct {
	*resourceDAO
}

func (d *patientDAO) Everything(ctx context.Context, id string) ([]fhir.Resource, error) {
	patient, err := d.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	recs, err := d.backend.Search(ctx, "", SearchParams{Reference: fhir.FormatReference("Patient", id)})
	if err != nil {
		return nil, fmt.Errorf("everything for Patient/%s: %w", id, err)
	}

	out := []fhir.Resource{patient}
	seen := map[string]bool{fhir.FormatReference("Patient", id): true}
	add := func(r fhir.Resource) {
		key := fhir.FormatReference(fhir.ResourceType(r), fhir.ResourceID(r))
		if !seen[key] {
			seen[key] = true
			out = append(out, r)
		}
	}

	for _, rec := range recs {
		add(rec.Content)
	}
	for _, rec := range recs {
		if rec.ResourceType != "MessageHeader" {
			continue
		}
		for _, f := range fhir.Array(rec.Content, "focus") {
			focus, _ := f.(map[string]interface{})
			rt, bid, _, ok := fhir.SplitReference(fhir.String(focus, "reference"))
			if !ok || rt != "Bundle" || seen[fhir.FormatReference(rt, bid)] {
				continue
			}
			b, err := d.backend.Current(ctx, rt, bid)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("everything for Patient/%s: %w", id, err)
			}
			if !b.Deleted {
				add(b.Content)
			}
		}
	}
	return out, nil
}

func contents(recs []*Record) []fhir.Resource {
	out := make([]fhir.Resource, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Content)
	}
	return out
}
