// Package fhirstore persists FHIR resources as versioned JSON documents and
// exposes them through per-type DAOs and a transaction processor.
package fhirstore

import (
	"context"
	"errors"
	"time"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

var (
	// ErrNotFound is returned when a resource or version was never stored.
	ErrNotFound = errors.New("resource not found")
	// ErrGone is returned when the current version of a resource is a
	// deletion.
	ErrGone = errors.New("resource deleted")
)

// Record is one stored version of a resource. Deleted records are
// tombstones: Content holds only resourceType, id and meta.
type Record struct {
	ResourceType string
	ID           string
	VersionID    int
	Content      fhir.Resource
	Refs         []string
	Deleted      bool
	LastUpdated  time.Time
}

// SearchParams narrows a search. All set fields must match.
type SearchParams struct {
	// Criteria is a JSON containment pattern: every element present in the
	// pattern must be present with the same value in the resource. Arrays
	// match when each pattern element is contained in some resource element.
	Criteria fhir.Resource
	// Reference matches resources that reference "Type/id".
	Reference string
	// UpdatedSince excludes resources last written before the given time.
	UpdatedSince time.Time
	// Count limits the number of results; zero means no limit.
	Count int
}

// Backend is the storage engine behind the DAOs. Implementations must make
// InTx atomic and isolated: writes made inside fn are visible to later
// calls with the same context and are discarded when fn returns an error.
type Backend interface {
	// Current returns the latest version, including tombstones.
	Current(ctx context.Context, resourceType, id string) (*Record, error)
	Version(ctx context.Context, resourceType, id string, version int) (*Record, error)
	// History returns every version, newest first.
	History(ctx context.Context, resourceType, id string) ([]*Record, error)
	Put(ctx context.Context, rec *Record) error
	// Search returns current, non-deleted records, most recently updated
	// first. An empty resourceType searches every type.
	Search(ctx context.Context, resourceType string, params SearchParams) ([]*Record, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// referenceTargets returns the distinct "Type/id" targets referenced by a
// resource. Contained, urn and version-specific forms are normalized or
// skipped.
func referenceTargets(resource fhir.Resource) []string {
	seen := make(map[string]bool)
	refs := make([]string, 0)
	for _, ref := range fhir.ExtractReferences(resource) {
		rt, id, _, ok := fhir.SplitReference(ref)
		if !ok {
			continue
		}
		target := fhir.FormatReference(rt, id)
		if !seen[target] {
			seen[target] = true
			refs = append(refs, target)
		}
	}
	return refs
}
