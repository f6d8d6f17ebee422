package fhirstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

type recordKey struct {
	resourceType string
	id           string
}

type memTxKey struct{}

// MemoryBackend keeps resources in process memory. A transaction holds the
// write lock for its whole duration, so transactions are serialized and
// fully isolated. Stored records are never mutated; callers get copies.
type MemoryBackend struct {
	mu      sync.RWMutex
	current map[recordKey]*Record
	history map[recordKey][]*Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		current: make(map[recordKey]*Record),
		history: make(map[recordKey][]*Record),
	}
}

func inMemTx(ctx context.Context) bool {
	v, _ := ctx.Value(memTxKey{}).(bool)
	return v
}

func (b *MemoryBackend) rlock(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	b.mu.RLock()
	return b.mu.RUnlock
}

func (b *MemoryBackend) lock(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	b.mu.Lock()
	return b.mu.Unlock
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Content = fhir.CloneResource(r.Content)
	cp.Refs = append([]string(nil), r.Refs...)
	return &cp
}

// Current returns a copy of the latest version.
func (b *MemoryBackend) Current(ctx context.Context, resourceType, id string) (*Record, error) {
	defer b.rlock(ctx)()
	rec, ok := b.current[recordKey{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (b *MemoryBackend) Version(ctx context.Context, resourceType, id string, version int) (*Record, error) {
	defer b.rlock(ctx)()
	for _, rec := range b.history[recordKey{resourceType, id}] {
		if rec.VersionID == version {
			return copyRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (b *MemoryBackend) History(ctx context.Context, resourceType, id string) ([]*Record, error) {
	defer b.rlock(ctx)()
	versions := b.history[recordKey{resourceType, id}]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Record, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, copyRecord(versions[i]))
	}
	return out, nil
}

// Put stores rec as the current version and appends it to its history.
func (b *MemoryBackend) Put(ctx context.Context, rec *Record) error {
	defer b.lock(ctx)()
	k := recordKey{rec.ResourceType, rec.ID}
	stored := copyRecord(rec)
	b.current[k] = stored
	b.history[k] = append(b.history[k], stored)
	return nil
}

// Search returns current records, newest first.
func (b *MemoryBackend) Search(ctx context.Context, resourceType string, params SearchParams) ([]*Record, error) {
	defer b.rlock(ctx)()

	var out []*Record
	for k, rec := range b.current {
		if rec.Deleted || (resourceType != "" && k.resourceType != resourceType) {
			continue
		}
		if !params.UpdatedSince.IsZero() && rec.LastUpdated.Before(params.UpdatedSince) {
			continue
		}
		if params.Reference != "" && !hasRef(rec.Refs, params.Reference) {
			continue
		}
		if params.Criteria != nil && !Contains(rec.Content, params.Criteria) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ID < out[j].ID
	})
	if params.Count > 0 && len(out) > params.Count {
		out = out[:params.Count]
	}
	for i, rec := range out {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

// InTx runs fn with the write lock held. Nested calls join the outer
// transaction. If fn fails every write it made is discarded.
func (b *MemoryBackend) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inMemTx(ctx) {
		return fn(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[recordKey]*Record, len(b.current))
	for k, v := range b.current {
		current[k] = v
	}
	history := make(map[recordKey][]*Record, len(b.history))
	for k, v := range b.history {
		history[k] = v[:len(v):len(v)]
	}

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		b.current = current
		b.history = history
		return err
	}
	return nil
}

func hasRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
