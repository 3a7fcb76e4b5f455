package crm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stead.org/internal/ids"
)

// Store persists records. Every method is scoped by orgID: a record of
// another organization is reported as ErrNotFound.
type Store interface {
	Get(ctx context.Context, orgID, module, id string) (Record, error)
	List(ctx context.Context, orgID, module string, opts ListOptions) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, orgID, module, id string, patch Patch) (Record, error)
	// Delete removes a record. A non-zero expectedVersion must match the
	// stored version, otherwise ErrConflict.
	Delete(ctx context.Context, orgID, module, id string, expectedVersion int64) (Record, error)
}

// InMemory is a goroutine-safe Store for development and tests.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record), now: time.Now}
}

func (s *InMemory) Get(ctx context.Context, orgID, module, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lookup(orgID, module, id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// List returns records ordered by id. After is an exclusive cursor.
func (s *InMemory) List(ctx context.Context, orgID, module string, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.OrgID != orgID || rec.Module != module {
			continue
		}
		if opts.OwnerID != "" && rec.OwnerID != opts.OwnerID {
			continue
		}
		if opts.After != "" && rec.ID <= opts.After {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > opts.EffectiveLimit() {
		out = out[:opts.EffectiveLimit()]
	}
	return out, nil
}

func (s *InMemory) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec = rec.clone()
	rec.ID = ids.NewAt(now)
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec.clone(), nil
}

func (s *InMemory) Update(ctx context.Context, orgID, module, id string, patch Patch) (Record, error) {
	if err := patch.Validate(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(orgID, module, id)
	if !ok {
		return Record{}, ErrNotFound
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != rec.Version {
		return Record{}, fmt.Errorf("%w: have %d, want %d", ErrConflict, rec.Version, patch.ExpectedVersion)
	}
	next := patch.Apply(rec)
	next.Version = rec.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	return next.clone(), nil
}

func (s *InMemory) Delete(ctx context.Context, orgID, module, id string, expectedVersion int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(orgID, module, id)
	if !ok {
		return Record{}, ErrNotFound
	}
	if expectedVersion != 0 && expectedVersion != rec.Version {
		return Record{}, fmt.Errorf("%w: have %d, want %d", ErrConflict, rec.Version, expectedVersion)
	}
	delete(s.records, id)
	return rec.clone(), nil
}

func (s *InMemory) lookup(orgID, module, id string) (Record, bool) {
	rec, ok := s.records[id]
	if !ok || rec.OrgID != orgID || rec.Module != module {
		return Record{}, false
	}
	return rec, true
}
