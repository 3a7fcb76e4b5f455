package audit

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// Filter narrows List results. OrgID is mandatory.
type Filter struct {
	OrgID    string
	Module   string
	RecordID string
	Before   time.Time
	Limit    int
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}

// Store persists audit entries. Append must be idempotent on Entry.ID so
// that a retried write never produces a second row.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[entry.ID]; ok {
		return nil
	}
	s.seen[entry.ID] = struct{}{}
	s.entries = append(s.entries, cloneEntry(entry))
	return nil
}

// List returns matching entries newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.OrgID != filter.OrgID {
			continue
		}
		if filter.Module != "" && e.Module != filter.Module {
			continue
		}
		if filter.RecordID != "" && e.RecordID != filter.RecordID {
			continue
		}
		if !filter.Before.IsZero() && !e.Timestamp.Before(filter.Before) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func cloneEntry(e Entry) Entry {
	e.PreviousState = maps.Clone(e.PreviousState)
	e.NewState = maps.Clone(e.NewState)
	e.Metadata = maps.Clone(e.Metadata)
	return e
}
