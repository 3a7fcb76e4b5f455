package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stead.org/internal/auth"
)

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Append(ctx, e)
}

func updateEntry() Entry {
	return Entry{
		OrgID:         "org-1",
		Module:        "contacts",
		RecordID:      "rec-1",
		Action:        ActionUpdate,
		ActorID:       "rep-1",
		ActorType:     auth.ActorUser,
		PreviousState: map[string]any{"phone": "555-0000"},
		NewState:      map[string]any{"phone": "555-0100"},
	}
}

func TestRecorderAppendsOnce(t *testing.T) {
	captureLog(t)
	store := NewMemoryStore()
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec, err := NewRecorder(store, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	saved, err := rec.Record(context.Background(), updateEntry())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if saved.ID == "" || !saved.Timestamp.Equal(fixed) {
		t.Fatalf("expected id and timestamp to be assigned: %+v", saved)
	}

	entries, err := store.List(context.Background(), Filter{OrgID: "org-1", RecordID: "rec-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if entries[0].NewState["phone"] != "555-0100" {
		t.Fatalf("unexpected new state: %v", entries[0].NewState)
	}
}

func TestRecorderRetriesTransientFailures(t *testing.T) {
	captureLog(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	rec, _ := NewRecorder(store, WithRetries(3), WithBackoff(time.Millisecond))

	if _, err := rec.Record(context.Background(), updateEntry()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
	entries, _ := store.List(context.Background(), Filter{OrgID: "org-1"})
	if len(entries) != 1 {
		t.Fatalf("expected one entry after retries, got %d", len(entries))
	}
}

func TestRecorderSurfacesPersistentFailure(t *testing.T) {
	captureLog(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	rec, _ := NewRecorder(store, WithRetries(2), WithBackoff(time.Millisecond))

	_, err := rec.Record(context.Background(), updateEntry())
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
}

func TestRecorderStopsOnCancelledContext(t *testing.T) {
	captureLog(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	rec, _ := NewRecorder(store, WithRetries(5), WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rec.Record(ctx, updateEntry())
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", store.calls)
	}
}

func TestRecorderRejectsMalformedEntries(t *testing.T) {
	rec, _ := NewRecorder(NewMemoryStore())
	cases := map[string]func(e *Entry){
		"create with previous": func(e *Entry) { e.Action = ActionCreate },
		"delete with new":      func(e *Entry) { e.Action = ActionDelete },
		"update without prev":  func(e *Entry) { e.PreviousState = nil },
		"unknown action":       func(e *Entry) { e.Action = "UPSERT" },
		"missing actor":        func(e *Entry) { e.ActorID = "" },
		"missing actor type":   func(e *Entry) { e.ActorType = "" },
		"bad actor type":       func(e *Entry) { e.ActorType = "ROBOT" },
	}
	for name, mutate := range cases {
		e := updateEntry()
		mutate(&e)
		if _, err := rec.Record(context.Background(), e); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("%s: expected ErrInvalidEntry, got %v", name, err)
		}
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, e := range []Entry{
		{ID: "a", OrgID: "org-1", Module: "contacts", RecordID: "r1", Timestamp: base},
		{ID: "b", OrgID: "org-1", Module: "contacts", RecordID: "r1", Timestamp: base.Add(time.Minute)},
		{ID: "c", OrgID: "org-1", Module: "leads", RecordID: "r2", Timestamp: base.Add(2 * time.Minute)},
		{ID: "d", OrgID: "org-2", Module: "contacts", RecordID: "r1", Timestamp: base},
	} {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	_ = store.Append(context.Background(), Entry{ID: "a", OrgID: "org-1"})

	got, _ := store.List(context.Background(), Filter{OrgID: "org-1", Module: "contacts", RecordID: "r1"})
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	got, _ = store.List(context.Background(), Filter{OrgID: "org-1", Before: base.Add(time.Minute)})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected entries with Before: %+v", got)
	}
	got, _ = store.List(context.Background(), Filter{OrgID: "org-1", Limit: 1})
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected limited entries: %+v", got)
	}
}
