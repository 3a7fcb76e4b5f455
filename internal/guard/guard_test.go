package guard

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stead.org/internal/audit"
	"stead.org/internal/auth"
	"stead.org/internal/crm"
	"stead.org/internal/obs"
	"stead.org/internal/rbac"
)

const org = "org-1"

type harness struct {
	guard   *Guard
	roles   *rbac.MemoryStore
	records *crm.InMemory
	audits  *audit.MemoryStore
}

func newHarness(t *testing.T, auditStore audit.Store, opts ...Option) *harness {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { logger.SetOutput(original) })

	h := &harness{
		roles:   rbac.NewMemoryStore(),
		records: crm.NewInMemory(),
		audits:  audit.NewMemoryStore(),
	}
	if auditStore == nil {
		auditStore = h.audits
	}
	resolver, err := rbac.NewResolver(h.roles)
	require.NoError(t, err)
	recorder, err := audit.NewRecorder(auditStore, audit.WithRetries(1), audit.WithBackoff(time.Millisecond))
	require.NoError(t, err)
	h.guard, err = New(resolver, h.records, recorder, h.audits, opts...)
	require.NoError(t, err)

	ctx := context.Background()
	rep, err := h.roles.CreateRole(ctx, rbac.Role{OrgID: org, Name: "Sales Rep", IsDefault: true})
	require.NoError(t, err)
	require.NoError(t, h.roles.PutPermission(ctx, rbac.Permission{
		RoleID:           rep.ID,
		Module:           rbac.ModuleContacts,
		Actions:          rbac.NewActionSet(rbac.ActionView, rbac.ActionEdit),
		Fields:           &rbac.FieldRules{Edit: []string{"phone", "title"}},
		RecordVisibility: rbac.VisibilityOwn,
	}))
	require.NoError(t, h.roles.PutPermission(ctx, rbac.Permission{
		RoleID:           rep.ID,
		Module:           rbac.ModuleLeads,
		Actions:          rbac.NewActionSet(rbac.ActionView, rbac.ActionCreate, rbac.ActionEdit),
		Fields:           &rbac.FieldRules{View: []string{"name", "status"}},
		RecordVisibility: rbac.VisibilityOwn,
	}))
	admin, err := h.roles.CreateRole(ctx, rbac.Role{OrgID: org, Name: rbac.AdminRoleName, IsSystem: true})
	require.NoError(t, err)

	for _, user := range []string{"rep-1", "rep-2"} {
		require.NoError(t, h.roles.AssignRole(ctx, org, user, rep.ID))
	}
	require.NoError(t, h.roles.AssignRole(ctx, org, "boss", admin.ID))
	return h
}

func as(user string) context.Context {
	return auth.ContextWithIdentity(context.Background(), auth.Identity{UserID: user, OrgID: org})
}

func (h *harness) contact(t *testing.T, owner string, fields map[string]any) crm.Record {
	t.Helper()
	rec, err := h.records.Create(context.Background(), crm.Record{OrgID: org, Module: "contacts", OwnerID: owner, Fields: fields})
	require.NoError(t, err)
	return rec
}

func (h *harness) auditCount(t *testing.T) int {
	t.Helper()
	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, Limit: 1000})
	require.NoError(t, err)
	return len(entries)
}

func TestSalesRepScenario(t *testing.T) {
	h := newHarness(t, nil)
	own := h.contact(t, "rep-1", map[string]any{"name": "Ada", "email": "ada@example.com", "phone": "555-0000"})
	foreign := h.contact(t, "rep-2", map[string]any{"name": "Bob"})

	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, own.ID, UpdateInput{Fields: map[string]any{"email": "new@example.com"}})
	var denied *rbac.FieldDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []string{"email"}, denied.Fields)
	assert.Equal(t, 0, h.auditCount(t))

	view, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, own.ID, UpdateInput{Fields: map[string]any{"phone": "555-0100"}})
	require.NoError(t, err)
	assert.Equal(t, "555-0100", view.Fields["phone"])

	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, RecordID: own.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionUpdate, entries[0].Action)
	assert.Equal(t, "555-0100", entries[0].NewState["phone"])
	assert.Equal(t, "555-0000", entries[0].PreviousState["phone"])
	assert.Equal(t, "rep-1", entries[0].ActorID)
	assert.Equal(t, auth.ActorUser, entries[0].ActorType)

	_, err = h.guard.Update(as("rep-1"), rbac.ModuleContacts, foreign.ID, UpdateInput{Fields: map[string]any{"email": "x@example.com"}})
	require.ErrorIs(t, err, rbac.ErrRecordVisibilityDenied)
	assert.NotErrorIs(t, err, rbac.ErrFieldAuthorizationDenied)
	assert.Equal(t, 1, h.auditCount(t))
}

func TestMissingIdentity(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.guard.Get(context.Background(), rbac.ModuleContacts, "anything")
	require.ErrorIs(t, err, rbac.ErrAuthenticationMissing)
}

func TestModuleDeniedBeforeLookup(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"name": "Ada"})

	err := h.guard.Delete(as("rep-1"), rbac.ModuleContacts, rec.ID, 0)
	require.ErrorIs(t, err, rbac.ErrModuleActionDenied)

	_, err = h.guard.Get(as("rep-1"), rbac.ModuleAccounts, "missing")
	require.ErrorIs(t, err, rbac.ErrModuleActionDenied)

	_, err = h.guard.Get(as("outsider"), rbac.ModuleContacts, rec.ID)
	require.ErrorIs(t, err, rbac.ErrModuleActionDenied)
}

func TestNotFoundHidesOtherTenants(t *testing.T) {
	h := newHarness(t, nil)
	other, err := h.records.Create(context.Background(), crm.Record{OrgID: "org-2", Module: "contacts", OwnerID: "rep-1", Fields: map[string]any{"name": "x"}})
	require.NoError(t, err)

	_, errForeign := h.guard.Get(as("boss"), rbac.ModuleContacts, other.ID)
	_, errMissing := h.guard.Get(as("boss"), rbac.ModuleContacts, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, errForeign, rbac.ErrRecordNotFound)
	require.ErrorIs(t, errMissing, rbac.ErrRecordNotFound)
	assert.Equal(t, errMissing.Error(), errForeign.Error())
}

func TestReadRedactsViewFields(t *testing.T) {
	h := newHarness(t, nil)
	lead, err := h.records.Create(context.Background(), crm.Record{OrgID: org, Module: "leads", OwnerID: "rep-1", Fields: map[string]any{
		"name": "Acme", "status": "new", "budget": 50000,
	}})
	require.NoError(t, err)

	view, err := h.guard.Get(as("rep-1"), rbac.ModuleLeads, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Acme", "status": "new"}, view.Fields)
	assert.Equal(t, "rep-1", view.OwnerID)

	full, err := h.guard.Get(as("boss"), rbac.ModuleLeads, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 50000, full.Fields["budget"])
}

func TestListUnderOwnVisibility(t *testing.T) {
	h := newHarness(t, nil)
	h.contact(t, "rep-1", map[string]any{"name": "a"})
	h.contact(t, "rep-2", map[string]any{"name": "b"})
	h.contact(t, "", map[string]any{"name": "unassigned"})
	h.contact(t, "rep-1", map[string]any{"name": "c"})

	mine, err := h.guard.List(as("rep-1"), rbac.ModuleContacts, ListOptions{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	for _, v := range mine {
		assert.Equal(t, "rep-1", v.OwnerID)
	}

	all, err := h.guard.List(as("boss"), rbac.ModuleContacts, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUnassignedRecordDeniedUnderOwn(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "", map[string]any{"name": "orphan"})
	_, err := h.guard.Get(as("rep-1"), rbac.ModuleContacts, rec.ID)
	require.ErrorIs(t, err, rbac.ErrRecordVisibilityDenied)
}

func TestCreateAssignsOwnerAndAudits(t *testing.T) {
	h := newHarness(t, nil)
	view, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{Fields: map[string]any{"name": "Globex", "budget": 10}})
	require.NoError(t, err)
	assert.Equal(t, "rep-1", view.OwnerID)
	assert.Equal(t, map[string]any{"name": "Globex"}, view.Fields)

	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, RecordID: view.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCreate, entries[0].Action)
	assert.Nil(t, entries[0].PreviousState)
	assert.Equal(t, 10, entries[0].NewState["budget"])
}

func TestCreateForForeignOwnerUnderOwnIsDenied(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{OwnerID: "rep-2", Fields: map[string]any{"name": "x"}})
	require.ErrorIs(t, err, rbac.ErrRecordVisibilityDenied)
	assert.Equal(t, 0, h.auditCount(t))
}

func TestAdminCreatesForOtherOwner(t *testing.T) {
	h := newHarness(t, nil)
	view, err := h.guard.Create(as("boss"), rbac.ModuleContacts, CreateInput{OwnerID: "rep-2", Fields: map[string]any{"name": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "rep-2", view.OwnerID)
}

func TestReassignmentNeedsOwnerField(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"name": "Ada"})
	same := "rep-1"
	other := "rep-2"

	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{OwnerID: &same, Fields: map[string]any{"title": "CTO"}})
	require.NoError(t, err)

	_, err = h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{OwnerID: &other})
	require.ErrorIs(t, err, rbac.ErrRecordVisibilityDenied)

	view, err := h.guard.Update(as("boss"), rbac.ModuleContacts, rec.ID, UpdateInput{OwnerID: &other})
	require.NoError(t, err)
	assert.Equal(t, "rep-2", view.OwnerID)
}

func TestAlwaysWritableFields(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"name": "Ada"})
	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{
		"phone":         "1",
		"custom_fields": map[string]any{"tier": "gold"},
	}})
	require.NoError(t, err)

	strict := newHarness(t, nil, WithAlwaysWritable())
	rec = strict.contact(t, "rep-1", map[string]any{"name": "Ada"})
	_, err = strict.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{
		"custom_fields": map[string]any{"tier": "gold"},
	}})
	require.ErrorIs(t, err, rbac.ErrFieldAuthorizationDenied)
}

func TestBusinessFailuresAreNotAudited(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"name": "Ada"})

	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "1"}, ExpectedVersion: 7})
	require.ErrorIs(t, err, rbac.ErrConflict)

	_, err = h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{})
	require.ErrorIs(t, err, rbac.ErrValidation)

	assert.Equal(t, 0, h.auditCount(t))
}

type brokenAudit struct{ *audit.MemoryStore }

func (brokenAudit) Append(context.Context, audit.Entry) error { return errors.New("disk full") }

func TestAuditFailureIsFatal(t *testing.T) {
	h := newHarness(t, brokenAudit{audit.NewMemoryStore()})
	rec := h.contact(t, "rep-1", map[string]any{"name": "Ada"})

	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "1"}})
	require.ErrorIs(t, err, rbac.ErrAuditWrite)
}

func TestDeleteAuditsPreviousState(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-2", map[string]any{"name": "Bob"})

	require.NoError(t, h.guard.Delete(as("boss"), rbac.ModuleContacts, rec.ID, 0))
	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, RecordID: rec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionDelete, entries[0].Action)
	assert.Equal(t, "Bob", entries[0].PreviousState["name"])
	assert.Nil(t, entries[0].NewState)

	_, err = h.guard.Get(as("boss"), rbac.ModuleContacts, rec.ID)
	require.ErrorIs(t, err, rbac.ErrRecordNotFound)
}

func TestHistoryIsRedacted(t *testing.T) {
	h := newHarness(t, nil)
	view, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{Fields: map[string]any{"name": "Initech", "budget": 5}})
	require.NoError(t, err)
	_, err = h.guard.Update(as("rep-1"), rbac.ModuleLeads, view.ID, UpdateInput{Fields: map[string]any{"status": "won", "budget": 9}})
	require.NoError(t, err)

	entries, err := h.guard.History(as("rep-1"), rbac.ModuleLeads, view.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.NewState, "budget")
		assert.NotContains(t, e.PreviousState, "budget")
	}

	_, err = h.guard.History(as("rep-2"), rbac.ModuleLeads, view.ID, 10)
	require.ErrorIs(t, err, rbac.ErrRecordVisibilityDenied)

	full, err := h.guard.History(as("boss"), rbac.ModuleLeads, view.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 9, full[0].NewState["budget"])
}

func TestAuditCarriesActorType(t *testing.T) {
	h := newHarness(t, nil)
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{UserID: "boss", OrgID: org, ActorType: auth.ActorAIAgent})
	view, err := h.guard.Create(ctx, rbac.ModuleContacts, CreateInput{Fields: map[string]any{"name": "bot-made"}})
	require.NoError(t, err)

	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, RecordID: view.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auth.ActorAIAgent, entries[0].ActorType)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	require.Error(t, err)
}

// racingStore runs interleave once, between the guard's read and its write.
type racingStore struct {
	crm.Store
	once       sync.Once
	interleave func()
}

func (s *racingStore) Update(ctx context.Context, orgID, module, id string, patch crm.Patch) (crm.Record, error) {
	s.once.Do(s.interleave)
	return s.Store.Update(ctx, orgID, module, id, patch)
}

func (s *racingStore) Delete(ctx context.Context, orgID, module, id string, expectedVersion int64) (crm.Record, error) {
	s.once.Do(s.interleave)
	return s.Store.Delete(ctx, orgID, module, id, expectedVersion)
}

func (h *harness) withRecords(t *testing.T, records crm.Store) *Guard {
	t.Helper()
	g, err := New(h.guard.resolver, records, h.guard.recorder, h.audits)
	require.NoError(t, err)
	return g
}

func (h *harness) reassign(t *testing.T, recordID, owner string, fields map[string]any) func() {
	return func() {
		_, err := h.records.Update(context.Background(), org, "contacts", recordID, crm.Patch{OwnerID: &owner, Fields: fields})
		require.NoError(t, err)
	}
}

func TestUpdateLosesRaceWithReassignment(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"phone": "1"})
	g := h.withRecords(t, &racingStore{Store: h.records, interleave: h.reassign(t, rec.ID, "rep-2", map[string]any{"phone": "2"})})

	_, err := g.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "3"}})
	require.ErrorIs(t, err, rbac.ErrConflict)

	stored, err := h.records.Get(context.Background(), org, "contacts", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "rep-2", stored.OwnerID)
	assert.Equal(t, "2", stored.Fields["phone"])
	assert.Equal(t, 0, h.auditCount(t))
}

func TestDeleteLosesRaceWithEdit(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"phone": "1"})
	g := h.withRecords(t, &racingStore{Store: h.records, interleave: h.reassign(t, rec.ID, "rep-2", nil)})

	err := g.Delete(as("boss"), rbac.ModuleContacts, rec.ID, 0)
	require.ErrorIs(t, err, rbac.ErrConflict)

	_, err = h.records.Get(context.Background(), org, "contacts", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, h.auditCount(t))
}

func TestStaleExpectedVersionIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"phone": "1"})

	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "2"}, ExpectedVersion: rec.Version + 1})
	require.ErrorIs(t, err, rbac.ErrConflict)
	err = h.guard.Delete(as("boss"), rbac.ModuleContacts, rec.ID, rec.Version+1)
	require.ErrorIs(t, err, rbac.ErrConflict)
	assert.Equal(t, 0, h.auditCount(t))
}

func TestAuditPreviousStateMatchesReplacedRow(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.contact(t, "rep-1", map[string]any{"phone": "1"})
	_, err := h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "2"}})
	require.NoError(t, err)
	_, err = h.guard.Update(as("rep-1"), rbac.ModuleContacts, rec.ID, UpdateInput{Fields: map[string]any{"phone": "3"}})
	require.NoError(t, err)

	entries, err := h.audits.List(context.Background(), audit.Filter{OrgID: org, RecordID: rec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[0].PreviousState["phone"])
	assert.Equal(t, "3", entries[0].NewState["phone"])
	assert.Equal(t, "1", entries[1].PreviousState["phone"])
}

func TestHistoryKeepsOwnerForRestrictedViewer(t *testing.T) {
	h := newHarness(t, nil)
	view, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{Fields: map[string]any{"name": "Initech", "budget": 5}})
	require.NoError(t, err)

	entries, err := h.guard.History(as("rep-1"), rbac.ModuleLeads, view.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rep-1", entries[0].NewState[crm.OwnerKey])
	assert.Equal(t, view.OwnerID, entries[0].NewState[crm.OwnerKey])
	assert.NotContains(t, entries[0].NewState, "budget")
}

func TestOwnerKeyIsReservedInFields(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{Fields: map[string]any{"name": "x", crm.OwnerKey: "rep-2"}})
	require.ErrorIs(t, err, rbac.ErrValidation)

	view, err := h.guard.Create(as("rep-1"), rbac.ModuleLeads, CreateInput{Fields: map[string]any{"name": "y"}})
	require.NoError(t, err)
	_, err = h.guard.Update(as("boss"), rbac.ModuleLeads, view.ID, UpdateInput{Fields: map[string]any{crm.OwnerKey: "rep-2"}})
	require.ErrorIs(t, err, rbac.ErrValidation)
	assert.Equal(t, 1, h.auditCount(t))
}
