// Package guard enforces module, record and field permissions around every
// CRM record operation and records committed mutations in the audit trail.
//
// Each operation runs its checks in a fixed order: caller identity, module
// action, tenant-scoped load, record visibility, field authorization, the
// mutation itself, the audit write and finally read redaction.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stead.org/internal/audit"
	"stead.org/internal/auth"
	"stead.org/internal/crm"
	"stead.org/internal/rbac"
)

// DefaultAlwaysWritable lists payload keys accepted regardless of the edit
// allow-list.
var DefaultAlwaysWritable = []string{"custom_fields"}

// RecordView is a record as returned to a caller, with Fields redacted to
// what the caller may read.
type RecordView struct {
	ID        string         `json:"id"`
	Module    rbac.Module    `json:"module"`
	OwnerID   string         `json:"owner_id"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateInput is a new record request. An empty OwnerID assigns the caller.
type CreateInput struct {
	OwnerID string
	Fields  map[string]any
}

// UpdateInput is a partial update request.
type UpdateInput struct {
	OwnerID         *string
	Fields          map[string]any
	ExpectedVersion int64
}

// Guard wires the resolver, the record store and the audit recorder.
type Guard struct {
	resolver       *rbac.Resolver
	records        crm.Store
	recorder       *audit.Recorder
	history        audit.Store
	alwaysWritable []string
}

// Option configures Guard.
type Option func(*Guard)

// WithAlwaysWritable replaces the keys accepted regardless of edit rules.
func WithAlwaysWritable(fields ...string) Option {
	return func(g *Guard) {
		g.alwaysWritable = append([]string(nil), fields...)
	}
}

func New(resolver *rbac.Resolver, records crm.Store, recorder *audit.Recorder, history audit.Store, opts ...Option) (*Guard, error) {
	switch {
	case resolver == nil:
		return nil, errors.New("guard: resolver is required")
	case records == nil:
		return nil, errors.New("guard: record store is required")
	case recorder == nil:
		return nil, errors.New("guard: audit recorder is required")
	case history == nil:
		return nil, errors.New("guard: audit store is required")
	}
	g := &Guard{
		resolver:       resolver,
		records:        records,
		recorder:       recorder,
		history:        history,
		alwaysWritable: append([]string(nil), DefaultAlwaysWritable...),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize resolves the caller from ctx and checks module/action. It is
// the first step of every operation and is exported for handlers that only
// need the module gate.
func (g *Guard) Authorize(ctx context.Context, module rbac.Module, action rbac.Action) (auth.Identity, rbac.PermissionContext, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return auth.Identity{}, rbac.PermissionContext{}, rbac.ErrAuthenticationMissing
	}
	pc, err := g.resolver.Resolve(ctx, id.UserID, id.OrgID, module, action)
	if err != nil {
		return auth.Identity{}, rbac.PermissionContext{}, err
	}
	if !pc.Allowed {
		return auth.Identity{}, rbac.PermissionContext{}, fmt.Errorf("%w: %s on %s", rbac.ErrModuleActionDenied, action, module)
	}
	return id, pc, nil
}

// load fetches a record inside the caller's organization and applies the
// visibility rule. Absent and foreign records are indistinguishable.
func (g *Guard) load(ctx context.Context, id auth.Identity, pc rbac.PermissionContext, module rbac.Module, recordID string) (crm.Record, error) {
	rec, err := g.records.Get(ctx, id.OrgID, string(module), recordID)
	if err != nil {
		return crm.Record{}, storeError(err)
	}
	if err := rbac.CheckAccess(pc.RecordVisibility, id.UserID, rec.OwnerID); err != nil {
		return crm.Record{}, err
	}
	return rec, nil
}

// Get returns one record redacted to the caller's view fields.
func (g *Guard) Get(ctx context.Context, module rbac.Module, recordID string) (RecordView, error) {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionView)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := g.load(ctx, id, pc, module, recordID)
	if err != nil {
		return RecordView{}, err
	}
	return present(rec, pc.AllowedViewFields), nil
}

// ListOptions controls paging for List.
type ListOptions struct {
	After string
	Limit int
}

// List returns the records the caller may see. Under OWN visibility only the
// caller's records are fetched, and each row is checked again before it is
// returned.
func (g *Guard) List(ctx context.Context, module rbac.Module, opts ListOptions) ([]RecordView, error) {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	query := crm.ListOptions{After: opts.After, Limit: opts.Limit}
	if pc.RecordVisibility != rbac.VisibilityAll {
		query.OwnerID = id.UserID
	}
	recs, err := g.records.List(ctx, id.OrgID, string(module), query)
	if err != nil {
		return nil, storeError(err)
	}
	out := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		if rbac.CheckAccess(pc.RecordVisibility, id.UserID, rec.OwnerID) != nil {
			continue
		}
		out = append(out, present(rec, pc.AllowedViewFields))
	}
	return out, nil
}

// Create validates and stores a new record, then audits it.
func (g *Guard) Create(ctx context.Context, module rbac.Module, in CreateInput) (RecordView, error) {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionCreate)
	if err != nil {
		return RecordView{}, err
	}
	owner := in.OwnerID
	if owner == "" {
		owner = id.UserID
	}
	if err := rbac.CheckAccess(pc.RecordVisibility, id.UserID, owner); err != nil {
		return RecordView{}, err
	}
	payload := in.Fields
	if owner != id.UserID {
		payload = withOwnerKey(in.Fields)
	}
	if err := rbac.ValidateEditFields(payload, pc.AllowedEditFields, g.alwaysWritable).Err(); err != nil {
		return RecordView{}, err
	}

	rec, err := g.records.Create(ctx, crm.Record{
		OrgID:   id.OrgID,
		Module:  string(module),
		OwnerID: owner,
		Fields:  in.Fields,
	})
	if err != nil {
		return RecordView{}, storeError(err)
	}
	if err := g.audit(ctx, id, audit.Entry{
		Module:   string(module),
		RecordID: rec.ID,
		Action:   audit.ActionCreate,
		NewState: rec.Snapshot(),
	}); err != nil {
		return RecordView{}, err
	}
	return g.presentAfterWrite(ctx, id, module, rec)
}

// Update applies a partial update. The payload is accepted or rejected as a
// whole.
func (g *Guard) Update(ctx context.Context, module rbac.Module, recordID string, in UpdateInput) (RecordView, error) {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionEdit)
	if err != nil {
		return RecordView{}, err
	}
	current, err := g.load(ctx, id, pc, module, recordID)
	if err != nil {
		return RecordView{}, err
	}
	expected, err := pinVersion(in.ExpectedVersion, current)
	if err != nil {
		return RecordView{}, err
	}
	payload := in.Fields
	if in.OwnerID != nil && *in.OwnerID != current.OwnerID {
		if err := rbac.CheckAccess(pc.RecordVisibility, id.UserID, *in.OwnerID); err != nil {
			return RecordView{}, err
		}
		payload = withOwnerKey(in.Fields)
	}
	if err := rbac.ValidateEditFields(payload, pc.AllowedEditFields, g.alwaysWritable).Err(); err != nil {
		return RecordView{}, err
	}

	updated, err := g.records.Update(ctx, id.OrgID, string(module), recordID, crm.Patch{
		Fields:          in.Fields,
		OwnerID:         in.OwnerID,
		ExpectedVersion: expected,
	})
	if err != nil {
		return RecordView{}, storeError(err)
	}
	if err := g.audit(ctx, id, audit.Entry{
		Module:        string(module),
		RecordID:      updated.ID,
		Action:        audit.ActionUpdate,
		PreviousState: current.Snapshot(),
		NewState:      updated.Snapshot(),
		Metadata:      map[string]any{"version": updated.Version},
	}); err != nil {
		return RecordView{}, err
	}
	return g.presentAfterWrite(ctx, id, module, updated)
}

// Delete removes a record and audits its last state. A non-zero
// expectedVersion must match the stored version.
func (g *Guard) Delete(ctx context.Context, module rbac.Module, recordID string, expectedVersion int64) error {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionDelete)
	if err != nil {
		return err
	}
	current, err := g.load(ctx, id, pc, module, recordID)
	if err != nil {
		return err
	}
	expected, err := pinVersion(expectedVersion, current)
	if err != nil {
		return err
	}
	removed, err := g.records.Delete(ctx, id.OrgID, string(module), recordID, expected)
	if err != nil {
		return storeError(err)
	}
	return g.audit(ctx, id, audit.Entry{
		Module:        string(module),
		RecordID:      removed.ID,
		Action:        audit.ActionDelete,
		PreviousState: removed.Snapshot(),
	})
}

// History returns the audit trail of a record the caller can view, with
// both snapshots redacted to the caller's view fields.
func (g *Guard) History(ctx context.Context, module rbac.Module, recordID string, limit int) ([]audit.Entry, error) {
	id, pc, err := g.Authorize(ctx, module, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	if _, err := g.load(ctx, id, pc, module, recordID); err != nil {
		return nil, err
	}
	entries, err := g.history.List(ctx, audit.Filter{
		OrgID:    id.OrgID,
		Module:   string(module),
		RecordID: recordID,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].PreviousState = redactSnapshot(entries[i].PreviousState, pc.AllowedViewFields)
		entries[i].NewState = redactSnapshot(entries[i].NewState, pc.AllowedViewFields)
	}
	return entries, nil
}

func (g *Guard) audit(ctx context.Context, id auth.Identity, entry audit.Entry) error {
	entry.OrgID = id.OrgID
	entry.ActorID = id.UserID
	entry.ActorType = id.ActorType
	if requestID := audit.RequestIDFromContext(ctx); requestID != "" {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["request_id"] = requestID
	}
	if _, err := g.recorder.Record(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", rbac.ErrAuditWrite, err)
	}
	return nil
}

// presentAfterWrite redacts a freshly written record with the caller's view
// grant. Without view access only the envelope is returned.
func (g *Guard) presentAfterWrite(ctx context.Context, id auth.Identity, module rbac.Module, rec crm.Record) (RecordView, error) {
	pc, err := g.resolver.Resolve(ctx, id.UserID, id.OrgID, module, rbac.ActionView)
	if err != nil {
		return RecordView{}, err
	}
	if !pc.Allowed {
		return present(rec, []string{}), nil
	}
	return present(rec, pc.AllowedViewFields), nil
}

func present(rec crm.Record, viewFields []string) RecordView {
	fields := rbac.FilterToAllowedFields(rec.Fields, viewFields)
	if fields == nil {
		fields = map[string]any{}
	}
	return RecordView{
		ID:        rec.ID,
		Module:    rbac.Module(rec.Module),
		OwnerID:   rec.OwnerID,
		Version:   rec.Version,
		Fields:    fields,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// redactSnapshot filters an audit snapshot like a record: business fields go
// through the view allow-list, the owner is envelope data and is kept.
func redactSnapshot(state map[string]any, viewFields []string) map[string]any {
	if state == nil || viewFields == nil {
		return state
	}
	out := rbac.FilterToAllowedFields(state, viewFields)
	if owner, ok := state[crm.OwnerKey]; ok {
		out[crm.OwnerKey] = owner
	}
	return out
}

// pinVersion returns the version a mutation must find in the store: the one
// whose owner was just checked. A caller-supplied version that differs is a
// conflict.
func pinVersion(expected int64, current crm.Record) (int64, error) {
	if expected != 0 && expected != current.Version {
		return 0, fmt.Errorf("%w: have %d, want %d", rbac.ErrConflict, current.Version, expected)
	}
	return current.Version, nil
}

// withOwnerKey adds the owner key so that reassignment is checked like any
// other field write.
func withOwnerKey(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[crm.OwnerKey] = true
	return out
}

func storeError(err error) error {
	switch {
	case errors.Is(err, crm.ErrNotFound):
		return rbac.ErrRecordNotFound
	case errors.Is(err, crm.ErrConflict):
		return fmt.Errorf("%w: %v", rbac.ErrConflict, err)
	case errors.Is(err, crm.ErrInvalid):
		return fmt.Errorf("%w: %v", rbac.ErrValidation, err)
	}
	return err
}
