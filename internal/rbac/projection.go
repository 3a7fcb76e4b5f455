package rbac

import (
	"context"
	"fmt"
	"slices"
)

// ModuleGrant is the client-facing view of one module permission.
type ModuleGrant struct {
	Actions          ActionSet   `json:"actions"`
	Fields           *FieldRules `json:"fields"`
	RecordVisibility Visibility  `json:"record_visibility"`
}

// Projection is the read model returned to clients describing everything the
// caller may do. Client-side checks must be derived from it only.
type Projection struct {
	Role        *Role                  `json:"role"`
	Permissions map[Module]ModuleGrant `json:"permissions"`
	IsAdmin     bool                   `json:"is_admin"`
}

// Project builds the caller's projection. Callers without a role get an
// empty projection.
func (r *Resolver) Project(ctx context.Context, userID, orgID string) (Projection, error) {
	role, err := r.Role(ctx, userID, orgID)
	if err != nil {
		if isNotFound(err) {
			return Projection{Permissions: map[Module]ModuleGrant{}}, nil
		}
		return Projection{}, err
	}
	out := Projection{Role: &role, Permissions: map[Module]ModuleGrant{}}
	if role.Omnipotent() {
		out.IsAdmin = true
		for _, m := range knownModules {
			out.Permissions[m] = ModuleGrant{Actions: AllActions, RecordVisibility: VisibilityAll}
		}
		return out, nil
	}
	perms, err := r.store.Permissions(ctx, role.ID)
	if err != nil {
		return Projection{}, fmt.Errorf("load permissions: %w", err)
	}
	for _, p := range perms {
		if p.Actions.Empty() {
			continue
		}
		out.Permissions[p.Module] = ModuleGrant{
			Actions:          p.Actions,
			Fields:           p.Fields.clone(),
			RecordVisibility: p.Visibility(),
		}
	}
	return out, nil
}

// Context derives the PermissionContext for (module, action) from the
// projection alone.
func (p Projection) Context(module Module, action Action) PermissionContext {
	if p.IsAdmin {
		return omnipotentContext()
	}
	grant, ok := p.Permissions[module]
	if !ok || !grant.Actions.Has(action) {
		return deniedContext()
	}
	pc := PermissionContext{Allowed: true, RecordVisibility: grant.RecordVisibility}
	if pc.RecordVisibility == "" {
		pc.RecordVisibility = VisibilityAll
	}
	if grant.Fields != nil {
		pc.AllowedViewFields = cloneFields(grant.Fields.View)
		pc.AllowedEditFields = cloneFields(grant.Fields.Edit)
	}
	return pc
}

func (p Projection) Can(module Module, action Action) bool {
	return p.Context(module, action).Allowed
}

// CanViewField reports whether field is readable on module.
func (p Projection) CanViewField(module Module, field string) bool {
	pc := p.Context(module, ActionView)
	return pc.Allowed && (pc.AllowedViewFields == nil || slices.Contains(pc.AllowedViewFields, field))
}

// CanEditField reports whether field is writable on module.
func (p Projection) CanEditField(module Module, field string) bool {
	pc := p.Context(module, ActionEdit)
	return pc.Allowed && (pc.AllowedEditFields == nil || slices.Contains(pc.AllowedEditFields, field))
}
