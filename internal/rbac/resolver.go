package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stead.org/internal/obs"
)

// Resolver turns (user, org, module, action) into a PermissionContext.
// Results are computed from the store on every call.
type Resolver struct {
	store Store
}

func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &Resolver{store: store}, nil
}

// Resolve reports whether the user may perform action on module and which
// records and fields the grant covers. A missing role or permission row is a
// denial, not an error; store failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, userID, orgID string, module Module, action Action) (PermissionContext, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orgID) == "" {
		return deniedContext(), ErrAuthenticationMissing
	}
	role, err := r.store.RoleForUser(ctx, orgID, userID)
	if err != nil {
		if isNotFound(err) {
			observe(module, action, "no_role")
			return deniedContext(), nil
		}
		return deniedContext(), fmt.Errorf("load role: %w", err)
	}
	if role.Omnipotent() {
		observe(module, action, "admin")
		return omnipotentContext(), nil
	}
	perm, err := r.store.Permission(ctx, role.ID, module)
	if err != nil {
		if isNotFound(err) {
			observe(module, action, "no_grant")
			return deniedContext(), nil
		}
		return deniedContext(), fmt.Errorf("load permission: %w", err)
	}
	if !perm.Actions.Has(action) {
		observe(module, action, "denied")
		return deniedContext(), nil
	}
	observe(module, action, "allowed")
	return PermissionContext{
		Allowed:           true,
		RecordVisibility:  perm.Visibility(),
		AllowedViewFields: perm.ViewFields(),
		AllowedEditFields: perm.EditFields(),
	}, nil
}

// Role returns the caller's role, or ErrNotFound when they have none.
func (r *Resolver) Role(ctx context.Context, userID, orgID string) (Role, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orgID) == "" {
		return Role{}, ErrAuthenticationMissing
	}
	return r.store.RoleForUser(ctx, orgID, userID)
}

func observe(module Module, action Action, outcome string) {
	label := string(module)
	if module.IsCustom() {
		label = "custom"
	}
	obs.ObserveDecision(label, string(action), outcome)
}
