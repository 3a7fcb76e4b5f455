// Package provision seeds an organization's roles and grants from a YAML
// template.
package provision

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"stead.org/internal/rbac"
)

//go:embed default_roles.yaml
var defaultTemplate []byte

// Template is the YAML document describing the roles of a new organization.
type Template struct {
	Roles []RoleTemplate `yaml:"roles"`
}

type RoleTemplate struct {
	Name        string               `yaml:"name"`
	System      bool                 `yaml:"system"`
	Default     bool                 `yaml:"default"`
	Permissions []PermissionTemplate `yaml:"permissions"`
}

type PermissionTemplate struct {
	Module     string           `yaml:"module"`
	Actions    []string         `yaml:"actions"`
	Visibility string           `yaml:"visibility"`
	Fields     *rbac.FieldRules `yaml:"fields"`
}

// Parse decodes and validates a template.
func Parse(data []byte) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("%w: decode template: %v", rbac.ErrValidation, err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Default returns the built-in template.
func Default() Template {
	t, err := Parse(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("provision: embedded template is invalid: %v", err))
	}
	return t
}

// Validate checks names, modules, actions and that at least one role is
// marked as the default for new members.
func (t Template) Validate() error {
	if len(t.Roles) == 0 {
		return fmt.Errorf("%w: template has no roles", rbac.ErrValidation)
	}
	names := make(map[string]struct{}, len(t.Roles))
	defaults := 0
	for _, r := range t.Roles {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%w: role name is required", rbac.ErrValidation)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: duplicate role %q", rbac.ErrValidation, name)
		}
		names[name] = struct{}{}
		if r.Default {
			defaults++
		}
		modules := make(map[rbac.Module]struct{}, len(r.Permissions))
		for _, p := range r.Permissions {
			perm, err := p.permission()
			if err != nil {
				return fmt.Errorf("role %q: %w", name, err)
			}
			if _, dup := modules[perm.Module]; dup {
				return fmt.Errorf("%w: role %q lists module %s twice", rbac.ErrValidation, name, perm.Module)
			}
			modules[perm.Module] = struct{}{}
		}
	}
	if defaults == 0 {
		return fmt.Errorf("%w: template needs a default role", rbac.ErrValidation)
	}
	return nil
}

func (p PermissionTemplate) permission() (rbac.Permission, error) {
	module, err := rbac.ParseModule(p.Module)
	if err != nil {
		return rbac.Permission{}, err
	}
	actions, err := rbac.ParseActionSet(p.Actions)
	if err != nil {
		return rbac.Permission{}, err
	}
	if actions.Empty() {
		return rbac.Permission{}, fmt.Errorf("%w: module %s has no actions", rbac.ErrValidation, module)
	}
	visibility, err := rbac.ParseVisibility(p.Visibility)
	if err != nil {
		return rbac.Permission{}, err
	}
	return rbac.Permission{
		Module:           module,
		Actions:          actions,
		Fields:           p.Fields,
		RecordVisibility: visibility,
	}, nil
}

// Apply creates every role and grant of t inside orgID and returns the
// created roles in template order. It refuses to run against an
// organization that already has roles.
func Apply(ctx context.Context, store rbac.AdminStore, orgID string, t Template) ([]rbac.Role, error) {
	if store == nil {
		return nil, errors.New("provision: store is required")
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: org id is required", rbac.ErrValidation)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	existing, err := store.ListRoles(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: organization %s already has roles", rbac.ErrConflict, orgID)
	}

	created := make([]rbac.Role, 0, len(t.Roles))
	for _, rt := range t.Roles {
		role, err := store.CreateRole(ctx, rbac.Role{
			OrgID:     orgID,
			Name:      strings.TrimSpace(rt.Name),
			IsSystem:  rt.System,
			IsDefault: rt.Default,
		})
		if err != nil {
			return nil, fmt.Errorf("create role %q: %w", rt.Name, err)
		}
		for _, pt := range rt.Permissions {
			perm, err := pt.permission()
			if err != nil {
				return nil, err
			}
			perm.RoleID = role.ID
			if err := store.PutPermission(ctx, perm); err != nil {
				return nil, fmt.Errorf("grant %s to %q: %w", perm.Module, rt.Name, err)
			}
		}
		created = append(created, role)
	}
	return created, nil
}

// DefaultRole picks the first default role from roles.
func DefaultRole(roles []rbac.Role) (rbac.Role, bool) {
	for _, r := range roles {
		if r.IsDefault {
			return r, true
		}
	}
	return rbac.Role{}, false
}
