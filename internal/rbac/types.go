package rbac

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Module identifies a CRM data area guarded by permissions.
type Module string

const (
	ModuleLeads      Module = "leads"
	ModuleContacts   Module = "contacts"
	ModuleAccounts   Module = "accounts"
	ModuleDeals      Module = "deals"
	ModuleInvoices   Module = "invoices"
	ModuleQuotes     Module = "quotes"
	ModuleProducts   Module = "products"
	ModuleTasks      Module = "tasks"
	ModuleActivities Module = "activities"
	ModuleTickets    Module = "tickets"
)

const customModulePrefix = "custom:"

var (
	knownModules = []Module{
		ModuleLeads,
		ModuleContacts,
		ModuleAccounts,
		ModuleDeals,
		ModuleInvoices,
		ModuleQuotes,
		ModuleProducts,
		ModuleTasks,
		ModuleActivities,
		ModuleTickets,
	}
	customSlugPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
)

// KnownModules returns the built-in modules in display order.
func KnownModules() []Module {
	out := make([]Module, len(knownModules))
	copy(out, knownModules)
	return out
}

// CustomModule builds the module name for a tenant-defined module slug.
func CustomModule(slug string) (Module, error) {
	return ParseModule(customModulePrefix + slug)
}

// ParseModule normalises raw and accepts either a built-in module or
// "custom:<slug>".
func ParseModule(raw string) (Module, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", fmt.Errorf("%w: module is required", ErrValidation)
	}
	for _, m := range knownModules {
		if string(m) == raw {
			return m, nil
		}
	}
	if slug, ok := strings.CutPrefix(raw, customModulePrefix); ok && customSlugPattern.MatchString(slug) {
		return Module(raw), nil
	}
	return "", fmt.Errorf("%w: unknown module %q", ErrValidation, raw)
}

// IsCustom reports whether m is a tenant-defined module.
func (m Module) IsCustom() bool {
	return strings.HasPrefix(string(m), customModulePrefix)
}

func (m Module) String() string { return string(m) }

// Action is an operation a role may perform on a module.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

var allActions = []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, a := range allActions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrValidation, raw)
}

func (a Action) bit() ActionSet {
	switch a {
	case ActionView:
		return 1 << 0
	case ActionCreate:
		return 1 << 1
	case ActionEdit:
		return 1 << 2
	case ActionDelete:
		return 1 << 3
	}
	return 0
}

// ActionSet is a set of actions. The zero value grants nothing.
type ActionSet uint8

// AllActions grants every action.
const AllActions ActionSet = 1<<4 - 1

// NewActionSet builds a set from the given actions, ignoring unknown ones.
func NewActionSet(actions ...Action) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s |= a.bit()
	}
	return s
}

// ParseActionSet parses a list of action names. Unknown names are rejected.
func ParseActionSet(raw []string) (ActionSet, error) {
	var s ActionSet
	for _, item := range raw {
		a, err := ParseAction(item)
		if err != nil {
			return 0, err
		}
		s |= a.bit()
	}
	return s, nil
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	bit := a.bit()
	return bit != 0 && s&bit == bit
}

func (s ActionSet) Empty() bool { return s&AllActions == 0 }

// Actions lists the members in canonical order.
func (s ActionSet) Actions() []Action {
	out := make([]Action, 0, len(allActions))
	for _, a := range allActions {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Strings lists the members as plain strings in canonical order.
func (s ActionSet) Strings() []string {
	actions := s.Actions()
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseActionSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Visibility restricts which records of a module a role can reach.
type Visibility string

const (
	VisibilityAll Visibility = "ALL"
	VisibilityOwn Visibility = "OWN"
)

// ParseVisibility accepts ALL or OWN in any case. Empty input means ALL.
func ParseVisibility(raw string) (Visibility, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(VisibilityAll):
		return VisibilityAll, nil
	case string(VisibilityOwn):
		return VisibilityOwn, nil
	}
	return "", fmt.Errorf("%w: unknown record visibility %q", ErrValidation, raw)
}

// FieldRules holds per-field allow-lists. A nil list leaves that side
// unrestricted; an empty list permits no fields at all.
type FieldRules struct {
	View []string `json:"view" yaml:"view"`
	Edit []string `json:"edit" yaml:"edit"`
}

func (f *FieldRules) clone() *FieldRules {
	if f == nil {
		return nil
	}
	return &FieldRules{View: cloneFields(f.View), Edit: cloneFields(f.Edit)}
}

// AdminRoleName is the role name that is treated as omnipotent even when the
// role is not flagged as a system role.
const AdminRoleName = "Admin"

// Role is the single role a user holds inside an organization.
type Role struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	IsSystem  bool   `json:"is_system"`
	IsDefault bool   `json:"is_default"`
}

// Omnipotent reports whether the role bypasses all permission rows.
func (r Role) Omnipotent() bool {
	return r.IsSystem || r.Name == AdminRoleName
}

// Permission is the grant of one role over one module.
type Permission struct {
	RoleID           string      `json:"role_id"`
	Module           Module      `json:"module"`
	Actions          ActionSet   `json:"actions"`
	Fields           *FieldRules `json:"fields"`
	RecordVisibility Visibility  `json:"record_visibility"`
}

// Visibility returns the record visibility, defaulting to ALL.
func (p Permission) Visibility() Visibility {
	if p.RecordVisibility == "" {
		return VisibilityAll
	}
	return p.RecordVisibility
}

// ViewFields returns a copy of the view allow-list, nil when unrestricted.
func (p Permission) ViewFields() []string {
	if p.Fields == nil {
		return nil
	}
	return cloneFields(p.Fields.View)
}

// EditFields returns a copy of the edit allow-list, nil when unrestricted.
func (p Permission) EditFields() []string {
	if p.Fields == nil {
		return nil
	}
	return cloneFields(p.Fields.Edit)
}

// Membership binds a user to their role inside an organization.
type Membership struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	RoleID string `json:"role_id"`
}

// PermissionContext is the outcome of resolving one (module, action) pair.
type PermissionContext struct {
	Allowed           bool       `json:"allowed"`
	RecordVisibility  Visibility `json:"record_visibility"`
	AllowedViewFields []string   `json:"allowed_view_fields"`
	AllowedEditFields []string   `json:"allowed_edit_fields"`
}

func deniedContext() PermissionContext {
	return PermissionContext{
		Allowed:           false,
		RecordVisibility:  VisibilityOwn,
		AllowedViewFields: []string{},
		AllowedEditFields: []string{},
	}
}

func omnipotentContext() PermissionContext {
	return PermissionContext{Allowed: true, RecordVisibility: VisibilityAll}
}

// cloneFields copies a field list keeping the nil/empty distinction.
func cloneFields(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
