package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stead.org/internal/ids"
)

// Store is the read side used while resolving permissions.
type Store interface {
	RoleForUser(ctx context.Context, orgID, userID string) (Role, error)
	Permission(ctx context.Context, roleID string, module Module) (Permission, error)
	Permissions(ctx context.Context, roleID string) ([]Permission, error)
}

// AdminStore manages roles, grants and memberships.
type AdminStore interface {
	Store
	CreateRole(ctx context.Context, role Role) (Role, error)
	ListRoles(ctx context.Context, orgID string) ([]Role, error)
	PutPermission(ctx context.Context, perm Permission) error
	AssignRole(ctx context.Context, orgID, userID, roleID string) error
	Memberships(ctx context.Context, orgID string) ([]Membership, error)
}

type permissionKey struct {
	roleID string
	module Module
}

type membershipKey struct {
	orgID  string
	userID string
}

// MemoryStore is an in-process AdminStore.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	permissions map[permissionKey]Permission
	members     map[membershipKey]string
}

var _ AdminStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]Role),
		permissions: make(map[permissionKey]Permission),
		members:     make(map[membershipKey]string),
	}
}

func (s *MemoryStore) RoleForUser(ctx context.Context, orgID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roleID, ok := s.members[membershipKey{orgID: orgID, userID: userID}]
	if !ok {
		return Role{}, ErrNotFound
	}
	role, ok := s.roles[roleID]
	if !ok || role.OrgID != orgID {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *MemoryStore) Permission(ctx context.Context, roleID string, module Module) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[permissionKey{roleID: roleID, module: module}]
	if !ok {
		return Permission{}, ErrNotFound
	}
	perm.Fields = perm.Fields.clone()
	return perm, nil
}

func (s *MemoryStore) Permissions(ctx context.Context, roleID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Permission
	for key, perm := range s.permissions {
		if key.roleID != roleID {
			continue
		}
		perm.Fields = perm.Fields.clone()
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (s *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.OrgID == "" || role.Name == "" {
		return Role{}, fmt.Errorf("%w: org and role name are required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.OrgID == role.OrgID && existing.Name == role.Name {
			return Role{}, fmt.Errorf("%w: role %q already exists", ErrConflict, role.Name)
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	s.roles[role.ID] = role
	return role, nil
}

func (s *MemoryStore) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for _, role := range s.roles {
		if role.OrgID == orgID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutPermission upserts a grant. A grant without actions removes the row.
func (s *MemoryStore) PutPermission(ctx context.Context, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[perm.RoleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, perm.RoleID)
	}
	key := permissionKey{roleID: perm.RoleID, module: perm.Module}
	if perm.Actions.Empty() {
		delete(s.permissions, key)
		return nil
	}
	perm.RecordVisibility = perm.Visibility()
	perm.Fields = perm.Fields.clone()
	s.permissions[key] = perm
	return nil
}

func (s *MemoryStore) AssignRole(ctx context.Context, orgID, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok || role.OrgID != orgID {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	s.members[membershipKey{orgID: orgID, userID: userID}] = roleID
	return nil
}

func (s *MemoryStore) Memberships(ctx context.Context, orgID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Membership
	for key, roleID := range s.members {
		if key.orgID == orgID {
			out = append(out, Membership{UserID: key.userID, OrgID: orgID, RoleID: roleID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
