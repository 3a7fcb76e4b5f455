package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stead.org/internal/ids"
	"stead.org/internal/rbac"
)

var _ rbac.AdminStore = (*Store)(nil)

func (s *Store) RoleForUser(ctx context.Context, orgID, userID string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	var role rbac.Role
	err := s.db.QueryRowContext(ctx, `
		select r.id, r.org_id, r.name, r.is_system, r.is_default
		from user_roles ur
		join roles r on r.id = ur.role_id and r.org_id = ur.org_id
		where ur.org_id = $1 and ur.user_id = $2
	`, orgID, userID).Scan(&role.ID, &role.OrgID, &role.Name, &role.IsSystem, &role.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	return role, nil
}

func (s *Store) Permission(ctx context.Context, roleID string, module rbac.Module) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errNoDB
	}
	var rawActions, rawFields []byte
	var visibility string
	err := s.db.QueryRowContext(ctx, `
		select actions, fields, record_visibility
		from role_permissions
		where role_id = $1 and module = $2
	`, roleID, string(module)).Scan(&rawActions, &rawFields, &visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Permission{}, err
	}
	perm, err := decodePermission(roleID, module, rawActions, rawFields, visibility)
	if err != nil {
		return rbac.Permission{}, err
	}
	if perm.Actions.Empty() {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return perm, nil
}

func (s *Store) Permissions(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select module, actions, fields, record_visibility
		from role_permissions
		where role_id = $1
		order by module
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Permission
	for rows.Next() {
		var (
			module                string
			rawActions, rawFields []byte
			visibility            string
		)
		if err := rows.Scan(&module, &rawActions, &rawFields, &visibility); err != nil {
			return nil, err
		}
		perm, err := decodePermission(roleID, rbac.Module(module), rawActions, rawFields, visibility)
		if err != nil {
			return nil, err
		}
		if perm.Actions.Empty() {
			continue
		}
		result = append(result, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	role.Name = strings.TrimSpace(role.Name)
	if role.OrgID == "" || role.Name == "" {
		return rbac.Role{}, fmt.Errorf("%w: org and role name are required", rbac.ErrValidation)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, org_id, name, is_system, is_default)
		values ($1, $2, $3, $4, $5)
	`, role.ID, role.OrgID, role.Name, role.IsSystem, role.IsDefault)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Role{}, fmt.Errorf("%w: role %q already exists", rbac.ErrConflict, role.Name)
		}
		return rbac.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context, orgID string) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, name, is_system, is_default
		from roles
		where org_id = $1
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(&role.ID, &role.OrgID, &role.Name, &role.IsSystem, &role.IsDefault); err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PutPermission upserts a grant; a grant without actions deletes the row.
func (s *Store) PutPermission(ctx context.Context, perm rbac.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	if perm.Actions.Empty() {
		_, err := s.db.ExecContext(ctx, `delete from role_permissions where role_id = $1 and module = $2`,
			perm.RoleID, string(perm.Module))
		return err
	}
	actions, err := json.Marshal(perm.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	var fields any
	if perm.Fields != nil {
		b, err := json.Marshal(perm.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fields = b
	}
	_, err = s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, module, actions, fields, record_visibility)
		values ($1, $2, $3, $4, $5)
		on conflict (role_id, module) do update
		set actions = excluded.actions,
		    fields = excluded.fields,
		    record_visibility = excluded.record_visibility
	`, perm.RoleID, string(perm.Module), actions, fields, string(perm.Visibility()))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: role %s", rbac.ErrNotFound, perm.RoleID)
			case pgErrCheckViolation:
				return fmt.Errorf("%w: %s", rbac.ErrValidation, pgErr.Message)
			}
		}
		return err
	}
	return nil
}

// AssignRole sets the user's single role in orgID, replacing any previous one.
func (s *Store) AssignRole(ctx context.Context, orgID, userID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", rbac.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into user_roles (org_id, user_id, role_id)
		select $1, $2, id from roles where id = $3 and org_id = $1
		on conflict (org_id, user_id) do update set role_id = excluded.role_id
	`, orgID, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	return nil
}

func (s *Store) Memberships(ctx context.Context, orgID string) ([]rbac.Membership, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, org_id, role_id
		from user_roles
		where org_id = $1
		order by user_id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Membership
	for rows.Next() {
		var m rbac.Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.RoleID); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func decodePermission(roleID string, module rbac.Module, rawActions, rawFields []byte, visibility string) (rbac.Permission, error) {
	perm := rbac.Permission{RoleID: roleID, Module: module}
	if len(rawActions) > 0 {
		if err := json.Unmarshal(rawActions, &perm.Actions); err != nil {
			return rbac.Permission{}, fmt.Errorf("decode actions for %s: %w", module, err)
		}
	}
	if len(rawFields) > 0 && string(rawFields) != "null" {
		var fields rbac.FieldRules
		if err := json.Unmarshal(rawFields, &fields); err != nil {
			return rbac.Permission{}, fmt.Errorf("decode fields for %s: %w", module, err)
		}
		perm.Fields = &fields
	}
	vis, err := rbac.ParseVisibility(visibility)
	if err != nil {
		return rbac.Permission{}, err
	}
	perm.RecordVisibility = vis
	return perm, nil
}
