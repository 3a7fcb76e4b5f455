package rbac

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectWithoutRole(t *testing.T) {
	f := newFixture(t)
	p, err := f.resolver.Project(context.Background(), "nobody", testOrg)
	require.NoError(t, err)
	assert.Nil(t, p.Role)
	assert.False(t, p.IsAdmin)
	assert.Empty(t, p.Permissions)
	assert.False(t, p.Can(ModuleLeads, ActionView))
}

func TestProjectAdminListsKnownModules(t *testing.T) {
	f := newFixture(t)
	admin := f.role(t, AdminRoleName, false)
	f.assign(t, "boss", admin)

	p, err := f.resolver.Project(context.Background(), "boss", testOrg)
	require.NoError(t, err)
	require.NotNil(t, p.Role)
	assert.True(t, p.IsAdmin)
	assert.Len(t, p.Permissions, len(KnownModules()))
	for _, m := range KnownModules() {
		assert.Equal(t, AllActions, p.Permissions[m].Actions)
		assert.Nil(t, p.Permissions[m].Fields)
	}
	custom, err := CustomModule("vendors")
	require.NoError(t, err)
	assert.True(t, p.Can(custom, ActionDelete))
}

func TestProjectMatchesResolver(t *testing.T) {
	f := newFixture(t)
	custom, err := CustomModule("renewals")
	require.NoError(t, err)
	role := f.role(t, "Sales Rep", false,
		salesRepPermission(),
		Permission{Module: ModuleLeads, Actions: NewActionSet(ActionView, ActionCreate), Fields: &FieldRules{View: []string{"name"}, Edit: []string{}}},
		Permission{Module: custom, Actions: NewActionSet(ActionDelete)},
	)
	f.assign(t, "rep-1", role)

	p, err := f.resolver.Project(context.Background(), "rep-1", testOrg)
	require.NoError(t, err)

	for _, m := range append(KnownModules(), custom) {
		for _, a := range allActions {
			want, err := f.resolver.Resolve(context.Background(), "rep-1", testOrg, m, a)
			require.NoError(t, err)
			assert.Equal(t, want, p.Context(m, a), "%s/%s", m, a)
		}
	}

	assert.True(t, p.CanEditField(ModuleContacts, "phone"))
	assert.False(t, p.CanEditField(ModuleContacts, "email"))
	assert.True(t, p.CanViewField(ModuleContacts, "email"))
	assert.True(t, p.CanViewField(ModuleLeads, "name"))
	assert.False(t, p.CanViewField(ModuleLeads, "budget"))
	assert.False(t, p.CanEditField(ModuleLeads, "name"))
}

func TestProjectionJSONShape(t *testing.T) {
	f := newFixture(t)
	role := f.role(t, "Sales Rep", false, salesRepPermission())
	f.assign(t, "rep-1", role)

	p, err := f.resolver.Project(context.Background(), "rep-1", testOrg)
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["is_admin"])
	perms := decoded["permissions"].(map[string]any)
	contacts := perms["contacts"].(map[string]any)
	assert.Equal(t, []any{"view", "edit"}, contacts["actions"])
	fields := contacts["fields"].(map[string]any)
	assert.Nil(t, fields["view"])
	assert.Equal(t, []any{"phone", "title"}, fields["edit"])
	assert.Equal(t, "OWN", contacts["record_visibility"])
}
