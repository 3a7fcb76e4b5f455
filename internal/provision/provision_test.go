package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stead.org/internal/rbac"
)

func TestDefaultTemplateApplies(t *testing.T) {
	store := rbac.NewMemoryStore()
	roles, err := Apply(context.Background(), store, "org-1", Default())
	require.NoError(t, err)
	require.Len(t, roles, 4)

	def, ok := DefaultRole(roles)
	require.True(t, ok)
	assert.Equal(t, "Sales Rep", def.Name)

	perm, err := store.Permission(context.Background(), def.ID, rbac.ModuleContacts)
	require.NoError(t, err)
	assert.Equal(t, rbac.VisibilityOwn, perm.Visibility())
	assert.True(t, perm.Actions.Has(rbac.ActionEdit))
	assert.False(t, perm.Actions.Has(rbac.ActionDelete))
	require.NotNil(t, perm.Fields)
	assert.Nil(t, perm.Fields.View)
	assert.Equal(t, []string{"phone", "title"}, perm.Fields.Edit)

	var finance rbac.Role
	for _, r := range roles {
		if r.Name == "Finance" {
			finance = r
		}
	}
	perm, err = store.Permission(context.Background(), finance.ID, rbac.ModuleAccounts)
	require.NoError(t, err)
	require.NotNil(t, perm.Fields)
	assert.NotNil(t, perm.Fields.Edit)
	assert.Empty(t, perm.Fields.Edit)

	assert.True(t, roles[0].Omnipotent())
}

func TestApplyRefusesProvisionedOrg(t *testing.T) {
	store := rbac.NewMemoryStore()
	_, err := Apply(context.Background(), store, "org-1", Default())
	require.NoError(t, err)
	_, err = Apply(context.Background(), store, "org-1", Default())
	require.ErrorIs(t, err, rbac.ErrConflict)
}

func TestParseRejectsInvalidTemplates(t *testing.T) {
	cases := map[string]string{
		"no default": `
roles:
  - name: Viewer
    permissions:
      - module: leads
        actions: [view]
`,
		"unknown module": `
roles:
  - name: Viewer
    default: true
    permissions:
      - module: spaceships
        actions: [view]
`,
		"unknown action": `
roles:
  - name: Viewer
    default: true
    permissions:
      - module: leads
        actions: [approve]
`,
		"duplicate role": `
roles:
  - name: Viewer
    default: true
  - name: Viewer
`,
		"bad visibility": `
roles:
  - name: Viewer
    default: true
    permissions:
      - module: leads
        actions: [view]
        visibility: TEAM
`,
		"empty actions": `
roles:
  - name: Viewer
    default: true
    permissions:
      - module: leads
        actions: []
`,
		"not yaml": `roles: [`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, rbac.ErrValidation, name)
	}
}

func TestParseCustomModule(t *testing.T) {
	tmpl, err := Parse([]byte(`
roles:
  - name: Fleet
    default: true
    permissions:
      - module: custom:vehicles
        actions: [view, edit]
        fields:
          view: [plate, model]
`))
	require.NoError(t, err)
	store := rbac.NewMemoryStore()
	roles, err := Apply(context.Background(), store, "org-9", tmpl)
	require.NoError(t, err)

	perm, err := store.Permission(context.Background(), roles[0].ID, rbac.Module("custom:vehicles"))
	require.NoError(t, err)
	assert.Equal(t, []string{"plate", "model"}, perm.Fields.View)
	assert.Nil(t, perm.Fields.Edit)
}
