package httpapi

import (
	"net/http"
	"time"

	"stead.org/internal/auth"
	"stead.org/internal/rbac"
)

type teamMembersResponse struct {
	Items []rbac.Membership `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

// handleMyPermissions returns the caller's permission projection. A caller
// without a role receives an empty projection, not an error.
func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		handleAccessError(w, r, rbac.ErrAuthenticationMissing)
		return
	}
	proj, err := a.resolver.Project(r.Context(), id.UserID, id.OrgID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     id.UserID,
		"org_id":      id.OrgID,
		"actor_type":  id.ActorType,
		"role":        proj.Role,
		"permissions": proj.Permissions,
		"is_admin":    proj.IsAdmin,
	})
}

// handleTeamMembers lists the caller's organization members from the cache.
func (a *API) handleTeamMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		handleAccessError(w, r, rbac.ErrAuthenticationMissing)
		return
	}
	members, err := a.team.Members(r.Context(), id.OrgID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if members == nil {
		members = []rbac.Membership{}
	}
	writeJSON(w, http.StatusOK, teamMembersResponse{Items: members, AsOf: time.Now().UTC()})
}
