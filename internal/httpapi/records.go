package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stead.org/internal/audit"
	"stead.org/internal/guard"
	"stead.org/internal/obs"
	"stead.org/internal/rbac"
)

type createRecordRequest struct {
	OwnerID string         `json:"owner_id"`
	Fields  map[string]any `json:"fields"`
}

type updateRecordRequest struct {
	OwnerID *string        `json:"owner_id"`
	Fields  map[string]any `json:"fields"`
}

type listRecordsResponse struct {
	Items     []guard.RecordView `json:"items"`
	NextAfter string             `json:"next_after,omitempty"`
	AsOf      time.Time          `json:"as_of"`
}

type historyResponse struct {
	Items []audit.Entry `json:"items"`
}

// handleModules routes /v1/modules/{module}/records[/{id}[/history]].
func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/modules/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "records" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	module, err := rbac.ParseModule(parts[0])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "unknown module")
		return
	}

	switch len(parts) {
	case 2:
		switch r.Method {
		case http.MethodGet:
			a.listRecords(w, r, module)
		case http.MethodPost:
			a.createRecord(w, r, module)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case 3:
		id := parts[2]
		switch r.Method {
		case http.MethodGet:
			a.getRecord(w, r, module, id)
		case http.MethodPatch:
			a.updateRecord(w, r, module, id)
		case http.MethodDelete:
			a.deleteRecord(w, r, module, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case 4:
		if parts[3] != "history" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.recordHistory(w, r, module, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request, module rbac.Module) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))

	items, err := a.guard.List(r.Context(), module, guard.ListOptions{After: after, Limit: limit})
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	resp := listRecordsResponse{Items: items, AsOf: time.Now().UTC()}
	if len(items) == limit {
		resp.NextAfter = items[len(items)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) createRecord(w http.ResponseWriter, r *http.Request, module rbac.Module) {
	// module gate first so a denied caller never learns about body errors
	if _, _, err := a.guard.Authorize(r.Context(), module, rbac.ActionCreate); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req createRecordRequest
	if err := decodeJSON(w, r, &req, a.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	view, err := a.guard.Create(r.Context(), module, guard.CreateInput{
		OwnerID: strings.TrimSpace(req.OwnerID),
		Fields:  req.Fields,
	})
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/modules/"+string(module)+"/records/"+view.ID)
	setETag(w, view.Version)
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, module rbac.Module, id string) {
	view, err := a.guard.Get(r.Context(), module, id)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	setETag(w, view.Version)
	writeJSON(w, http.StatusOK, view)
}

func (a *API) updateRecord(w http.ResponseWriter, r *http.Request, module rbac.Module, id string) {
	if _, _, err := a.guard.Authorize(r.Context(), module, rbac.ActionEdit); err != nil {
		handleAccessError(w, r, err)
		return
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req updateRecordRequest
	if err := decodeJSON(w, r, &req, a.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	view, err := a.guard.Update(r.Context(), module, id, guard.UpdateInput{
		OwnerID:         req.OwnerID,
		Fields:          req.Fields,
		ExpectedVersion: expected,
	})
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	setETag(w, view.Version)
	writeJSON(w, http.StatusOK, view)
}

func (a *API) deleteRecord(w http.ResponseWriter, r *http.Request, module rbac.Module, id string) {
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.guard.Delete(r.Context(), module, id, expected); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recordHistory(w http.ResponseWriter, r *http.Request, module rbac.Module, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.guard.History(r.Context(), module, id, limit)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: entries})
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", `"`+strconv.FormatInt(version, 10)+`"`)
}

// parseIfMatch reads the record version from an If-Match header. An absent
// header means no version check.
func parseIfMatch(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.New("If-Match must be a record version")
	}
	return v, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	reader := http.MaxBytesReader(w, r.Body, maxBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAccessError maps the authorization taxonomy onto HTTP statuses.
func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErr *rbac.FieldDeniedError
	switch {
	case errors.As(err, &fieldErr):
		writeErrorBody(w, r, http.StatusForbidden, map[string]any{
			"error":             rbac.ErrFieldAuthorizationDenied.Error(),
			"code":              "FIELD_AUTHORIZATION_DENIED",
			"disallowed_fields": fieldErr.Fields,
		})
	case errors.Is(err, rbac.ErrAuthenticationMissing):
		writeCodedError(w, r, http.StatusUnauthorized, "AUTHENTICATION_MISSING", err.Error())
	case errors.Is(err, rbac.ErrModuleActionDenied):
		writeCodedError(w, r, http.StatusForbidden, "MODULE_ACTION_DENIED", err.Error())
	case errors.Is(err, rbac.ErrRecordVisibilityDenied):
		writeCodedError(w, r, http.StatusForbidden, "RECORD_VISIBILITY_DENIED", err.Error())
	case errors.Is(err, rbac.ErrRecordNotFound):
		writeCodedError(w, r, http.StatusNotFound, "RECORD_NOT_FOUND", "record not found")
	case errors.Is(err, rbac.ErrValidation):
		writeCodedError(w, r, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, rbac.ErrConflict):
		writeCodedError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, rbac.ErrAuditWrite):
		obs.Error("audit_write_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeCodedError(w, r, http.StatusInternalServerError, "AUDIT_WRITE_FAILED", "audit write failed")
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorBody(w, r, status, map[string]any{"error": msg, "code": code})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
