package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stead.org/internal/auth"
)

// Action is the kind of mutation an entry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ErrInvalidEntry is returned when an entry does not have the shape required
// for its action.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Entry is one immutable row of the audit trail.
type Entry struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	Module        string         `json:"module"`
	RecordID      string         `json:"record_id"`
	Action        Action         `json:"action"`
	ActorID       string         `json:"actor_id"`
	ActorType     auth.ActorType `json:"actor_type"`
	PreviousState map[string]any `json:"previous_state,omitempty"`
	NewState      map[string]any `json:"new_state,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Validate checks required identifiers and that the state snapshots match
// the action: CREATE carries only a new state, DELETE only a previous state,
// UPDATE both.
func (e Entry) Validate() error {
	for name, v := range map[string]string{
		"org_id":    e.OrgID,
		"module":    e.Module,
		"record_id": e.RecordID,
		"actor_id":  e.ActorID,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidEntry, name)
		}
	}
	if _, err := auth.ParseActorType(string(e.ActorType)); err != nil || e.ActorType == "" {
		return fmt.Errorf("%w: actor_type %q", ErrInvalidEntry, e.ActorType)
	}
	switch e.Action {
	case ActionCreate:
		if e.NewState == nil || e.PreviousState != nil {
			return fmt.Errorf("%w: CREATE needs new_state only", ErrInvalidEntry)
		}
	case ActionUpdate:
		if e.NewState == nil || e.PreviousState == nil {
			return fmt.Errorf("%w: UPDATE needs previous_state and new_state", ErrInvalidEntry)
		}
	case ActionDelete:
		if e.PreviousState == nil || e.NewState != nil {
			return fmt.Errorf("%w: DELETE needs previous_state only", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidEntry, e.Action)
	}
	return nil
}
