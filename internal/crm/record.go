// Package crm holds tenant-scoped CRM records and their storage.
package crm

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("crm: record not found")
	ErrConflict = errors.New("crm: version conflict")
	ErrInvalid  = errors.New("crm: invalid record")
)

// Record is one row of a module. Fields hold the business data; ownership
// and bookkeeping live outside Fields.
type Record struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	Module    string         `json:"module"`
	OwnerID   string         `json:"owner_id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OwnerKey is the snapshot key carrying the owner. It is reserved and may
// not appear in Fields.
const OwnerKey = "owner_id"

// Snapshot returns the state stored in audit entries: a copy of Fields plus
// the owner.
func (r Record) Snapshot() map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[OwnerKey] = r.OwnerID
	return out
}

// Validate checks a record before it is first stored.
func (r Record) Validate() error {
	if strings.TrimSpace(r.OrgID) == "" || strings.TrimSpace(r.Module) == "" {
		return fmt.Errorf("%w: org and module are required", ErrInvalid)
	}
	for k, v := range r.Fields {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalid)
		}
		if k == OwnerKey {
			return fmt.Errorf("%w: %q is set through the owner, not fields", ErrInvalid, k)
		}
		if v == nil {
			return fmt.Errorf("%w: field %q is null", ErrInvalid, k)
		}
	}
	return nil
}

func (r Record) clone() Record {
	r.Fields = maps.Clone(r.Fields)
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return r
}

// Patch describes an update. Fields with a nil value are removed. OwnerID,
// when set, reassigns the record. ExpectedVersion, when non-zero, must match
// the stored version.
type Patch struct {
	Fields          map[string]any
	OwnerID         *string
	ExpectedVersion int64
}

// Validate rejects patches that touch the reserved owner key through Fields.
func (p Patch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if _, ok := p.Fields[OwnerKey]; ok {
		return fmt.Errorf("%w: %q is set through the owner, not fields", ErrInvalid, OwnerKey)
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields) == 0 && p.OwnerID == nil
}

// Apply returns the patched copy of r.
func (p Patch) Apply(r Record) Record {
	out := r.clone()
	for k, v := range p.Fields {
		if v == nil {
			delete(out.Fields, k)
			continue
		}
		out.Fields[k] = v
	}
	if p.OwnerID != nil {
		out.OwnerID = *p.OwnerID
	}
	return out
}

// ListOptions narrows List results.
type ListOptions struct {
	OwnerID string
	After   string
	Limit   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EffectiveLimit clamps Limit to the supported page size.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	if o.Limit > maxListLimit {
		return maxListLimit
	}
	return o.Limit
}
