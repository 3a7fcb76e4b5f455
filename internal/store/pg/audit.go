package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stead.org/internal/audit"
	"stead.org/internal/auth"
)

var _ audit.Store = (*AuditLog)(nil)

// AuditLog implements audit.Store on the append-only audit_log table.
type AuditLog struct {
	db *sql.DB
}

func (s *Store) Audit() *AuditLog { return &AuditLog{db: s.db} }

// Append inserts entry. A second insert with the same id is ignored, which
// makes retries safe.
func (s *AuditLog) Append(ctx context.Context, entry audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	prev, err := marshalMap(entry.PreviousState)
	if err != nil {
		return fmt.Errorf("marshal previous state: %w", err)
	}
	next, err := marshalMap(entry.NewState)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	meta, err := marshalMap(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, org_id, module, record_id, action, actor_id, actor_type,
		                       previous_state, new_state, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (id) do nothing
	`, entry.ID, entry.OrgID, entry.Module, entry.RecordID, string(entry.Action), entry.ActorID,
		string(entry.ActorType), prev, next, meta, entry.Timestamp)
	return err
}

// List returns entries newest first.
func (s *AuditLog) List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where = []string{"org_id = $1"}
		args  = []any{filter.OrgID}
		idx   = 2
	)
	if filter.Module != "" {
		where = append(where, fmt.Sprintf("module = $%d", idx))
		args = append(args, filter.Module)
		idx++
	}
	if filter.RecordID != "" {
		where = append(where, fmt.Sprintf("record_id = $%d", idx))
		args = append(args, filter.RecordID)
		idx++
	}
	if !filter.Before.IsZero() {
		where = append(where, fmt.Sprintf("created_at < $%d", idx))
		args = append(args, filter.Before)
		idx++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`
		select id, org_id, module, record_id, action, actor_id, actor_type,
		       previous_state, new_state, metadata, created_at
		from audit_log
		where %s
		order by created_at desc, id desc
		limit $%d`, strings.Join(where, " and "), idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e                 audit.Entry
			action, actorType string
			prev, next, meta  []byte
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Module, &e.RecordID, &action, &e.ActorID, &actorType,
			&prev, &next, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.ActorType = auth.ActorType(actorType)
		if e.PreviousState, err = unmarshalMap(prev); err != nil {
			return nil, fmt.Errorf("decode previous state: %w", err)
		}
		if e.NewState, err = unmarshalMap(next); err != nil {
			return nil, fmt.Errorf("decode new state: %w", err)
		}
		if e.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
