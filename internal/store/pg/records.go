package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stead.org/internal/crm"
	"stead.org/internal/ids"
)

var _ crm.Store = (*RecordStore)(nil)

// RecordStore implements crm.Store on the records table.
type RecordStore struct {
	db *sql.DB
}

// Records returns the record store sharing s's connection pool.
func (s *Store) Records() *RecordStore { return &RecordStore{db: s.db} }

const recordColumns = `id, org_id, module, coalesce(owner_id, ''), fields, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (crm.Record, error) {
	var (
		rec crm.Record
		raw []byte
	)
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.Module, &rec.OwnerID, &raw, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return crm.Record{}, err
	}
	fields, err := unmarshalMap(raw)
	if err != nil {
		return crm.Record{}, fmt.Errorf("decode fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	rec.Fields = fields
	return rec, nil
}

func (s *RecordStore) Get(ctx context.Context, orgID, module, id string) (crm.Record, error) {
	if s.db == nil {
		return crm.Record{}, errNoDB
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		select `+recordColumns+`
		from records
		where org_id = $1 and module = $2 and id = $3
	`, orgID, module, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Record{}, crm.ErrNotFound
	}
	return rec, err
}

func (s *RecordStore) List(ctx context.Context, orgID, module string, opts crm.ListOptions) ([]crm.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where = []string{"org_id = $1", "module = $2"}
		args  = []any{orgID, module}
		idx   = 3
	)
	if opts.OwnerID != "" {
		where = append(where, fmt.Sprintf("owner_id = $%d", idx))
		args = append(args, opts.OwnerID)
		idx++
	}
	if opts.After != "" {
		where = append(where, fmt.Sprintf("id > $%d", idx))
		args = append(args, opts.After)
		idx++
	}
	query := fmt.Sprintf(`select %s from records where %s order by id limit $%d`,
		recordColumns, strings.Join(where, " and "), idx)
	args = append(args, opts.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]crm.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RecordStore) Create(ctx context.Context, rec crm.Record) (crm.Record, error) {
	if s.db == nil {
		return crm.Record{}, errNoDB
	}
	if err := rec.Validate(); err != nil {
		return crm.Record{}, err
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return crm.Record{}, fmt.Errorf("%w: %v", crm.ErrInvalid, err)
	}
	now := time.Now().UTC()
	out, err := scanRecord(s.db.QueryRowContext(ctx, `
		insert into records (id, org_id, module, owner_id, fields, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, 1, $6, $6)
		returning `+recordColumns,
		ids.NewAt(now), rec.OrgID, rec.Module, nullIfEmpty(rec.OwnerID), fields, now))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return crm.Record{}, crm.ErrConflict
		}
		return crm.Record{}, err
	}
	return out, nil
}

// Update locks the row, checks the expected version and writes the patched
// record in one transaction.
func (s *RecordStore) Update(ctx context.Context, orgID, module, id string, patch crm.Patch) (crm.Record, error) {
	if s.db == nil {
		return crm.Record{}, errNoDB
	}
	if err := patch.Validate(); err != nil {
		return crm.Record{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crm.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx, `
		select `+recordColumns+`
		from records
		where org_id = $1 and module = $2 and id = $3
		for update
	`, orgID, module, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Record{}, crm.ErrNotFound
	}
	if err != nil {
		return crm.Record{}, err
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
		return crm.Record{}, fmt.Errorf("%w: have %d, want %d", crm.ErrConflict, current.Version, patch.ExpectedVersion)
	}

	next := patch.Apply(current)
	fields, err := json.Marshal(next.Fields)
	if err != nil {
		return crm.Record{}, fmt.Errorf("%w: %v", crm.ErrInvalid, err)
	}
	updated, err := scanRecord(tx.QueryRowContext(ctx, `
		update records
		set owner_id = $4, fields = $5, version = version + 1, updated_at = now()
		where org_id = $1 and module = $2 and id = $3
		returning `+recordColumns,
		orgID, module, id, nullIfEmpty(next.OwnerID), fields))
	if err != nil {
		return crm.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return crm.Record{}, err
	}
	return updated, nil
}

func (s *RecordStore) Delete(ctx context.Context, orgID, module, id string, expectedVersion int64) (crm.Record, error) {
	if s.db == nil {
		return crm.Record{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crm.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx, `
		select `+recordColumns+`
		from records
		where org_id = $1 and module = $2 and id = $3
		for update
	`, orgID, module, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Record{}, crm.ErrNotFound
	}
	if err != nil {
		return crm.Record{}, err
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return crm.Record{}, fmt.Errorf("%w: have %d, want %d", crm.ErrConflict, current.Version, expectedVersion)
	}
	if _, err := tx.ExecContext(ctx, `
		delete from records
		where org_id = $1 and module = $2 and id = $3
	`, orgID, module, id); err != nil {
		return crm.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return crm.Record{}, err
	}
	return current, nil
}
