package pg

import (
	"context"
	"database/sql"
	"errors"

	"recoverdesk.org/internal/audit"
)

// AuditLog implements audit.Store over the append-only audit_log table.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Store = (*AuditLog)(nil)

func (s *AuditLog) Tail(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `select hash from audit_log order by seq desc limit 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// Insert writes e only while e.PrevHash is still the newest hash. The unique
// index on prev_hash rejects a concurrent writer that read the same tail.
func (s *AuditLog) Insert(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, actor, action, resource, occurred_at, prev_hash, hash, details)
		select $1::text, $2::text, $3::text, $4::text, $5::timestamptz, $6::text, $7::text, $8::text
		where coalesce((select hash from audit_log order by seq desc limit 1), '') = $6::text
	`, e.ID, e.Actor, e.Action, e.Resource, e.Timestamp, e.PrevHash, e.Hash, string(e.Details))
	if err != nil {
		if isUniqueViolation(err) {
			return audit.ErrConflict
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return audit.ErrConflict
	}
	return nil
}

func (s *AuditLog) List(ctx context.Context) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, actor, action, resource, occurred_at, prev_hash, hash, details
		from audit_log
		order by seq asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			details string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &e.Timestamp, &e.PrevHash, &e.Hash, &details); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Details = []byte(details)
		out = append(out, e)
	}
	return out, rows.Err()
}
