package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"recoverdesk.org/internal/otp"
)

// OTPCodes implements otp.Store over the otp_codes table.
type OTPCodes struct {
	db *sql.DB
}

var _ otp.Store = (*OTPCodes)(nil)

func (s *OTPCodes) Upsert(ctx context.Context, rec otp.Record) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into otp_codes (email, case_id, code_hash, expires_at, attempts, consumed_at, created_at)
		values ($1, $2, $3, $4, 0, null, $5)
		on conflict (email, case_id) do update
		set code_hash = excluded.code_hash,
		    expires_at = excluded.expires_at,
		    attempts = 0,
		    consumed_at = null,
		    created_at = excluded.created_at
	`, rec.Email, rec.CaseID, rec.CodeHash, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *OTPCodes) Get(ctx context.Context, email, caseID string) (otp.Record, error) {
	if s.db == nil {
		return otp.Record{}, errNoDB
	}
	var (
		rec      otp.Record
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select email, case_id, code_hash, expires_at, attempts, consumed_at, created_at
		from otp_codes
		where email = $1 and case_id = $2
	`, email, caseID).Scan(&rec.Email, &rec.CaseID, &rec.CodeHash, &rec.ExpiresAt, &rec.Attempts, &consumed, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return otp.Record{}, otp.ErrNotFound
	}
	if err != nil {
		return otp.Record{}, err
	}
	if consumed.Valid {
		at := consumed.Time
		rec.ConsumedAt = &at
	}
	return rec, nil
}

func (s *OTPCodes) ReserveAttempt(ctx context.Context, email, caseID string, max int) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		update otp_codes set attempts = attempts + 1
		where email = $1 and case_id = $2 and consumed_at is null and attempts < $3
		returning attempts
	`, email, caseID, max).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists(select 1 from otp_codes where email = $1 and case_id = $2)`,
			email, caseID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, otp.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *OTPCodes) Consume(ctx context.Context, email, caseID, codeHash string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update otp_codes set consumed_at = $3
		where email = $1 and case_id = $2 and consumed_at is null and code_hash = $4
	`, email, caseID, at, codeHash)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}
