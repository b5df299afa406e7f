package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"recoverdesk.org/internal/auth"
)

// Credentials implements auth.CredentialStore over the credentials table.
type Credentials struct {
	db *sql.DB
}

var _ auth.CredentialStore = (*Credentials)(nil)

func (s *Credentials) Create(ctx context.Context, c auth.Credential) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into credentials (id, namespace, email, password_hash, status, role, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, string(c.Namespace), c.Email, c.PasswordHash, string(c.Status), c.Role, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

const credentialColumns = `id, namespace, email, password_hash, status, role, created_at, updated_at`

func (s *Credentials) FindByEmail(ctx context.Context, ns auth.Namespace, email string) (auth.Credential, error) {
	if s.db == nil {
		return auth.Credential{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+credentialColumns+`
		from credentials
		where namespace = $1 and email = $2
	`, string(ns), email)
	return scanCredential(row)
}

func (s *Credentials) Find(ctx context.Context, id string) (auth.Credential, error) {
	if s.db == nil {
		return auth.Credential{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+credentialColumns+`
		from credentials
		where id = $1
	`, id)
	return scanCredential(row)
}

func (s *Credentials) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return s.exec(ctx, `update credentials set password_hash = $2, updated_at = $3 where id = $1`, id, passwordHash, at)
}

func (s *Credentials) UpdateStatus(ctx context.Context, id string, status auth.Status, at time.Time) error {
	return s.exec(ctx, `update credentials set status = $2, updated_at = $3 where id = $1`, id, string(status), at)
}

func (s *Credentials) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `delete from credentials where id = $1`, id)
}

func (s *Credentials) exec(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanCredential(row *sql.Row) (auth.Credential, error) {
	var (
		c         auth.Credential
		namespace string
		status    string
	)
	err := row.Scan(&c.ID, &namespace, &c.Email, &c.PasswordHash, &status, &c.Role, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, err
	}
	c.Namespace = auth.Namespace(namespace)
	c.Status = auth.Status(status)
	return c, nil
}
