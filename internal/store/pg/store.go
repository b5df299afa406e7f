// Package pg implements the credential, passcode and audit stores on Postgres
// through the pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation = "23505"
)

var errNoDB = errors.New("database connection unavailable")

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Credentials() *Credentials { return &Credentials{db: s.db} }

func (s *Store) OTPCodes() *OTPCodes { return &OTPCodes{db: s.db} }

func (s *Store) AuditLog() *AuditLog { return &AuditLog{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}
