// Package postgres implements store.Store on PostgreSQL via database/sql
// and github.com/lib/pq, with jmoiron/sqlx used for the audit log read
// query.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/theboyknowsclass/secure-package-manager/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db  *sql.DB
	sqx *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// New wraps an already-opened, already-pinged *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db, sqx: sqlx.NewDb(db, "postgres")}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func mapErr(err error) error {
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	return err
}

// exec wraps ExecContext to surface connection errors uniformly.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}
