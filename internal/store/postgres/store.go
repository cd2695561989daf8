// Package postgres implements ceremony.Store on Postgres. Transactions run
// at READ COMMITTED; every contended decision is taken under a row lock
// (SELECT ... FOR UPDATE) or a conditional UPDATE, so a waiting transaction
// re-reads the row once the holder commits.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"ceremony/internal/ceremony"
	"ceremony/internal/store"
)

// Migrations holds the schema, applied with store.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsRoot is the directory of Migrations holding the .sql files.
const MigrationsRoot = "migrations"

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	return store.Migrate(ctx, db, Migrations, MigrationsRoot)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres ceremony.Store.
type Store struct {
	queries
	db *sql.DB
}

var _ ceremony.Store = (*Store)(nil)

// New wraps an open pool.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// InTx runs fn in a READ COMMITTED transaction, rolled back when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx ceremony.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{queries: queries{q: sqlTx}}); err != nil {
		if rerr := sqlTx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// classify maps constraint violations onto domain codes.
func classify(err error, what string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", what, err)
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return &ceremony.Error{Code: ceremony.CodeAlreadyRegistered, Message: what + ": already exists", Cause: err}
	case pgForeignKeyViolation:
		return &ceremony.Error{Code: ceremony.CodeNotFound, Message: what + ": referenced row not found", Cause: err}
	case pgCheckViolation:
		return &ceremony.Error{Code: ceremony.CodeInvariantViolation, Message: what + ": " + pgErr.ConstraintName, Cause: err}
	}
	return fmt.Errorf("%s: %w", what, err)
}
