package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// DB wraps a pgx pool and carries transactions through context, so one
// logical unit of work can span repositories without changing their
// interfaces.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a pgx connection pool wrapper.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool exposes the underlying pool.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// q returns the transaction bound to ctx, or the pool.
func (d *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return d.pool
}

// InTx runs fn inside a database transaction. The transaction rides the
// context: repository calls made with the derived context join it. Nested
// calls reuse the outer transaction.
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// mapWriteErr converts low-level write errors into domain sentinels. A
// unique violation means a concurrent writer won the race.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", instrument.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func addWhere(query string) string {
	if containsWhere(query) {
		return " AND"
	}
	return " WHERE"
}

func containsWhere(query string) bool {
	for i := 0; i+5 <= len(query); i++ {
		if query[i:i+5] == "WHERE" {
			return true
		}
	}
	return false
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
