package db

import (
	"context"
	"database/sql"
)

type txQuerier struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *txQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *txQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *txQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// WithTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn panics, the transaction is rolled back and the panic is re-raised.
// If fn succeeds, the transaction is committed.
//
// fn must only use the Querier it is given: on SQLite the pool holds a single
// connection and a query through the outer handle would block forever.
func (d *DB) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txQuerier{tx: tx, dialect: d.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
