package db

import (
	"context"
	"database/sql"
	"strings"
)

// sqlConn adapts a database/sql handle opened on SQLite.
type sqlConn struct {
	db *sql.DB
}

// FromSQL wraps a database/sql handle as a SQLite Conn.
func FromSQL(db *sql.DB) Conn {
	return &sqlConn{db: db}
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, c.db, query, args)
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, c.db, query, args)
}

func (c *sqlConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.db.QueryRowContext(ctx, Rebind(query), args...)
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (c *sqlConn) Dialect() Dialect { return SQLite }

func (c *sqlConn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqlConn) Close() error { return c.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, t.tx, query, args)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, t.tx, query, args)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, Rebind(query), args...)
}

func (t *sqlTx) Commit(_ context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(_ context.Context) error { return t.tx.Rollback() }

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execSQL(ctx context.Context, r sqlRunner, query string, args []any) (int64, error) {
	res, err := r.ExecContext(ctx, Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func querySQL(ctx context.Context, r sqlRunner, query string, args []any) (Rows, error) {
	rows, err := r.QueryContext(ctx, Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

// Rebind rewrites $N placeholders to SQLite's ?N form. Text inside single
// quotes is left alone.
func Rebind(query string) string {
	if !strings.Contains(query, "$") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '$' && !inQuote && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9':
			b.WriteByte('?')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
