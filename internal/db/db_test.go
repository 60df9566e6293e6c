package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "SELECT 1", "SELECT 1"},
		{"ordered", "UPDATE jobs SET status = $1 WHERE id = $2", "UPDATE jobs SET status = ?1 WHERE id = ?2"},
		{"reused", "SELECT $1, $1, $10", "SELECT ?1, ?1, ?10"},
		{"quoted dollar", "SELECT '$1' WHERE a = $1", "SELECT '$1' WHERE a = ?1"},
		{"bare dollar", "SELECT '$' || $1", "SELECT '$' || ?1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rebind(tt.in))
		})
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs`).WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	conn := FromPool(mock)
	err = WithTx(context.Background(), conn, func(q Querier) error {
		n, err := q.Exec(context.Background(), `UPDATE jobs SET status = 'running' WHERE id = $1`, int64(7))
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := eris.New("boom")
	err = WithTx(context.Background(), FromPool(mock), func(Querier) error {
		return boom
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, boom))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsNoRows(t *testing.T) {
	assert.True(t, IsNoRows(pgx.ErrNoRows))
	assert.True(t, IsNoRows(sql.ErrNoRows))
	assert.True(t, IsNoRows(eris.Wrap(sql.ErrNoRows, "get")))
	assert.False(t, IsNoRows(eris.New("other")))
	assert.False(t, IsNoRows(nil))
}

func TestSQLConn_RoundTrip(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	conn := FromSQL(sqlDB)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	assert.Equal(t, SQLite, conn.Dialect())

	_, err = conn.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	err = WithTx(ctx, conn, func(q Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "a", "1")
		return err
	})
	require.NoError(t, err)

	var v string
	require.NoError(t, conn.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, "a").Scan(&v))
	assert.Equal(t, "1", v)

	err = conn.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, "missing").Scan(&v)
	assert.True(t, IsNoRows(err))

	rows, err := conn.Query(ctx, `SELECT k FROM kv`)
	require.NoError(t, err)
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		require.NoError(t, rows.Scan(&k))
		keys = append(keys, k)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a"}, keys)
}
