package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBuilder(t *testing.T, driver string, dialect Dialect) (*QueryBuilder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("error closing db: %v", err)
		}
	})
	return NewQueryBuilder(sqlx.NewDb(db, driver), dialect), mock
}

func TestSelectBuilder_SimpleQuery(t *testing.T) {
	qb, _ := newMockBuilder(t, "mysql", DialectMySQL)

	query, args, err := qb.NewSelect("id", "subject").
		From("email_threads").
		Where("organization_id = ?", 7).
		OrderBy("created_at DESC", "id DESC").
		Limit(10).
		Offset(5).
		ToSQL()

	require.NoError(t, err)
	assert.Equal(t, "SELECT id, subject FROM email_threads WHERE organization_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", query)
	assert.Equal(t, []interface{}{7, 10, 5}, args)
}

func TestSelectBuilder_PostgresPlaceholders(t *testing.T) {
	qb, _ := newMockBuilder(t, "postgres", DialectPostgres)

	query, args, err := qb.NewSelect("t.id", "c.email AS customer_email").
		From("tickets t").
		LeftJoin("customers c ON c.id = t.customer_id").
		Where("t.organization_id = ?", 1).
		Where("t.ticket_id = ?", "AB3F9K2Q").
		ToSQL()

	require.NoError(t, err)
	assert.Contains(t, query, "LEFT JOIN customers c ON c.id = t.customer_id")
	assert.Contains(t, query, "t.organization_id = $1 AND t.ticket_id = $2")
	assert.Len(t, args, 2)
}

func TestSelectBuilder_RequiresTable(t *testing.T) {
	qb, _ := newMockBuilder(t, "mysql", DialectMySQL)
	_, _, err := qb.NewSelect("id").ToSQL()
	assert.Error(t, err)
}

func TestSelectBuilder_SelectContext(t *testing.T) {
	qb, mock := newMockBuilder(t, "mysql", DialectMySQL)
	mock.ExpectQuery("SELECT id, name FROM organizations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "Acme").AddRow(2, "Globex"))

	var rows []struct {
		ID   int64  `db:"id"`
		Name string `db:"name"`
	}
	require.NoError(t, qb.NewSelect("id", "name").From("organizations").SelectContext(context.Background(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Globex", rows[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectInsertIgnore(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{DialectPostgres, "INSERT INTO message_index (organization_id, message_id) VALUES (?, ?) ON CONFLICT DO NOTHING"},
		{DialectMySQL, "INSERT IGNORE INTO message_index (organization_id, message_id) VALUES (?, ?)"},
		{DialectSQLite, "INSERT OR IGNORE INTO message_index (organization_id, message_id) VALUES (?, ?)"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.InsertIgnore("message_index", "organization_id", "message_id"))
		})
	}
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	assert.True(t, d.SupportsReturning())

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.DriverName())
	assert.False(t, d.SupportsReturning())

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})))
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestIsConnectionError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "dial refused", err: fmt.Errorf("append entry: %w", refused), want: true},
		{name: "bare errno", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "bad conn", err: driver.ErrBadConn, want: true},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "mysql invalid conn", err: mysql.ErrInvalidConn, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "statement error", err: errors.New("syntax error at or near"), want: false},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "no rows", err: sql.ErrNoRows, want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}

	t.Run("closed pool", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		mock.ExpectClose()
		require.NoError(t, db.Close())
		_, err = db.Exec("SELECT 1")
		require.Error(t, err)
		assert.True(t, IsConnectionError(err))
	})
}

func TestSchemaStatements(t *testing.T) {
	for _, d := range []Dialect{DialectPostgres, DialectMySQL, DialectSQLite} {
		stmts, err := Schema(d)
		require.NoError(t, err, d)
		assert.NotEmpty(t, stmts)
		joined := fmt.Sprint(stmts)
		assert.Contains(t, joined, "conversation_entries", d)
		assert.Contains(t, joined, "UNIQUE (log_kind, log_id, message_id)", d)
		assert.Contains(t, joined, "PRIMARY KEY (organization_id, message_id)", d)
		for _, stmt := range stmts {
			assert.NotContains(t, stmt, "--", d)
		}
	}
}

func TestMigrateExecutesSchema(t *testing.T) {
	qb, mock := newMockBuilder(t, "sqlite3", DialectSQLite)
	stmts, err := Schema(DialectSQLite)
	require.NoError(t, err)
	for range stmts {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	n, err := Migrate(context.Background(), qb.DB(), DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, len(stmts), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnError(t *testing.T) {
	qb, mock := newMockBuilder(t, "postgres", DialectPostgres)
	mock.ExpectExec(".*").WillReturnError(errors.New("permission denied"))
	n, err := Migrate(context.Background(), qb.DB(), DialectPostgres)
	require.Error(t, err)
	assert.Equal(t, 0, n)
}
