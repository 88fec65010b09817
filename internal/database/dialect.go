package database

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// DialectFor maps a configured driver name to a Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string { return string(d) }

// SupportsReturning reports whether INSERT ... RETURNING id is available.
func (d Dialect) SupportsReturning() bool { return d == DialectPostgres }

// InsertIgnore builds an insert that silently skips rows violating a unique
// constraint. Placeholders are '?' and must be rebound by the caller.
func (d Dialect) InsertIgnore(table string, columns ...string) string {
	cols := strings.Join(columns, ", ")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	switch d {
	case DialectMySQL:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	case DialectSQLite:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	default:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, cols, marks)
	}
}
