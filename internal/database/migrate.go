package database

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the DDL statements for the dialect.
func Schema(dialect Dialect) ([]string, error) {
	name := "schema/" + string(dialect) + ".sql"
	if dialect == DialectSQLite {
		name = "schema/sqlite.sql"
	}
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", dialect, err)
	}
	var stmts []string
	for _, part := range strings.Split(string(raw), ";") {
		if stmt := strings.TrimSpace(stripComments(part)); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// Migrate applies the idempotent schema and returns the number of statements run.
func Migrate(ctx context.Context, db *sqlx.DB, dialect Dialect) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}
	stmts, err := Schema(dialect)
	if err != nil {
		return 0, err
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, fmt.Errorf("migration statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}

func stripComments(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
