package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config describes how to reach the database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects, applies pool settings and pings the database.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, Dialect, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn, err := normalizeDSN(dialect, cfg.DSN)
	if err != nil {
		return nil, "", err
	}
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if dialect == DialectSQLite {
		// one writer at a time; sqlite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, dialect, nil
}

func normalizeDSN(dialect Dialect, dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("database dsn is empty")
	}
	if dialect != DialectMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	// UPDATE row counts report matched rows so not-found checks stay accurate
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
