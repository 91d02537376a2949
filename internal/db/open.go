package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor of a store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config selects and configures the backing database.
type Config struct {
	// DatabaseURL is a Postgres DSN. When empty SQLitePath is used.
	DatabaseURL string
	// SQLitePath is a file path, or ":memory:" for a private in-memory database.
	SQLitePath string
	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("sql.Open: %w", err)
		}
		return finishOpen(ctx, db, DialectPostgres, cfg.SkipMigrations)
	case cfg.SQLitePath != "":
		db, err := openSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return finishOpen(ctx, db, DialectSQLite, cfg.SkipMigrations)
	default:
		return nil, "", errors.New("db: DATABASE_URL or SQLITE_PATH is required")
	}
}

// SQLiteDSN builds a modernc.org/sqlite DSN with per-connection pragmas.
func SQLiteDSN(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		if strings.HasPrefix(path, "file:") {
			return path + "&" + pragmas
		}
		return "file::memory:?" + pragmas
	}
	return fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, pragmas)
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func finishOpen(ctx context.Context, db *sql.DB, dialect Dialect, skipMigrations bool) (*sql.DB, Dialect, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("db ping: %w", err)
	}
	if skipMigrations {
		return db, dialect, nil
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return db, dialect, nil
}
