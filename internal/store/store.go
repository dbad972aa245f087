// Package store is the data-access layer backing verification and
// management. SQLite (embedded) is the default; PostgreSQL and MySQL are
// selectable by DSN for deployments that already run one.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store persists workspaces, keyrings, keys, RBAC entities, ratelimit
// namespaces/overrides, audit records, and settings.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database named by dsn.
//
//	postgres://...        PostgreSQL via pgx
//	mysql://user:pw@...   MySQL (the scheme is stripped for the driver)
//	anything else         SQLite file path; empty means in-memory
func Open(dsn string) (*Store, error) {
	driver, dataSource, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(driver, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// OpenDir opens an embedded SQLite store under dataDir, creating the
// directory if needed. Pass empty string for in-memory (tests).
func OpenDir(dataDir string) (*Store, error) {
	if dataDir == "" {
		return Open("")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return Open(filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000")
}

func resolveDriver(dsn string) (driver, dataSource string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	case dsn == "":
		return "sqlite", ":memory:?_journal_mode=WAL", nil
	default:
		return "sqlite", dsn, nil
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver names the active database driver ("sqlite", "pgx", "mysql").
func (s *Store) Driver() string {
	return s.driver
}

// rebind converts '?' placeholders to the connected driver's style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func now() time.Time {
	return time.Now().UTC()
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value for a settings key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.rebind("SELECT value FROM settings WHERE key = ?"), key)
	if err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE settings SET value = ? WHERE key = ?"), value, key)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO settings (key, value) VALUES (?, ?)"), key, value); err != nil {
		return fmt.Errorf("insert setting: %w", err)
	}
	return nil
}
