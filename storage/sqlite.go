package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create oauth2 authcodes table",
		sql: `
			CREATE TABLE IF NOT EXISTS oauth2_authcodes (
				authcode TEXT PRIMARY KEY,
				contact_id INTEGER NOT NULL UNIQUE,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)
		`,
	},
}

// SQLiteStore keeps authorization codes in a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite creates or opens the code database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Op: "create database directory", Err: err}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite has a single writer; one connection keeps upserts strictly ordered.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database after migration error", "error", closeErr)
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("Authorization code database ready", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for i, m := range migrations {
		version := i + 1
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		s.logger.Info("Running migration", "version", version, "name", m.name)
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Issue generates a new code for contactID, replacing any code the contact held before.
func (s *SQLiteStore) Issue(ctx context.Context, contactID uint32) (string, error) {
	code := NewCode()
	if err := s.Save(ctx, code, contactID); err != nil {
		return "", err
	}
	s.logger.Info("Authorization code issued", "contact_id", contactID)
	return code, nil
}

// Save stores code for contactID as one upsert on the unique contact column,
// so a concurrent Issue for the same contact can never leave two codes or none.
func (s *SQLiteStore) Save(ctx context.Context, code string, contactID uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth2_authcodes (authcode, contact_id) VALUES (?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			authcode = excluded.authcode,
			created_at = CURRENT_TIMESTAMP
	`, code, contactID)
	if err != nil {
		return &Error{Op: "save", Err: err}
	}
	return nil
}

// Redeem returns the contact owning code. The code stays valid until the
// contact is issued a new one.
func (s *SQLiteStore) Redeem(ctx context.Context, code string) (uint32, error) {
	var contactID uint32
	err := s.db.QueryRowContext(ctx, "SELECT contact_id FROM oauth2_authcodes WHERE authcode = ?", code).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &Error{Op: "redeem", Err: err}
	}
	return contactID, nil
}

// LookupByContact returns the live code for contactID.
func (s *SQLiteStore) LookupByContact(ctx context.Context, contactID uint32) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx, "SELECT authcode FROM oauth2_authcodes WHERE contact_id = ?", contactID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &Error{Op: "lookup", Err: err}
	}
	return code, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
