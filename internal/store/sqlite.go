// ABOUTME: SQLite implementation of the persistence Medium using modernc.org/sqlite
// ABOUTME: Keeps the serialized account collection in a single-row blob table

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteMedium persists the serialized account collection as one blob row.
// The whole-collection rewrite contract is kept: every write replaces the
// row, never patches it.
type SQLiteMedium struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteMedium opens (or creates) a SQLite database at the given path.
// The schema is automatically created if it doesn't exist. Parent
// directories are created if needed.
func NewSQLiteMedium(path string) (*SQLiteMedium, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	m := &SQLiteMedium{
		db:     db,
		logger: logger,
	}

	if err := m.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite medium initialized", "path", path)
	return m, nil
}

// createSchema creates the blob table if it doesn't exist
func (m *SQLiteMedium) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS account_collection (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ReadAll returns the persisted collection, or ErrAbsent if no collection
// has been written yet.
func (m *SQLiteMedium) ReadAll(ctx context.Context) ([]byte, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx, "SELECT data FROM account_collection WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("querying account collection: %w", err)
	}
	return data, nil
}

// WriteAll replaces the persisted collection.
func (m *SQLiteMedium) WriteAll(ctx context.Context, data []byte) error {
	query := `
		INSERT INTO account_collection (id, data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	_, err := m.db.ExecContext(ctx, query, data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing account collection: %w", err)
	}

	m.logger.Debug("flushed account collection", "bytes", len(data))
	return nil
}

// Close closes the underlying database.
func (m *SQLiteMedium) Close() error {
	return m.db.Close()
}

// Verify SQLiteMedium implements Medium at compile time.
var _ Medium = (*SQLiteMedium)(nil)
