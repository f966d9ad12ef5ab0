package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"troupe/internal/domain"
)

// timeLayout is fixed-width so updated_at compares lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteTokenStore implements domain.TokenStore using SQLite.
type SQLiteTokenStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteTokenStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteTokenStore(dbPath string) (*SQLiteTokenStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create token db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	// WAL mode for concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token db: %w", err)
	}
	return &SQLiteTokenStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS continuation_tokens (
			session_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			token      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		);
		CREATE INDEX IF NOT EXISTS idx_continuation_tokens_updated
			ON continuation_tokens (updated_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteTokenStore) Close() error {
	return s.db.Close()
}

// Get implements domain.TokenStore.
func (s *SQLiteTokenStore) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		"SELECT token FROM continuation_tokens WHERE session_id = ? AND key = ?", sessionID, key,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s/%s: %v", domain.ErrTokenStore, sessionID, key, err)
	}
	return token, true, nil
}

// Put implements domain.TokenStore. An empty token removes the entry.
func (s *SQLiteTokenStore) Put(ctx context.Context, sessionID, key, token string) error {
	if token == "" {
		return s.Delete(ctx, sessionID, key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continuation_tokens (session_id, key, token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, key) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at`,
		sessionID, key, token, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", domain.ErrTokenStore, sessionID, key, err)
	}
	return nil
}

// Delete implements domain.TokenStore.
func (s *SQLiteTokenStore) Delete(ctx context.Context, sessionID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM continuation_tokens WHERE session_id = ? AND key = ?", sessionID, key,
	); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", domain.ErrTokenStore, sessionID, key, err)
	}
	return nil
}

// DeleteSession implements domain.TokenStore.
func (s *SQLiteTokenStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM continuation_tokens WHERE session_id = ?", sessionID,
	); err != nil {
		return fmt.Errorf("%w: delete session %s: %v", domain.ErrTokenStore, sessionID, err)
	}
	return nil
}

// PruneBefore removes every token last written before cutoff.
func (s *SQLiteTokenStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM continuation_tokens WHERE updated_at < ?", cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", domain.ErrTokenStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ domain.TokenStore = (*SQLiteTokenStore)(nil)
