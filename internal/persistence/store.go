// Package persistence keeps execution results and session history in SQLite
// so they survive bridge restarts.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/studio-bridge/internal/presence"
	"github.com/workspace/studio-bridge/internal/sidechannel"
)

// DefaultListLimit caps history queries.
const DefaultListLimit = 50

// SessionRecord is one persisted session push.
type SessionRecord struct {
	ID          int64  `json:"id"`
	SessionKey  string `json:"sessionKey"`
	PlaceID     string `json:"placeId"`
	GameID      string `json:"gameId"`
	PlaceName   string `json:"placeName"`
	IsPublished bool   `json:"isPublished"`
	SeenAt      string `json:"seenAt"` // ISO 8601
}

// ExecRecord is one persisted execution result.
type ExecRecord struct {
	ID         int64  `json:"id"`
	RunID      string `json:"runId"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	ReceivedAt string `json:"receivedAt"` // ISO 8601
}

// Store provides persistent history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the exec_results table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exec_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exec_results_run ON exec_results(run_id);
	`)
	return err
}

// migrateV2 creates the sessions table for plugin context history.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			place_id TEXT NOT NULL DEFAULT '',
			game_id TEXT NOT NULL DEFAULT '',
			place_name TEXT NOT NULL DEFAULT '',
			is_published INTEGER NOT NULL DEFAULT 0,
			seen_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key);
	`)
	return err
}

// SaveExecResult persists one execution result.
func (s *Store) SaveExecResult(ctx context.Context, res sidechannel.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	received := res.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exec_results (run_id, success, result, error, code, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		res.RunID, boolToInt(res.Success), res.Result, res.Error, res.Code,
		received.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert exec result: %w", err)
	}
	return nil
}

// ListExecResults returns the most recent execution results, newest first.
func (s *Store) ListExecResults(ctx context.Context, limit int) ([]ExecRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, success, result, error, code, received_at
		FROM exec_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list exec results: %w", err)
	}
	defer rows.Close()

	records := []ExecRecord{}
	for rows.Next() {
		var r ExecRecord
		var success int
		if err := rows.Scan(&r.ID, &r.RunID, &success, &r.Result, &r.Error, &r.Code, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan exec result: %w", err)
		}
		r.Success = success != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordSession persists a session push. Consecutive pushes with the same
// key only refresh the last row's timestamp and fields.
func (s *Store) RecordSession(ctx context.Context, sess presence.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := sess.UpdatedAt
	if seen.IsZero() {
		seen = time.Now()
	}
	seenAt := seen.UTC().Format(time.RFC3339Nano)

	var lastID int64
	var lastKey string
	err := s.db.QueryRowContext(ctx, `SELECT id, session_key FROM sessions ORDER BY id DESC LIMIT 1`).Scan(&lastID, &lastKey)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read last session: %w", err)
	}

	if err == nil && lastKey == sess.SessionKey {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET place_id = ?, game_id = ?, place_name = ?, is_published = ?, seen_at = ? WHERE id = ?`,
			string(sess.PlaceID), string(sess.GameID), sess.PlaceName, boolToInt(sess.IsPublished), seenAt, lastID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, place_id, game_id, place_name, is_published, seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.SessionKey, string(sess.PlaceID), string(sess.GameID), sess.PlaceName, boolToInt(sess.IsPublished), seenAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ListSessions returns the most recent distinct sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, place_id, game_id, place_name, is_published, seen_at
		FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		var published int
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.PlaceID, &r.GameID, &r.PlaceName, &published, &r.SeenAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.IsPublished = published != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
