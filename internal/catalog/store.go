package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

var ErrUnknownScript = errors.New("unknown script")

// Store persists the catalog in SQLite. It lives outside the scripts root.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

func OpenStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serialises
	// writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog schema version: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SyncResult counts what a Sync changed.
type SyncResult struct {
	Added   int `json:"added"`
	Changed int `json:"changed"`
	Removed int `json:"removed"`
}

func (r SyncResult) Empty() bool {
	return r.Added == 0 && r.Changed == 0 && r.Removed == 0
}

// Sync makes the store mirror entries: present scripts are upserted and rows
// for scripts that are gone are deleted.
func (s *Store) Sync(entries []Entry) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SyncResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	known := make(map[string]string)
	rows, err := tx.Query(`SELECT name, content_hash FROM scripts`)
	if err != nil {
		return result, fmt.Errorf("load catalog: %w", err)
	}
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			rows.Close()
			return result, fmt.Errorf("scan catalog row: %w", err)
		}
		known[name] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	now := time.Now().UTC()
	for _, e := range entries {
		hash, ok := known[e.Name]
		switch {
		case !ok:
			result.Added++
		case hash != e.ContentHash:
			result.Changed++
		}
		delete(known, e.Name)

		_, err := tx.Exec(`
			INSERT INTO scripts (name, size, mod_time, content_hash, seen_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				size = excluded.size,
				mod_time = excluded.mod_time,
				tools_json = CASE WHEN scripts.content_hash = excluded.content_hash THEN scripts.tools_json ELSE NULL END,
				tools_checked_at = CASE WHEN scripts.content_hash = excluded.content_hash THEN scripts.tools_checked_at ELSE NULL END,
				content_hash = excluded.content_hash,
				seen_at = excluded.seen_at
		`, e.Name, e.Size, e.ModTime.UTC(), e.ContentHash, now)
		if err != nil {
			return result, fmt.Errorf("upsert %s: %w", e.Name, err)
		}
	}

	for name := range known {
		if _, err := tx.Exec(`DELETE FROM scripts WHERE name = ?`, name); err != nil {
			return result, fmt.Errorf("delete %s: %w", name, err)
		}
		result.Removed++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit sync: %w", err)
	}
	return result, nil
}

// RecordTools stores the listing a script produced while its content had
// hash. A listing for content that has since changed is dropped.
func (s *Store) RecordTools(name, hash string, tools []protocol.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tools == nil {
		tools = []protocol.Tool{}
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE scripts SET tools_json = ?, tools_checked_at = ?
		WHERE name = ? AND content_hash = ?
	`, string(data), time.Now().UTC(), name, hash)
	if err != nil {
		return fmt.Errorf("record tools for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	return nil
}

// List returns every known script ordered by name.
func (s *Store) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, size, mod_time, content_hash, tools_json, tools_checked_at
		FROM scripts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns the entry for name, or ErrUnknownScript.
func (s *Store) Get(name string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, size, mod_time, content_hash, tools_json, tools_checked_at
		FROM scripts WHERE name = ?
	`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		toolsJSON sql.NullString
		checkedAt sql.NullTime
	)
	if err := row.Scan(&e.Name, &e.Size, &e.ModTime, &e.ContentHash, &toolsJSON, &checkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan script: %w", err)
	}
	if toolsJSON.Valid {
		if err := json.Unmarshal([]byte(toolsJSON.String), &e.Tools); err != nil {
			return nil, fmt.Errorf("decode tools of %s: %w", e.Name, err)
		}
		if e.Tools == nil {
			e.Tools = []protocol.Tool{}
		}
	}
	if checkedAt.Valid {
		e.ToolsCheckedAt = checkedAt.Time
	}
	return &e, nil
}
