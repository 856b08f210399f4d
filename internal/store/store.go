// Package store persists switch state and the registry of switches created
// for each device entry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Entity is a registered switch.
type Entity struct {
	UniqueID string
	EntryID  string
	Name     string
	CharUUID string
}

// Store manages the state database.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS switch_state (
	unique_id  TEXT PRIMARY KEY,
	is_on      INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	unique_id TEXT PRIMARY KEY,
	entry_id  TEXT NOT NULL,
	name      TEXT NOT NULL,
	char_uuid TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_entry ON entities(entry_id);
`

// Open creates or opens the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// LastState returns the persisted state of a switch.
func (s *Store) LastState(ctx context.Context, uniqueID string) (bool, bool, error) {
	var on bool
	err := s.db.QueryRowContext(ctx, `SELECT is_on FROM switch_state WHERE unique_id = ?`, uniqueID).Scan(&on)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to load state of %s: %w", uniqueID, err)
	}
	return on, true, nil
}

// SaveState records the state of a switch.
func (s *Store) SaveState(ctx context.Context, uniqueID string, on bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switch_state (unique_id, is_on, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET is_on = excluded.is_on, updated_at = excluded.updated_at`,
		uniqueID, on, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save state of %s: %w", uniqueID, err)
	}
	return nil
}

// RegisterEntities upserts the switches of an entry.
func (s *Store) RegisterEntities(ctx context.Context, entryID string, entities []Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, e := range entities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (unique_id, entry_id, name, char_uuid) VALUES (?, ?, ?, ?)
			ON CONFLICT(unique_id) DO UPDATE SET entry_id = excluded.entry_id, name = excluded.name, char_uuid = excluded.char_uuid`,
			e.UniqueID, entryID, e.Name, e.CharUUID)
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", e.UniqueID, err)
		}
	}
	return tx.Commit()
}

// Entities lists the switches registered for an entry, ordered by unique id.
func (s *Store) Entities(ctx context.Context, entryID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unique_id, entry_id, name, char_uuid FROM entities WHERE entry_id = ? ORDER BY unique_id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.UniqueID, &e.EntryID, &e.Name, &e.CharUUID); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveOrphans deletes the entities of entryID whose unique id is not in
// keep, together with their saved state.
func (s *Store) RemoveOrphans(ctx context.Context, entryID string, keep map[string]struct{}) (int, error) {
	entities, err := s.Entities(ctx, entryID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	removed := 0
	for _, e := range entities {
		if _, ok := keep[e.UniqueID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE unique_id = ?`, e.UniqueID); err != nil {
			return 0, fmt.Errorf("failed to remove %s: %w", e.UniqueID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM switch_state WHERE unique_id = ?`, e.UniqueID); err != nil {
			return 0, fmt.Errorf("failed to remove state of %s: %w", e.UniqueID, err)
		}
		s.logger.WithFields(logrus.Fields{
			"entry":     entryID,
			"unique_id": e.UniqueID,
			"name":      e.Name,
		}).Info("Removing orphaned entity")
		removed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("Removed orphaned entities")
	}
	return removed, nil
}
