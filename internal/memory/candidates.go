package memory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

// FTSBackend is the fts_v2 candidate: a canonical docs table plus a
// search index table kept in sync on every write.
type FTSBackend struct {
	store *store.Store
}

// NewFTSBackend returns the fts_v2 backend over the given store.
func NewFTSBackend(s *store.Store) *FTSBackend {
	return &FTSBackend{store: s}
}

// DesignVersion implements Backend.
func (b *FTSBackend) DesignVersion() DesignVersion {
	return DesignVersion{DesignID: "fts_v2", SchemaVersion: 2}
}

func (b *FTSBackend) ensureTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS working_memory_fts_docs (
			key        TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS working_memory_fts_index (
			key     TEXT NOT NULL,
			content TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wm_fts_index_key
			ON working_memory_fts_index(key);
	`)
	return err
}

// Set implements Backend.
func (b *FTSBackend) Set(key, content string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		_, err := db.Exec(`
			INSERT OR REPLACE INTO working_memory_fts_docs (key, content, updated_at)
			VALUES (?, ?, ?)
		`, key, content, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("fts set: %w", err)
		}
		// Keep the index in sync with the canonical doc.
		if _, err := db.Exec(`DELETE FROM working_memory_fts_index WHERE key = ?`, key); err != nil {
			return err
		}
		_, err = db.Exec(`INSERT INTO working_memory_fts_index (key, content) VALUES (?, ?)`, key, content)
		return err
	})
}

// Get implements Backend.
func (b *FTSBackend) Get(key string) (*Entry, error) {
	var entry *Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		var e Entry
		var updatedAt string
		err := db.QueryRow(`
			SELECT key, content, updated_at FROM working_memory_fts_docs WHERE key = ?
		`, key).Scan(&e.Key, &e.Content, &updatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fts get: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		entry = &e
		return nil
	})
	return entry, err
}

// List implements Backend.
func (b *FTSBackend) List() ([]Entry, error) {
	var out []Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		rows, err := db.Query(`
			SELECT key, content, updated_at FROM working_memory_fts_docs ORDER BY updated_at DESC
		`)
		if err != nil {
			return fmt.Errorf("fts list: %w", err)
		}
		defer rows.Close()
		out, err = scanEntries(rows)
		return err
	})
	return out, err
}

// Delete implements Backend.
func (b *FTSBackend) Delete(key string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		if _, err := db.Exec(`DELETE FROM working_memory_fts_docs WHERE key = ?`, key); err != nil {
			return fmt.Errorf("fts delete: %w", err)
		}
		_, err := db.Exec(`DELETE FROM working_memory_fts_index WHERE key = ?`, key)
		return err
	})
}

// Search implements Backend by ranking the canonical docs with the shared
// term-hit ranking; the index table is not queried.
func (b *FTSBackend) Search(query string, limit int) ([]Entry, error) {
	entries, err := b.List()
	if err != nil {
		return nil, err
	}
	return rankEntries(entries, query, limit), nil
}

// EpisodicBackend is the episodic_v3 candidate: append-only episodes with
// an active pointer per key. History is never destroyed; Set appends a new
// episode and moves the pointer, Delete clears the pointer only.
type EpisodicBackend struct {
	store *store.Store
}

// NewEpisodicBackend returns the episodic_v3 backend over the given store.
func NewEpisodicBackend(s *store.Store) *EpisodicBackend {
	return &EpisodicBackend{store: s}
}

// DesignVersion implements Backend.
func (b *EpisodicBackend) DesignVersion() DesignVersion {
	return DesignVersion{DesignID: "episodic_v3", SchemaVersion: 3}
}

func (b *EpisodicBackend) ensureTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS working_memory_episodes (
			id         TEXT PRIMARY KEY,
			key        TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wm_episodes_key
			ON working_memory_episodes(key, created_at);
		CREATE TABLE IF NOT EXISTS working_memory_active_pointers (
			key        TEXT PRIMARY KEY,
			episode_id TEXT NOT NULL
		);
	`)
	return err
}

// Set implements Backend by appending an episode and updating the pointer.
func (b *EpisodicBackend) Set(key, content string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		id := uuid.NewString()
		_, err := db.Exec(`
			INSERT INTO working_memory_episodes (id, key, content, created_at)
			VALUES (?, ?, ?, ?)
		`, id, key, content, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("episodic append: %w", err)
		}
		_, err = db.Exec(`
			INSERT INTO working_memory_active_pointers (key, episode_id) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET episode_id = excluded.episode_id
		`, key, id)
		return err
	})
}

// Get implements Backend via the active pointer.
func (b *EpisodicBackend) Get(key string) (*Entry, error) {
	var entry *Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		var e Entry
		var createdAt string
		err := db.QueryRow(`
			SELECT ep.key, ep.content, ep.created_at
			FROM working_memory_active_pointers ap
			JOIN working_memory_episodes ep ON ep.id = ap.episode_id
			WHERE ap.key = ?
		`, key).Scan(&e.Key, &e.Content, &createdAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("episodic get: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entry = &e
		return nil
	})
	return entry, err
}

// List implements Backend: active episodes only, newest first.
func (b *EpisodicBackend) List() ([]Entry, error) {
	var out []Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		rows, err := db.Query(`
			SELECT ep.key, ep.content, ep.created_at
			FROM working_memory_active_pointers ap
			JOIN working_memory_episodes ep ON ep.id = ap.episode_id
			ORDER BY ep.created_at DESC
		`)
		if err != nil {
			return fmt.Errorf("episodic list: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			var createdAt string
			if err := rows.Scan(&e.Key, &e.Content, &createdAt); err != nil {
				return err
			}
			e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Delete implements Backend by clearing the pointer; episodes remain.
func (b *EpisodicBackend) Delete(key string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		if err := b.ensureTables(db); err != nil {
			return err
		}
		_, err := db.Exec(`DELETE FROM working_memory_active_pointers WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("episodic delete: %w", err)
		}
		return nil
	})
}

// Search implements Backend over active episodes.
func (b *EpisodicBackend) Search(query string, limit int) ([]Entry, error) {
	entries, err := b.List()
	if err != nil {
		return nil, err
	}
	return rankEntries(entries, query, limit), nil
}
