// Package memory provides the agent's durable key/value memory behind a
// hot-swappable backend interface, plus the offline replay evaluation
// used to decide backend promotions.
package memory

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/store"
)

// SessionHandoffKey is the fixed working-memory key for session handoff
// notes. Writes overwrite; they never append.
const SessionHandoffKey = "session_handoff"

// ActiveBackendStateKey selects the live backend in agent_state as
// "design_id:schema_version".
const ActiveBackendStateKey = "memory_backend_design"

// Entry is one working-memory record.
type Entry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DesignVersion identifies a backend implementation and its schema shape.
type DesignVersion struct {
	DesignID      string `json:"design_id"`
	SchemaVersion int    `json:"schema_version"`
}

func (v DesignVersion) String() string {
	return fmt.Sprintf("%s:%d", v.DesignID, v.SchemaVersion)
}

// Backend is the capability interface every memory design implements.
// Implementations share the store's single SQLite connection.
type Backend interface {
	Set(key, content string) error
	Get(key string) (*Entry, error)
	List() ([]Entry, error)
	Delete(key string) error
	Search(query string, limit int) ([]Entry, error)
	DesignVersion() DesignVersion
}

// KVBackend is the default backend: a single working_memory table.
type KVBackend struct {
	store *store.Store
}

// NewKVBackend returns the kv_v1 backend over the given store.
func NewKVBackend(s *store.Store) *KVBackend {
	return &KVBackend{store: s}
}

// DesignVersion implements Backend.
func (b *KVBackend) DesignVersion() DesignVersion {
	return DesignVersion{DesignID: "kv_v1", SchemaVersion: 1}
}

// Set implements Backend.
func (b *KVBackend) Set(key, content string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO working_memory (key, content, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at
		`, key, content, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("set working memory: %w", err)
		}
		return nil
	})
}

// Get implements Backend. Missing keys return (nil, nil).
func (b *KVBackend) Get(key string) (*Entry, error) {
	var entry *Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		var e Entry
		var updatedAt string
		err := db.QueryRow(`
			SELECT key, content, updated_at FROM working_memory WHERE key = ?
		`, key).Scan(&e.Key, &e.Content, &updatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get working memory: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		entry = &e
		return nil
	})
	return entry, err
}

// List implements Backend, newest first.
func (b *KVBackend) List() ([]Entry, error) {
	var out []Entry
	err := b.store.WithConn(func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT key, content, updated_at FROM working_memory ORDER BY updated_at DESC
		`)
		if err != nil {
			return fmt.Errorf("list working memory: %w", err)
		}
		defer rows.Close()
		out, err = scanEntries(rows)
		return err
	})
	return out, err
}

// Delete implements Backend.
func (b *KVBackend) Delete(key string) error {
	return b.store.WithConn(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM working_memory WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete working memory: %w", err)
		}
		return nil
	})
}

// Search implements Backend with case-insensitive substring matching over
// keys and content, ranked by term hit count then recency.
func (b *KVBackend) Search(query string, limit int) ([]Entry, error) {
	entries, err := b.List()
	if err != nil {
		return nil, err
	}
	return rankEntries(entries, query, limit), nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Content, &updatedAt); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// rankEntries scores entries by how many query terms appear in the key or
// content. Shared by backends whose storage has no native ranking.
func rankEntries(entries []Entry, query string, limit int) []Entry {
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		entry Entry
		hits  int
	}
	var matches []scored
	for _, e := range entries {
		haystack := strings.ToLower(e.Key + "\n" + e.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{entry: e, hits: hits})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return matches[i].entry.UpdatedAt.After(matches[j].entry.UpdatedAt)
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Entry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// ActiveBackend returns the backend selected in agent_state, defaulting
// to kv_v1 when unset or unknown.
func ActiveBackend(s *store.Store) Backend {
	raw, err := s.GetState(ActiveBackendStateKey)
	if err != nil {
		return NewKVBackend(s)
	}
	switch strings.SplitN(raw, ":", 2)[0] {
	case "fts_v2":
		return NewFTSBackend(s)
	case "episodic_v3":
		return NewEpisodicBackend(s)
	default:
		return NewKVBackend(s)
	}
}

// SetActiveBackend records the selected design in agent_state.
func SetActiveBackend(s *store.Store, v DesignVersion) error {
	return s.SetState(ActiveBackendStateKey, v.String())
}

// WriteSessionHandoff overwrites the session handoff note. Fixed key,
// never append.
func WriteSessionHandoff(b Backend, content string) error {
	return b.Set(SessionHandoffKey, content)
}

// SessionHandoffNote returns the current handoff note, or "".
func SessionHandoffNote(b Backend) string {
	entry, err := b.Get(SessionHandoffKey)
	if err != nil || entry == nil {
		return ""
	}
	return entry.Content
}
