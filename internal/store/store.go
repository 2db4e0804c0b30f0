// Package store provides SQLite persistence for the agent runtime:
// conversations, messages, turns, tool-call lineage, OODA packets,
// orientation snapshots, journal entries, concerns, working memory,
// memory-evolution records, and persona history.
//
// A single connection is shared behind a mutex. Holders must not perform
// any other blocking wait while the lock is held; every public method
// acquires and releases it around one statement batch.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the database at path, enables WAL mode,
// and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single shared connection keeps WAL writers serialized and makes
	// the mutex the only ordering mechanism.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// lock acquires the connection mutex and returns the unlock function,
// so call sites read as `defer s.lock()()`.
func (s *Store) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

// WithConn runs fn with the underlying handle, for memory backends that
// share the connection. The store mutex is held while fn runs, so their
// access stays serialized with every other store method.
func (s *Store) WithConn(fn func(db *sql.DB) error) error {
	defer s.lock()()
	return fn(s.db)
}

// migrate creates all tables and applies additive column upgrades.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		label      TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_conversations (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL DEFAULT '',
		runtime_state  TEXT NOT NULL DEFAULT 'idle',
		active_turn_id TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		processed       INTEGER NOT NULL DEFAULT 0,
		turn_id         TEXT,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
		ON chat_messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_unprocessed
		ON chat_messages(processed, role);

	CREATE TABLE IF NOT EXISTS chat_turns (
		id                 TEXT PRIMARY KEY,
		conversation_id    TEXT NOT NULL,
		iteration          INTEGER NOT NULL,
		phase              TEXT NOT NULL,
		decision           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT '',
		prompt_text        TEXT NOT NULL DEFAULT '',
		system_prompt_text TEXT NOT NULL DEFAULT '',
		error              TEXT,
		created_at         TEXT NOT NULL,
		completed_at       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_conversation
		ON chat_turns(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_turn_tool_calls (
		id             TEXT PRIMARY KEY,
		turn_id        TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		tool_name      TEXT NOT NULL,
		input_json     TEXT NOT NULL,
		output_preview TEXT NOT NULL,
		approved       INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_tool_calls_turn
		ON chat_turn_tool_calls(turn_id, seq);

	CREATE TABLE IF NOT EXISTS chat_conversation_summaries (
		conversation_id          TEXT PRIMARY KEY,
		summary_text             TEXT NOT NULL,
		summarized_message_count INTEGER NOT NULL,
		updated_at               TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ooda_turn_packets (
		id         TEXT PRIMARY KEY,
		turn_id    TEXT NOT NULL,
		observe    TEXT NOT NULL DEFAULT '',
		orient     TEXT NOT NULL DEFAULT '',
		decide     TEXT NOT NULL DEFAULT '',
		act        TEXT NOT NULL DEFAULT '',
		compacted  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ooda_turn ON ooda_turn_packets(turn_id);

	CREATE TABLE IF NOT EXISTS orientation_snapshots (
		id           TEXT PRIMARY KEY,
		captured_at  TEXT NOT NULL,
		disposition  TEXT NOT NULL,
		user_state   TEXT NOT NULL DEFAULT '{}',
		salience_map TEXT NOT NULL DEFAULT '[]',
		anomalies    TEXT NOT NULL DEFAULT '[]',
		mood_valence REAL,
		mood_arousal REAL,
		narrative    TEXT NOT NULL DEFAULT '',
		signature    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS journal_entries (
		id                  TEXT PRIMARY KEY,
		entry_type          TEXT NOT NULL,
		content             TEXT NOT NULL,
		related_concern_ids TEXT NOT NULL DEFAULT '[]',
		mood_valence        REAL,
		mood_arousal        REAL,
		context             TEXT NOT NULL DEFAULT '{}',
		created_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS concerns (
		id                  TEXT PRIMARY KEY,
		concern_type        TEXT NOT NULL,
		salience            TEXT NOT NULL,
		summary             TEXT NOT NULL,
		private_note        TEXT NOT NULL DEFAULT '',
		linked_memory_keys  TEXT NOT NULL DEFAULT '[]',
		context             TEXT NOT NULL DEFAULT '{}',
		created_at          TEXT NOT NULL,
		last_touched_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_thoughts_queue (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		context    TEXT NOT NULL DEFAULT '',
		priority   REAL NOT NULL DEFAULT 0.5,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS working_memory (
		key        TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_design_archive (
		design_id      TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		archived_at    TEXT NOT NULL,
		PRIMARY KEY (design_id, schema_version)
	);

	CREATE TABLE IF NOT EXISTS memory_eval_runs (
		id         TEXT PRIMARY KEY,
		report     TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_promotion_decisions (
		id                  TEXT PRIMARY KEY,
		eval_run_id         TEXT NOT NULL,
		baseline_design_id  TEXT NOT NULL,
		candidate_design_id TEXT NOT NULL,
		outcome             TEXT NOT NULL,
		rollback_design_id  TEXT NOT NULL,
		rollback_schema     INTEGER NOT NULL,
		created_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS persona_history (
		id                  TEXT PRIMARY KEY,
		trigger             TEXT NOT NULL,
		self_description    TEXT NOT NULL,
		inferred_trajectory TEXT,
		created_at          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS important_posts (
		id            TEXT PRIMARY KEY,
		source        TEXT NOT NULL,
		content       TEXT NOT NULL,
		why_important TEXT NOT NULL,
		score         REAL NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS character_cards (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		card_json  TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive upgrades for databases created by earlier builds.
	upgrades := []struct{ table, column, decl string }{
		{"chat_conversations", "active_turn_id", "TEXT"},
		{"chat_turns", "system_prompt_text", "TEXT NOT NULL DEFAULT ''"},
		{"chat_turn_tool_calls", "approved", "INTEGER NOT NULL DEFAULT 1"},
		{"ooda_turn_packets", "compacted", "INTEGER NOT NULL DEFAULT 0"},
		{"orientation_snapshots", "signature", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, u := range upgrades {
		if err := s.ensureColumn(u.table, u.column, u.decl); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if PRAGMA table_info shows it missing.
// There is no formal migration system; schema changes must be additive.
func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// GetState returns a value from the agent_state KV table, or "" when unset.
func (s *Store) GetState(key string) (string, error) {
	defer s.lock()()

	var value string
	err := s.db.QueryRow(`SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes a value into the agent_state KV table.
func (s *Store) SetState(key, value string) error {
	defer s.lock()()

	_, err := s.db.Exec(`
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetStateTime parses a stored RFC3339 timestamp. The zero time is
// returned when the key is unset or unparseable.
func (s *Store) GetStateTime(key string) (time.Time, error) {
	raw, err := s.GetState(key)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SetStateTime stores a timestamp as RFC3339 UTC.
func (s *Store) SetStateTime(key string, t time.Time) error {
	return s.SetState(key, t.UTC().Format(time.RFC3339))
}

// AppendActivityLog appends a line to the rolling daily activity log kept
// in agent_state under an activity_log:YYYY-MM-DD key.
func (s *Store) AppendActivityLog(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	key := "activity_log:" + time.Now().UTC().Format("2006-01-02")
	defer s.lock()()

	_, err := s.db.Exec(`
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = agent_state.value || char(10) || excluded.value
	`, key, line)
	if err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	return nil
}

// now returns the current UTC time with nanosecond precision so rows
// created inside the same second still sort by insertion order.
// RFC3339Nano output remains RFC3339-parseable.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
