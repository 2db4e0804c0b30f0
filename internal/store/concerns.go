package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Concern salience levels. Decay is monotone active → monitoring →
// background → dormant; only mention touch or an explicit signal moves
// salience back up.
const (
	SalienceActive     = "active"
	SalienceMonitoring = "monitoring"
	SalienceBackground = "background"
	SalienceDormant    = "dormant"
)

// Concern types.
const (
	ConcernProject      = "project"
	ConcernHousehold    = "household"
	ConcernSystemHealth = "system_health"
	ConcernInterest     = "interest"
	ConcernReminder     = "reminder"
	ConcernConversation = "conversation"
)

// Concern is a persistent topic the agent keeps track of.
type Concern struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Salience         string         `json:"salience"`
	Summary          string         `json:"summary"`
	PrivateNote      string         `json:"private_note,omitempty"`
	LinkedMemoryKeys []string       `json:"linked_memory_keys,omitempty"`
	Context          ConcernContext `json:"context"`
	CreatedAt        time.Time      `json:"created_at"`
	LastTouchedAt    time.Time      `json:"last_touched_at"`
}

// ConcernContext records how a concern came to be and what moved it.
type ConcernContext struct {
	HowItStarted     string   `json:"how_it_started,omitempty"`
	KeyEvents        []string `json:"key_events,omitempty"`
	LastUpdateReason string   `json:"last_update_reason,omitempty"`
}

// SaveConcern inserts or replaces a concern.
func (s *Store) SaveConcern(c *Concern) error {
	defer s.lock()()

	keys, err := json.Marshal(c.LinkedMemoryKeys)
	if err != nil {
		return fmt.Errorf("marshal memory keys: %w", err)
	}
	ctx, err := json.Marshal(c.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO concerns (id, concern_type, salience, summary, private_note,
			linked_memory_keys, context, created_at, last_touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			concern_type = excluded.concern_type,
			salience = excluded.salience,
			summary = excluded.summary,
			private_note = excluded.private_note,
			linked_memory_keys = excluded.linked_memory_keys,
			context = excluded.context,
			last_touched_at = excluded.last_touched_at
	`, c.ID, c.Type, c.Salience, c.Summary, c.PrivateNote, string(keys), string(ctx),
		c.CreatedAt.UTC().Format(time.RFC3339), c.LastTouchedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save concern: %w", err)
	}
	return nil
}

// GetConcern returns a concern by id, or nil.
func (s *Store) GetConcern(id string) (*Concern, error) {
	defer s.lock()()

	row := s.db.QueryRow(`
		SELECT id, concern_type, salience, summary, private_note,
		       linked_memory_keys, context, created_at, last_touched_at
		FROM concerns WHERE id = ?
	`, id)
	c, err := scanConcernRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// AllConcerns returns every concern, most recently touched first.
func (s *Store) AllConcerns() ([]Concern, error) {
	return s.queryConcerns(`
		SELECT id, concern_type, salience, summary, private_note,
		       linked_memory_keys, context, created_at, last_touched_at
		FROM concerns ORDER BY last_touched_at DESC
	`)
}

// LiveConcerns returns active and monitoring concerns, most recently
// touched first. Dormant and background concerns never surface here.
func (s *Store) LiveConcerns() ([]Concern, error) {
	return s.queryConcerns(`
		SELECT id, concern_type, salience, summary, private_note,
		       linked_memory_keys, context, created_at, last_touched_at
		FROM concerns WHERE salience IN ('active', 'monitoring')
		ORDER BY last_touched_at DESC
	`)
}

func (s *Store) queryConcerns(query string) ([]Concern, error) {
	defer s.lock()()

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query concerns: %w", err)
	}
	defer rows.Close()

	var out []Concern
	for rows.Next() {
		c, err := scanConcernRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConcernRow(scan func(...any) error) (*Concern, error) {
	var c Concern
	var keys, ctx, createdAt, touchedAt string
	err := scan(&c.ID, &c.Type, &c.Salience, &c.Summary, &c.PrivateNote,
		&keys, &ctx, &createdAt, &touchedAt)
	if err != nil {
		return nil, err
	}
	// Tolerate malformed stored JSON; the concern itself is still usable.
	_ = json.Unmarshal([]byte(keys), &c.LinkedMemoryKeys)
	_ = json.Unmarshal([]byte(ctx), &c.Context)
	c.CreatedAt = parseTime(createdAt)
	c.LastTouchedAt = parseTime(touchedAt)
	return &c, nil
}
