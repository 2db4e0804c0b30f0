package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PersonaSnapshot records a self-description at a point in time plus the
// trajectory inferred from history.
type PersonaSnapshot struct {
	ID                 string    `json:"id"`
	Trigger            string    `json:"trigger"`
	SelfDescription    string    `json:"self_description"`
	InferredTrajectory string    `json:"inferred_trajectory,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ImportantPost is an external item the agent judged formative.
type ImportantPost struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Content      string    `json:"content"`
	WhyImportant string    `json:"why_important"`
	Score        float64   `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}

// SavePersonaSnapshot persists a snapshot.
func (s *Store) SavePersonaSnapshot(p *PersonaSnapshot) error {
	defer s.lock()()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var traj any
	if p.InferredTrajectory != "" {
		traj = p.InferredTrajectory
	}
	_, err := s.db.Exec(`
		INSERT INTO persona_history (id, trigger, self_description, inferred_trajectory, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			inferred_trajectory = excluded.inferred_trajectory
	`, p.ID, p.Trigger, p.SelfDescription, traj, now())
	if err != nil {
		return fmt.Errorf("save persona snapshot: %w", err)
	}
	return nil
}

// PersonaHistory returns the newest snapshots, newest first.
func (s *Store) PersonaHistory(limit int) ([]PersonaSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, trigger, self_description, COALESCE(inferred_trajectory, ''), created_at
		FROM persona_history ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("persona history: %w", err)
	}
	defer rows.Close()

	var out []PersonaSnapshot
	for rows.Next() {
		var p PersonaSnapshot
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Trigger, &p.SelfDescription, &p.InferredTrajectory, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPersona returns the most recent snapshot, or nil.
func (s *Store) LatestPersona() (*PersonaSnapshot, error) {
	history, err := s.PersonaHistory(1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[0], nil
}

// CountPersonaSnapshots returns the snapshot count.
func (s *Store) CountPersonaSnapshots() (int, error) {
	defer s.lock()()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM persona_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count persona snapshots: %w", err)
	}
	return n, nil
}

// SaveImportantPost records a formative external item.
func (s *Store) SaveImportantPost(p *ImportantPost) error {
	defer s.lock()()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO important_posts (id, source, content, why_important, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Source, p.Content, p.WhyImportant, p.Score, now())
	if err != nil {
		return fmt.Errorf("save important post: %w", err)
	}
	return nil
}

// RecentImportantPosts returns the newest items, newest first.
func (s *Store) RecentImportantPosts(limit int) ([]ImportantPost, error) {
	if limit <= 0 {
		limit = 5
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, source, content, why_important, score, created_at
		FROM important_posts ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent important posts: %w", err)
	}
	defer rows.Close()

	var out []ImportantPost
	for rows.Next() {
		var p ImportantPost
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Source, &p.Content, &p.WhyImportant, &p.Score, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PendingThought is a queued idea surfaced by orientation for later ticks.
type PendingThought struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Context   string    `json:"context,omitempty"`
	Priority  float64   `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// EnqueuePendingThought stores a thought for a later tick.
func (s *Store) EnqueuePendingThought(t *PendingThought) error {
	defer s.lock()()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO pending_thoughts_queue (id, content, context, priority, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Content, t.Context, t.Priority, now())
	if err != nil {
		return fmt.Errorf("enqueue pending thought: %w", err)
	}
	return nil
}

// PendingThoughts returns queued thoughts by priority then recency.
func (s *Store) PendingThoughts(limit int) ([]PendingThought, error) {
	if limit <= 0 {
		limit = 12
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, content, context, priority, created_at
		FROM pending_thoughts_queue ORDER BY priority DESC, created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending thoughts: %w", err)
	}
	defer rows.Close()

	var out []PendingThought
	for rows.Next() {
		var t PendingThought
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Content, &t.Context, &t.Priority, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeletePendingThought removes a consumed thought.
func (s *Store) DeletePendingThought(id string) error {
	defer s.lock()()

	_, err := s.db.Exec(`DELETE FROM pending_thoughts_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending thought: %w", err)
	}
	return nil
}
