package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OODAPacket is the per-turn Observe/Orient/Decide/Act record used to
// hydrate orientation and compaction prompts.
type OODAPacket struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id"`
	Observe   string    `json:"observe"`
	Orient    string    `json:"orient"`
	Decide    string    `json:"decide"`
	Act       string    `json:"act"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveOODAPacket persists a packet for a completed turn.
func (s *Store) SaveOODAPacket(p *OODAPacket) error {
	defer s.lock()()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO ooda_turn_packets (id, turn_id, observe, orient, decide, act, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TurnID, p.Observe, p.Orient, p.Decide, p.Act, now())
	if err != nil {
		return fmt.Errorf("save ooda packet: %w", err)
	}
	return nil
}

// LatestOODAPacket returns the newest packet, or nil.
func (s *Store) LatestOODAPacket() (*OODAPacket, error) {
	defer s.lock()()

	row := s.db.QueryRow(`
		SELECT id, turn_id, observe, orient, decide, act, created_at
		FROM ooda_turn_packets ORDER BY created_at DESC LIMIT 1
	`)
	var p OODAPacket
	var createdAt string
	err := row.Scan(&p.ID, &p.TurnID, &p.Observe, &p.Orient, &p.Decide, &p.Act, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest ooda packet: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// OODAPacketsForTurns returns packets for the given turns, oldest first.
// Used to synthesize the Recent Reasoning Digest during compaction.
func (s *Store) OODAPacketsForTurns(turnIDs []string) ([]OODAPacket, error) {
	if len(turnIDs) == 0 {
		return nil, nil
	}
	defer s.lock()()

	query := `
		SELECT id, turn_id, observe, orient, decide, act, created_at
		FROM ooda_turn_packets WHERE turn_id IN (`
	args := make([]any, len(turnIDs))
	for i, id := range turnIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ooda packets for turns: %w", err)
	}
	defer rows.Close()

	var out []OODAPacket
	for rows.Next() {
		var p OODAPacket
		var createdAt string
		if err := rows.Scan(&p.ID, &p.TurnID, &p.Observe, &p.Orient, &p.Decide, &p.Act, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkOODAPacketsCompacted flags packets as folded into a conversation
// summary so later compactions skip them.
func (s *Store) MarkOODAPacketsCompacted(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	defer s.lock()()

	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE ooda_turn_packets SET compacted = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark ooda compacted: %w", err)
		}
	}
	return nil
}
