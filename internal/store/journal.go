package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Journal entry types.
const (
	JournalObservation = "observation"
	JournalReflection  = "reflection"
	JournalNote        = "note"
	JournalMoodNote    = "mood_note"
)

// JournalEntry is a private inner-life note captured by the agent.
type JournalEntry struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Content           string         `json:"content"`
	RelatedConcernIDs []string       `json:"related_concern_ids,omitempty"`
	MoodValence       *float64       `json:"mood_valence,omitempty"`
	MoodArousal       *float64       `json:"mood_arousal,omitempty"`
	Context           JournalContext `json:"context"`
	CreatedAt         time.Time      `json:"created_at"`
}

// JournalContext records the circumstances of an entry.
type JournalContext struct {
	Trigger         string `json:"trigger,omitempty"`
	UserStateAtTime string `json:"user_state_at_time,omitempty"`
	TimeOfDay       string `json:"time_of_day,omitempty"`
}

// AddJournalEntry persists one entry.
func (s *Store) AddJournalEntry(e *JournalEntry) error {
	defer s.lock()()

	related, err := json.Marshal(e.RelatedConcernIDs)
	if err != nil {
		return fmt.Errorf("marshal related concerns: %w", err)
	}
	ctx, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal journal context: %w", err)
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO journal_entries (id, entry_type, content, related_concern_ids,
			mood_valence, mood_arousal, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, e.Content, string(related), e.MoodValence, e.MoodArousal,
		string(ctx), created.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add journal entry: %w", err)
	}
	return nil
}

// RecentJournal returns the newest entries, newest first.
func (s *Store) RecentJournal(limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 8
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, entry_type, content, related_concern_ids, mood_valence, mood_arousal, context, created_at
		FROM journal_entries ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var related, ctx, createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Content, &related,
			&e.MoodValence, &e.MoodArousal, &ctx, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(related), &e.RelatedConcernIDs)
		_ = json.Unmarshal([]byte(ctx), &e.Context)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
