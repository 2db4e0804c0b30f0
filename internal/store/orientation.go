package store

import (
	"database/sql"
	"fmt"
	"time"
)

// OrientationSnapshot is the persisted form of one orientation synthesis.
// user_state, salience_map, and anomalies are stored as JSON produced by
// the orientation engine; the store does not interpret them.
type OrientationSnapshot struct {
	ID          string    `json:"id"`
	CapturedAt  time.Time `json:"captured_at"`
	Disposition string    `json:"disposition"`
	UserState   string    `json:"user_state"`
	SalienceMap string    `json:"salience_map"`
	Anomalies   string    `json:"anomalies"`
	MoodValence *float64  `json:"mood_valence,omitempty"`
	MoodArousal *float64  `json:"mood_arousal,omitempty"`
	Narrative   string    `json:"narrative"`
	Signature   string    `json:"signature"`
}

// SaveOrientationSnapshot persists one snapshot.
func (s *Store) SaveOrientationSnapshot(o *OrientationSnapshot) error {
	defer s.lock()()

	captured := o.CapturedAt
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO orientation_snapshots (id, captured_at, disposition, user_state,
			salience_map, anomalies, mood_valence, mood_arousal, narrative, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, captured.UTC().Format(time.RFC3339), o.Disposition, o.UserState,
		o.SalienceMap, o.Anomalies, o.MoodValence, o.MoodArousal, o.Narrative, o.Signature)
	if err != nil {
		return fmt.Errorf("save orientation snapshot: %w", err)
	}
	return nil
}

// LatestOrientationSnapshot returns the most recent snapshot, or nil.
func (s *Store) LatestOrientationSnapshot() (*OrientationSnapshot, error) {
	defer s.lock()()

	row := s.db.QueryRow(`
		SELECT id, captured_at, disposition, user_state, salience_map, anomalies,
		       mood_valence, mood_arousal, narrative, signature
		FROM orientation_snapshots ORDER BY captured_at DESC LIMIT 1
	`)

	var o OrientationSnapshot
	var capturedAt string
	err := row.Scan(&o.ID, &capturedAt, &o.Disposition, &o.UserState, &o.SalienceMap,
		&o.Anomalies, &o.MoodValence, &o.MoodArousal, &o.Narrative, &o.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest orientation: %w", err)
	}
	o.CapturedAt = parseTime(capturedAt)
	return &o, nil
}
