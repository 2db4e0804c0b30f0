package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runtime states for a conversation.
const (
	RuntimeIdle             = "idle"
	RuntimeProcessing       = "processing"
	RuntimeAwaitingApproval = "awaiting_approval"
	RuntimeFailed           = "failed"
)

// Conversation is one operator/agent thread.
type Conversation struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Title        string    `json:"title"`
	RuntimeState string    `json:"runtime_state"`
	ActiveTurnID string    `json:"active_turn_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one chat message. Only yielded agent turns append agent
// messages; intermediate autonomous turns never do.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // operator, agent, system
	Content        string    `json:"content"`
	Processed      bool      `json:"processed"`
	TurnID         string    `json:"turn_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is the compaction snapshot for a conversation.
type ConversationSummary struct {
	ConversationID         string    `json:"conversation_id"`
	SummaryText            string    `json:"summary_text"`
	SummarizedMessageCount int       `json:"summarized_message_count"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CreateConversation inserts a new conversation and returns it.
func (s *Store) CreateConversation(title string) (*Conversation, error) {
	defer s.lock()()

	conv := &Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		RuntimeState: RuntimeIdle,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_conversations (id, session_id, title, runtime_state, created_at, updated_at)
		VALUES (?, '', ?, ?, ?, ?)
	`, conv.ID, conv.Title, conv.RuntimeState,
		conv.CreatedAt.Format(time.RFC3339), conv.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation by id, or nil if absent.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	defer s.lock()()
	return s.getConversationLocked(id)
}

func (s *Store) getConversationLocked(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, title, runtime_state, COALESCE(active_turn_id, ''), created_at, updated_at
		FROM chat_conversations WHERE id = ?
	`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.SessionID, &c.Title, &c.RuntimeState, &c.ActiveTurnID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ListConversations returns the most recently updated conversations.
func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, session_id, title, runtime_state, COALESCE(active_turn_id, ''), created_at, updated_at
		FROM chat_conversations ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Title, &c.RuntimeState, &c.ActiveTurnID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConversationRuntime updates runtime_state and active_turn_id together.
// activeTurnID is cleared when empty, honoring the invariant that terminal
// turn phases clear the conversation's active turn.
func (s *Store) SetConversationRuntime(id, state, activeTurnID string) error {
	defer s.lock()()

	var active any
	if activeTurnID != "" {
		active = activeTurnID
	}
	_, err := s.db.Exec(`
		UPDATE chat_conversations
		SET runtime_state = ?, active_turn_id = ?, updated_at = ?
		WHERE id = ?
	`, state, active, now(), id)
	if err != nil {
		return fmt.Errorf("set runtime state: %w", err)
	}
	return nil
}

// AddMessage appends a message to a conversation. turnID may be empty for
// operator and system messages.
func (s *Store) AddMessage(conversationID, role, content, turnID string) (string, error) {
	defer s.lock()()

	// Ensure the conversation exists so direct operator posts to a fresh
	// id do not dangle.
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO chat_conversations (id, session_id, title, runtime_state, created_at, updated_at)
		VALUES (?, '', '', ?, ?, ?)
	`, conversationID, RuntimeIdle, now(), now())
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}

	id, _ := uuid.NewV7()
	var turn any
	if turnID != "" {
		turn = turnID
	}
	_, err = s.db.Exec(`
		INSERT INTO chat_messages (id, conversation_id, role, content, processed, turn_id, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, id.String(), conversationID, role, content, turn, now())
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE chat_conversations SET updated_at = ? WHERE id = ?`, now(), conversationID)
	if err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}
	return id.String(), nil
}

// MarkMessageProcessed flags an operator message as consumed by a turn.
func (s *Store) MarkMessageProcessed(id string) error {
	defer s.lock()()

	_, err := s.db.Exec(`UPDATE chat_messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// UnprocessedOperatorMessages returns operator messages not yet consumed,
// oldest first, across all conversations.
func (s *Store) UnprocessedOperatorMessages() ([]Message, error) {
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, processed, COALESCE(turn_id, ''), created_at
		FROM chat_messages
		WHERE role = 'operator' AND processed = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("unprocessed messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Messages returns the most recent messages for a conversation in
// chronological order.
func (s *Store) Messages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, processed, COALESCE(turn_id, ''), created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// HistorySlice returns up to limit messages older than the most recent
// skipRecent messages, chronological order. Used for compaction.
func (s *Store) HistorySlice(conversationID string, skipRecent, limit int) ([]Message, error) {
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, processed, COALESCE(turn_id, ''), created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ? OFFSET ?
		) ORDER BY created_at ASC
	`, conversationID, limit, skipRecent)
	if err != nil {
		return nil, fmt.Errorf("history slice: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(conversationID string) (int, error) {
	defer s.lock()()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var processed int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &processed, &m.TurnID, &createdAt); err != nil {
			return nil, err
		}
		m.Processed = processed != 0
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertConversationSummary replaces the compaction snapshot.
func (s *Store) UpsertConversationSummary(conversationID, summaryText string, coveredCount int) error {
	defer s.lock()()

	_, err := s.db.Exec(`
		INSERT INTO chat_conversation_summaries (conversation_id, summary_text, summarized_message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			summary_text = excluded.summary_text,
			summarized_message_count = excluded.summarized_message_count,
			updated_at = excluded.updated_at
	`, conversationID, summaryText, coveredCount, now())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// ConversationSummarySnapshot returns the summary, or nil when absent.
func (s *Store) ConversationSummarySnapshot(conversationID string) (*ConversationSummary, error) {
	defer s.lock()()

	var cs ConversationSummary
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT conversation_id, summary_text, summarized_message_count, updated_at
		FROM chat_conversation_summaries WHERE conversation_id = ?
	`, conversationID).Scan(&cs.ConversationID, &cs.SummaryText, &cs.SummarizedMessageCount, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	cs.UpdatedAt = parseTime(updatedAt)
	return &cs, nil
}
