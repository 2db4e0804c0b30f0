package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn phases. A turn reaches a terminal phase (completed, failed,
// awaiting_approval) exactly once.
const (
	PhaseIdle             = "idle"
	PhaseProcessing       = "processing"
	PhaseCompleted        = "completed"
	PhaseAwaitingApproval = "awaiting_approval"
	PhaseFailed           = "failed"
)

// Turn decisions and statuses, mirroring the turn-control block.
const (
	DecisionContinue = "continue"
	DecisionYield    = "yield"

	StatusStillWorking = "still_working"
	StatusDone         = "done"
	StatusError        = "error"
)

// BackgroundIterationBase is the iteration number of the first turn run
// by a background subtask. Foreground turns count 1..N.
const BackgroundIterationBase = 100

// Turn is one autonomous pass over a conversation.
type Turn struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	Iteration        int        `json:"iteration"`
	Phase            string     `json:"phase"`
	Decision         string     `json:"decision"`
	Status           string     `json:"status"`
	PromptText       string     `json:"prompt_text,omitempty"`
	SystemPromptText string     `json:"system_prompt_text,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ToolCallRecord is the persisted lineage of one tool invocation inside a
// turn. Records are append-only and never mutated after the parent turn
// completes.
type ToolCallRecord struct {
	ID            string    `json:"id"`
	TurnID        string    `json:"turn_id"`
	Seq           int       `json:"seq"`
	ToolName      string    `json:"tool_name"`
	InputJSON     string    `json:"input_json"`
	OutputPreview string    `json:"output_preview"`
	Approved      bool      `json:"approved"`
	CreatedAt     time.Time `json:"created_at"`
}

// BeginTurn persists a new processing turn and marks it as the
// conversation's active turn.
func (s *Store) BeginTurn(conversationID string, iteration int, promptText, systemPromptText string) (string, error) {
	defer s.lock()()

	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO chat_turns (id, conversation_id, iteration, phase, prompt_text, system_prompt_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, iteration, PhaseProcessing, promptText, systemPromptText, now())
	if err != nil {
		return "", fmt.Errorf("begin turn: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE chat_conversations
		SET runtime_state = ?, active_turn_id = ?, updated_at = ?
		WHERE id = ?
	`, RuntimeProcessing, id, now(), conversationID)
	if err != nil {
		return "", fmt.Errorf("mark active turn: %w", err)
	}
	return id, nil
}

// CompleteTurn moves a turn to a terminal phase, records decision/status,
// and clears the conversation's active turn. The conversation runtime
// state follows the phase: completed → idle, awaiting_approval stays
// visible, failed → failed.
func (s *Store) CompleteTurn(turnID, phase, decision, status string) error {
	defer s.lock()()
	return s.completeTurnLocked(turnID, phase, decision, status, "")
}

// FailTurn marks a turn failed with an error message and clears the
// conversation's active turn.
func (s *Store) FailTurn(turnID, errMsg string) error {
	defer s.lock()()
	return s.completeTurnLocked(turnID, PhaseFailed, DecisionYield, StatusError, errMsg)
}

func (s *Store) completeTurnLocked(turnID, phase, decision, status, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := s.db.Exec(`
		UPDATE chat_turns
		SET phase = ?, decision = ?, status = ?, error = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`, phase, decision, status, errVal, now(), turnID)
	if err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %s already terminal", turnID)
	}

	runtime := RuntimeIdle
	switch phase {
	case PhaseAwaitingApproval:
		runtime = RuntimeAwaitingApproval
	case PhaseFailed:
		runtime = RuntimeFailed
	}

	var active any // awaiting_approval keeps the turn linked for resume
	if phase == PhaseAwaitingApproval {
		active = turnID
	}
	_, err = s.db.Exec(`
		UPDATE chat_conversations
		SET runtime_state = ?, active_turn_id = ?, updated_at = ?
		WHERE id = (SELECT conversation_id FROM chat_turns WHERE id = ?)
	`, runtime, active, now(), turnID)
	if err != nil {
		return fmt.Errorf("clear active turn: %w", err)
	}
	return nil
}

// GetTurn returns a turn by id, or nil.
func (s *Store) GetTurn(id string) (*Turn, error) {
	defer s.lock()()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, iteration, phase, decision, status,
		       prompt_text, system_prompt_text, COALESCE(error, ''), created_at, completed_at
		FROM chat_turns WHERE id = ?
	`, id)
	return scanTurn(row)
}

func scanTurn(row *sql.Row) (*Turn, error) {
	var t Turn
	var createdAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ConversationID, &t.Iteration, &t.Phase, &t.Decision, &t.Status,
		&t.PromptText, &t.SystemPromptText, &t.Error, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		ct := parseTime(completedAt.String)
		t.CompletedAt = &ct
	}
	return &t, nil
}

// ListTurns returns the most recent turns of a conversation, newest first.
// Prompt texts are omitted; fetch them via TurnPrompt.
func (s *Store) ListTurns(conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, iteration, phase, decision, status,
		       COALESCE(error, ''), created_at, completed_at
		FROM chat_turns WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Iteration, &t.Phase, &t.Decision,
			&t.Status, &t.Error, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		if completedAt.Valid {
			ct := parseTime(completedAt.String)
			t.CompletedAt = &ct
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TurnPrompt returns the stored prompt and system prompt for a turn.
func (s *Store) TurnPrompt(turnID string) (promptText, systemPromptText string, err error) {
	defer s.lock()()

	err = s.db.QueryRow(`
		SELECT prompt_text, system_prompt_text FROM chat_turns WHERE id = ?
	`, turnID).Scan(&promptText, &systemPromptText)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("turn %s not found", turnID)
	}
	if err != nil {
		return "", "", fmt.Errorf("turn prompt: %w", err)
	}
	return promptText, systemPromptText, nil
}

// RecordTurnToolCall appends one tool-call record to a turn's lineage.
func (s *Store) RecordTurnToolCall(turnID string, seq int, toolName, inputJSON, outputPreview string, approved bool) error {
	defer s.lock()()

	approvedInt := 0
	if approved {
		approvedInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_turn_tool_calls (id, turn_id, seq, tool_name, input_json, output_preview, approved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), turnID, seq, toolName, inputJSON, outputPreview, approvedInt, now())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// TurnToolCalls returns a turn's tool-call lineage in execution order.
func (s *Store) TurnToolCalls(turnID string) ([]ToolCallRecord, error) {
	defer s.lock()()

	rows, err := s.db.Query(`
		SELECT id, turn_id, seq, tool_name, input_json, output_preview, approved, created_at
		FROM chat_turn_tool_calls WHERE turn_id = ? ORDER BY seq ASC
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("turn tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var approved int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.TurnID, &r.Seq, &r.ToolName, &r.InputJSON,
			&r.OutputPreview, &approved, &createdAt); err != nil {
			return nil, err
		}
		r.Approved = approved != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
