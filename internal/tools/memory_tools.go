package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/MLTQ/ponderer-backend/internal/memory"
)

// SearchMemoryTool queries working memory through the active backend.
type SearchMemoryTool struct {
	backend memory.Backend
}

func NewSearchMemoryTool(b memory.Backend) *SearchMemoryTool {
	return &SearchMemoryTool{backend: b}
}

func (t *SearchMemoryTool) Name() string { return "search_memory" }
func (t *SearchMemoryTool) Description() string {
	return "Search durable working memory for entries matching a query. Use before asking the operator something you may already know."
}
func (t *SearchMemoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search terms"},
			"limit": map[string]any{"type": "integer", "description": "Maximum results (default 5)"},
		},
		"required": []string{"query"},
	}
}
func (t *SearchMemoryTool) Category() Category     { return CategoryMemory }
func (t *SearchMemoryTool) RequiresApproval() bool { return false }

func (t *SearchMemoryTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	query := argString(args, "query")
	if query == "" {
		return ErrorOutput("query is required"), nil
	}
	limit := argInt(args, "limit", 5)

	entries, err := t.backend.Search(query, limit)
	if err != nil {
		return ErrorOutput("memory search failed: %v", err), nil
	}
	if len(entries) == 0 {
		return TextOutput("No matching memory entries."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d entr%s:\n", len(entries), plural(len(entries), "y", "ies"))
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Key, e.Content)
	}
	return TextOutput(strings.TrimRight(sb.String(), "\n")), nil
}

// WriteMemoryTool stores a durable note under a key.
type WriteMemoryTool struct {
	backend memory.Backend
}

func NewWriteMemoryTool(b memory.Backend) *WriteMemoryTool {
	return &WriteMemoryTool{backend: b}
}

func (t *WriteMemoryTool) Name() string { return "write_memory" }
func (t *WriteMemoryTool) Description() string {
	return "Write a durable working-memory note under a key. Overwrites any existing note with the same key."
}
func (t *WriteMemoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":     map[string]any{"type": "string", "description": "Stable kebab-case key"},
			"content": map[string]any{"type": "string", "description": "The note to remember"},
		},
		"required": []string{"key", "content"},
	}
}
func (t *WriteMemoryTool) Category() Category     { return CategoryMemory }
func (t *WriteMemoryTool) RequiresApproval() bool { return false }

func (t *WriteMemoryTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	key := argString(args, "key")
	content, _ := args["content"].(string)
	if key == "" || strings.TrimSpace(content) == "" {
		return ErrorOutput("key and content are required"), nil
	}
	if key == memory.SessionHandoffKey {
		return ErrorOutput("use write_session_handoff for the handoff note"), nil
	}
	if err := t.backend.Set(key, content); err != nil {
		return ErrorOutput("memory write failed: %v", err), nil
	}
	return TextOutput(fmt.Sprintf("Remembered under key %q.", key)), nil
}

// SessionHandoffTool overwrites the fixed session-handoff note that the
// next session's first prompt leads with.
type SessionHandoffTool struct {
	backend memory.Backend
}

func NewSessionHandoffTool(b memory.Backend) *SessionHandoffTool {
	return &SessionHandoffTool{backend: b}
}

func (t *SessionHandoffTool) Name() string { return "write_session_handoff" }
func (t *SessionHandoffTool) Description() string {
	return "Overwrite the session handoff note: a short message to your next session describing where things stand."
}
func (t *SessionHandoffTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The handoff note"},
		},
		"required": []string{"content"},
	}
}
func (t *SessionHandoffTool) Category() Category     { return CategoryMemory }
func (t *SessionHandoffTool) RequiresApproval() bool { return false }

func (t *SessionHandoffTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorOutput("content is required"), nil
	}
	if err := memory.WriteSessionHandoff(t.backend, content); err != nil {
		return ErrorOutput("handoff write failed: %v", err), nil
	}
	return TextOutput("Session handoff note updated."), nil
}

// ScratchpadTool is a read/write slot for intra-task notes that do not
// deserve durable keys.
type ScratchpadTool struct {
	backend memory.Backend
}

const scratchpadKey = "scratchpad"

func NewScratchpadTool(b memory.Backend) *ScratchpadTool {
	return &ScratchpadTool{backend: b}
}

func (t *ScratchpadTool) Name() string { return "scratchpad" }
func (t *ScratchpadTool) Description() string {
	return "Read or replace the scratchpad: a single free-form slot for in-progress task notes."
}
func (t *ScratchpadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":  map[string]any{"type": "string", "description": "read or write"},
			"content": map[string]any{"type": "string", "description": "New scratchpad content (write only)"},
		},
		"required": []string{"action"},
	}
}
func (t *ScratchpadTool) Category() Category     { return CategoryMemory }
func (t *ScratchpadTool) RequiresApproval() bool { return false }

func (t *ScratchpadTool) Execute(_ context.Context, args map[string]any, _ *Context) (Output, error) {
	switch strings.ToLower(argString(args, "action")) {
	case "read":
		entry, err := t.backend.Get(scratchpadKey)
		if err != nil {
			return ErrorOutput("scratchpad read failed: %v", err), nil
		}
		if entry == nil || strings.TrimSpace(entry.Content) == "" {
			return TextOutput("(scratchpad is empty)"), nil
		}
		return TextOutput(entry.Content), nil
	case "write":
		content, _ := args["content"].(string)
		if err := t.backend.Set(scratchpadKey, content); err != nil {
			return ErrorOutput("scratchpad write failed: %v", err), nil
		}
		return TextOutput("Scratchpad updated."), nil
	default:
		return ErrorOutput("action must be read or write"), nil
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
