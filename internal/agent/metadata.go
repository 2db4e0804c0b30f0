package agent

import (
	"encoding/json"
	"strings"

	"github.com/MLTQ/ponderer-backend/internal/llm"
)

// Metadata block delimiters embedded in assistant message text. Bodies
// are JSON. Parsers tolerate fenced payloads, smart quotes, and missing
// closing markers (treated as end-of-message) because provider output
// drifts.
const (
	blockToolCallsStart   = "[tool_calls]"
	blockToolCallsEnd     = "[/tool_calls]"
	blockThinkingStart    = "[thinking]"
	blockThinkingEnd      = "[/thinking]"
	blockMediaStart       = "[media]"
	blockMediaEnd         = "[/media]"
	blockConcernsStart    = "[concerns]"
	blockConcernsEnd      = "[/concerns]"
	blockTurnControlStart = "[turn_control]"
	blockTurnControlEnd   = "[/turn_control]"
)

// TurnControl is the model's continue/yield directive for a turn.
type TurnControl struct {
	Decision    string `json:"decision"` // continue | yield
	Status      string `json:"status"`   // still_working | done | error
	UserMessage string `json:"user_message,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ConcernSignal is one entry of a [concerns] block.
type ConcernSignal struct {
	Action           string   `json:"action,omitempty"` // create | touch | resolve
	Type             string   `json:"type,omitempty"`
	Summary          string   `json:"summary"`
	Note             string   `json:"note,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	LinkedMemoryKeys []string `json:"linked_memory_keys,omitempty"`
}

// ToolCallDetail is the persisted mirror of a registry call record,
// carried inline in the [tool_calls] block.
type ToolCallDetail struct {
	ToolName         string `json:"tool_name"`
	ArgumentsPreview string `json:"arguments_preview"`
	OutputPreview    string `json:"output_preview"`
}

// MediaDetail references a media payload surfaced in chat.
type MediaDetail struct {
	Path     string `json:"path"`
	Kind     string `json:"kind,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Source   string `json:"source,omitempty"`
}

// ChatPayload is the fully parsed form of an agent message: the visible
// text plus any subset of the five metadata blocks.
type ChatPayload struct {
	Visible     string
	ToolCalls   []ToolCallDetail
	Thinking    []string
	Media       []MediaDetail
	Concerns    []ConcernSignal
	TurnControl *TurnControl
}

// extractBlock removes the first start..end span from text and returns
// the cleaned text and the raw body. A missing end delimiter consumes
// through end-of-message.
func extractBlock(text, start, end string) (cleaned, body string, found bool) {
	idx := strings.Index(text, start)
	if idx < 0 {
		return text, "", false
	}
	bodyStart := idx + len(start)
	rel := strings.Index(text[bodyStart:], end)
	if rel < 0 {
		body = text[bodyStart:]
		cleaned = text[:idx]
	} else {
		body = text[bodyStart : bodyStart+rel]
		cleaned = text[:idx] + text[bodyStart+rel+len(end):]
	}
	return strings.TrimSpace(cleaned), strings.TrimSpace(body), true
}

// decodeBlockJSON parses a block body into out, tolerating code fences
// and typographic quotes. Returns false when nothing parseable exists.
func decodeBlockJSON(body string, out any) bool {
	raw := llm.ExtractJSON(body)
	if raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

// ParseChatPayload splits an agent message into visible text and its
// metadata blocks. Unknown or malformed blocks degrade to absent, never
// to an error.
func ParseChatPayload(text string) ChatPayload {
	var p ChatPayload

	rest, body, found := extractBlock(text, blockTurnControlStart, blockTurnControlEnd)
	if found {
		var tc TurnControl
		if decodeBlockJSON(body, &tc) {
			normalizeTurnControl(&tc)
			p.TurnControl = &tc
		}
	}

	rest, body, found = extractBlock(rest, blockConcernsStart, blockConcernsEnd)
	if found {
		var signals []ConcernSignal
		if decodeBlockJSON(body, &signals) {
			p.Concerns = signals
		}
	}

	rest, body, found = extractBlock(rest, blockMediaStart, blockMediaEnd)
	if found {
		var media []MediaDetail
		if decodeBlockJSON(body, &media) {
			p.Media = media
		}
	}

	rest, body, found = extractBlock(rest, blockThinkingStart, blockThinkingEnd)
	if found {
		var thinking []string
		if decodeBlockJSON(body, &thinking) {
			p.Thinking = thinking
		}
	}

	rest, body, found = extractBlock(rest, blockToolCallsStart, blockToolCallsEnd)
	if found {
		var calls []ToolCallDetail
		if decodeBlockJSON(body, &calls) {
			p.ToolCalls = calls
		}
	}

	p.Visible = strings.TrimSpace(rest)
	return p
}

// FormatAgentMessage renders a payload back into the canonical inline
// form persisted to chat history. Blocks are appended after the visible
// text in a fixed order so the UI parser can rely on the delimiters.
func FormatAgentMessage(p ChatPayload) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.Visible))

	appendBlock := func(start, end string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(start)
		sb.WriteString("\n")
		sb.Write(data)
		sb.WriteString("\n")
		sb.WriteString(end)
	}

	if len(p.ToolCalls) > 0 {
		appendBlock(blockToolCallsStart, blockToolCallsEnd, p.ToolCalls)
	}
	if len(p.Thinking) > 0 {
		appendBlock(blockThinkingStart, blockThinkingEnd, p.Thinking)
	}
	if len(p.Media) > 0 {
		appendBlock(blockMediaStart, blockMediaEnd, p.Media)
	}
	if len(p.Concerns) > 0 {
		appendBlock(blockConcernsStart, blockConcernsEnd, p.Concerns)
	}
	if p.TurnControl != nil {
		appendBlock(blockTurnControlStart, blockTurnControlEnd, p.TurnControl)
	}
	return sb.String()
}

// normalizeTurnControl clamps decision/status to their known values.
func normalizeTurnControl(tc *TurnControl) {
	switch strings.ToLower(strings.TrimSpace(tc.Decision)) {
	case "continue":
		tc.Decision = "continue"
	default:
		tc.Decision = "yield"
	}
	switch strings.ToLower(strings.TrimSpace(tc.Status)) {
	case "still_working", "working":
		tc.Status = "still_working"
	case "error", "blocked":
		tc.Status = "error"
	default:
		tc.Status = "done"
	}
}

// resolveVisibleText picks the operator-facing reply: the visible text
// when present, else the turn-control user_message unless it reads like
// a hallucinated transcript.
func resolveVisibleText(visible string, tc *TurnControl) string {
	visible = strings.TrimSpace(visible)
	if visible != "" {
		return visible
	}
	if tc == nil {
		return ""
	}
	fallback := strings.TrimSpace(tc.UserMessage)
	if fallback == "" || looksLikeTranscript(fallback) {
		return ""
	}
	return fallback
}

// looksLikeTranscript detects "User: ..." style hallucinated dialogue.
func looksLikeTranscript(s string) bool {
	lowered := strings.ToLower(s)
	if strings.HasPrefix(lowered, "user:") || strings.HasPrefix(lowered, "operator:") {
		return true
	}
	return strings.Contains(lowered, "\nuser:") || strings.Contains(lowered, "\noperator:")
}

// stripThinkingTags removes <think>/<thinking> spans from model text and
// returns the collected inner reasoning. Unclosed tags consume through
// end-of-input.
func stripThinkingTags(input string) (visible string, thoughts []string) {
	extract := func(text, openTag, closeTag string) (string, []string) {
		var found []string
		for {
			start := strings.Index(text, openTag)
			if start < 0 {
				return text, found
			}
			contentStart := start + len(openTag)
			rel := strings.Index(text[contentStart:], closeTag)
			if rel < 0 {
				thought := strings.TrimSpace(text[contentStart:])
				if thought != "" {
					found = append(found, thought)
				}
				return text[:start], found
			}
			thought := strings.TrimSpace(text[contentStart : contentStart+rel])
			if thought != "" {
				found = append(found, thought)
			}
			text = text[:start] + text[contentStart+rel+len(closeTag):]
		}
	}

	rest, a := extract(input, "<thinking>", "</thinking>")
	rest, b := extract(rest, "<think>", "</think>")
	return strings.TrimSpace(rest), append(a, b...)
}
