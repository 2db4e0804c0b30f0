package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateJSON runs a non-streaming completion and unmarshals the reply
// into out. Providers rarely return bare JSON on request, so extraction
// tolerates fenced code blocks, leading or trailing prose, and smart
// quotes around keys.
func (c *Client) GenerateJSON(ctx context.Context, messages []Message, model string, out any) error {
	req := Request{Model: model, Messages: messages}
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return err
	}

	raw := ExtractJSON(resp.Message.Content)
	if raw == "" {
		return fmt.Errorf("no JSON found in model response")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}

// ExtractJSON pulls the first JSON object or array out of free text.
// Handles ```json fences, surrounding prose, and typographic quotes.
func ExtractJSON(text string) string {
	text = normalizeQuotes(text)

	// Prefer a fenced block when present.
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if candidate := firstBalancedJSON(rest); candidate != "" {
			return candidate
		}
	}

	return firstBalancedJSON(text)
}

// firstBalancedJSON finds the first balanced {...} or [...] span,
// string-aware. An unterminated span is returned as-is up to the end of
// input; json.Unmarshal will reject it if truly broken.
func firstBalancedJSON(text string) string {
	start := -1
	var opener, closer rune
	for i, r := range text {
		if r == '{' {
			start, opener, closer = i, '{', '}'
			break
		}
		if r == '[' {
			start, opener, closer = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i, r := range text[start:] {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case !inString && r == opener:
			depth++
		case !inString && r == closer:
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : start+i+1])
			}
		}
	}
	// Missing closer: treat end-of-message as the close.
	return strings.TrimSpace(text[start:])
}

// normalizeQuotes replaces typographic quotes with ASCII ones so JSON
// produced by chat-tuned models still parses.
func normalizeQuotes(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	return replacer.Replace(s)
}
