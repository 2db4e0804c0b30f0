package memory

import (
	"fmt"
	"strings"
)

// WorkingMemoryContext renders the agent's working memory as a bounded
// prompt block. Entries beyond maxEntries or past maxChars are dropped;
// the session handoff note is excluded because the chat-turn manager
// injects it separately at the head of the bundle.
func WorkingMemoryContext(b Backend, maxEntries, maxChars int) string {
	if maxEntries <= 0 || maxChars <= 0 {
		return ""
	}
	entries, err := b.List()
	if err != nil || len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Working Memory\n\n")
	written := 0
	for _, e := range entries {
		if e.Key == SessionHandoffKey {
			continue
		}
		if written >= maxEntries {
			break
		}
		line := fmt.Sprintf("- %s: %s\n", e.Key, collapse(e.Content, 200))
		if sb.Len()+len(line) > maxChars {
			break
		}
		sb.WriteString(line)
		written++
	}
	if written == 0 {
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}

// collapse flattens newlines and truncates to max runes.
func collapse(s string, max int) string {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " ")), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
