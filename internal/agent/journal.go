package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/store"
)

// JournalSkipReason explains why the journal engine declined to write.
type JournalSkipReason int

const (
	// JournalWrite means no gate fired; an entry may be generated.
	JournalWrite JournalSkipReason = iota
	// JournalSkipDisposition: orientation is not in journal mode.
	JournalSkipDisposition
	// JournalSkipUnchanged: disposition did not change since last tick.
	JournalSkipUnchanged
	// JournalSkipInterval: minimum interval not yet elapsed.
	JournalSkipInterval
)

// journalSkipReason applies the three gates in order: disposition must be
// journal, disposition must have changed since the prior tick, and the
// minimum interval must have elapsed since the last written entry.
func journalSkipReason(now time.Time, lastWritten time.Time, disposition, previousDisposition string, minInterval time.Duration) JournalSkipReason {
	if disposition != DispositionJournal {
		return JournalSkipDisposition
	}
	if previousDisposition == DispositionJournal {
		return JournalSkipUnchanged
	}
	if !lastWritten.IsZero() && now.Sub(lastWritten) < minInterval {
		return JournalSkipInterval
	}
	return JournalWrite
}

// JournalEngine generates private inner-monologue entries.
type JournalEngine struct {
	client *llm.Client
	model  string
	logger *slog.Logger
}

// NewJournalEngine builds the engine.
func NewJournalEngine(client *llm.Client, model string, logger *slog.Logger) *JournalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalEngine{client: client, model: model, logger: logger}
}

type journalLLMResponse struct {
	ShouldWrite     *bool    `json:"should_write"`
	EntryType       string   `json:"entry_type"`
	Content         string   `json:"content"`
	RelatedConcerns []string `json:"related_concerns"`
	MoodValence     *float64 `json:"mood_valence"`
	MoodArousal     *float64 `json:"mood_arousal"`
}

// MaybeGenerateEntry asks the model for an entry. A nil return with nil
// error means the model declined or produced something unusable; journal
// failures never propagate to the loop.
func (e *JournalEngine) MaybeGenerateEntry(ctx context.Context, orientation *Orientation, recent []store.JournalEntry, concerns []store.Concern, pendingEvents int) (*store.JournalEntry, error) {
	messages := []llm.Message{
		{Role: "system", Content: "You are writing a private internal journal entry for a desktop companion agent. Return strict JSON only."},
		{Role: "user", Content: buildJournalPrompt(orientation, recent, concerns, pendingEvents)},
	}

	var resp journalLLMResponse
	if err := e.client.GenerateJSON(ctx, messages, e.model, &resp); err != nil {
		e.logger.Debug("journal generation parse failed, skipping entry", "error", err)
		return nil, nil
	}

	if resp.ShouldWrite != nil && !*resp.ShouldWrite {
		return nil, nil
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, nil
	}

	entry := &store.JournalEntry{
		ID:                uuid.NewString(),
		Type:              normalizeJournalType(resp.EntryType),
		Content:           content,
		RelatedConcernIDs: matchConcernIDs(resp.RelatedConcerns, concerns),
		MoodValence:       resp.MoodValence,
		MoodArousal:       resp.MoodArousal,
		Context: store.JournalContext{
			Trigger:         "disposition=journal",
			UserStateAtTime: orientation.UserState.Level,
			TimeOfDay:       timeOfDayLabel(orientation.GeneratedAt),
		},
		CreatedAt: time.Now().UTC(),
	}
	return entry, nil
}

func buildJournalPrompt(orientation *Orientation, recent []store.JournalEntry, concerns []store.Concern, pendingEvents int) string {
	var sb strings.Builder
	sb.WriteString("Write one short private journal entry if there is something genuinely worth noting.\n\n")
	fmt.Fprintf(&sb, "## Current Orientation\ndisposition=%s user=%s mood_valence=%.2f\nnarrative: %s\n\n",
		orientation.Disposition, orientation.UserState.Level, orientation.Mood.Valence,
		collapseText(orientation.Narrative, 220))

	sb.WriteString("## Recent Entries (avoid repeating these)\n")
	if len(recent) == 0 {
		sb.WriteString("None\n")
	}
	for i, entry := range recent {
		if i >= 6 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", entry.Type, collapseText(entry.Content, 120))
	}

	sb.WriteString("\n## Concern Updates\n")
	if len(concerns) == 0 {
		sb.WriteString("None\n")
	}
	for i, concern := range concerns {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", concern.Salience, concern.Summary)
	}

	fmt.Fprintf(&sb, "\n## Recent Events\n%d pending external event(s)\n\n", pendingEvents)
	sb.WriteString("Return JSON: {\"should_write\": true|false, \"entry_type\": \"observation|reflection|note|mood_note\", ")
	sb.WriteString("\"content\": \"...\", \"related_concerns\": [\"summary fragments\"], \"mood_valence\": -1..1, \"mood_arousal\": 0..1}")
	return sb.String()
}

func normalizeJournalType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reflection", "realization", "question":
		return store.JournalReflection
	case "note", "intention", "memory":
		return store.JournalNote
	case "mood_note", "mood", "gratitude", "frustration":
		return store.JournalMoodNote
	default:
		return store.JournalObservation
	}
}

// matchConcernIDs maps summary fragments back to concern ids.
func matchConcernIDs(fragments []string, concerns []store.Concern) []string {
	var ids []string
	for _, fragment := range fragments {
		probe := strings.ToLower(strings.TrimSpace(fragment))
		if probe == "" {
			continue
		}
		for _, concern := range concerns {
			if strings.Contains(strings.ToLower(concern.Summary), probe) ||
				strings.Contains(probe, strings.ToLower(concern.Summary)) {
				ids = append(ids, concern.ID)
				break
			}
		}
	}
	return ids
}

func timeOfDayLabel(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 6:
		return "late_night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
