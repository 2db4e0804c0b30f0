package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/store"
)

func TestJournalSkipReasons(t *testing.T) {
	now := time.Date(2026, 8, 6, 22, 0, 0, 0, time.UTC)
	minInterval := 300 * time.Second

	tests := []struct {
		name        string
		disposition string
		previous    string
		lastWritten time.Time
		want        JournalSkipReason
	}{
		{"not journal disposition", DispositionIdle, "", time.Time{}, JournalSkipDisposition},
		{"disposition unchanged", DispositionJournal, DispositionJournal, time.Time{}, JournalSkipUnchanged},
		{"interval not elapsed", DispositionJournal, DispositionIdle, now.Add(-2 * time.Minute), JournalSkipInterval},
		{"admitted after interval", DispositionJournal, DispositionIdle, now.Add(-10 * time.Minute), JournalWrite},
		{"admitted on first write", DispositionJournal, "", time.Time{}, JournalWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := journalSkipReason(now, tt.lastWritten, tt.disposition, tt.previous, minInterval)
			if got != tt.want {
				t.Errorf("journalSkipReason = %v, want %v", got, tt.want)
			}
		})
	}
}

func journalEngineServer(t *testing.T, body string) *JournalEngine {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": body},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(server.Close)
	return NewJournalEngine(llm.NewClient(server.URL, "", "m", nil), "m", nil)
}

func TestJournalEntryGeneration(t *testing.T) {
	engine := journalEngineServer(t, `{"should_write": true, "entry_type": "reflection",
		"content": "the house has been quiet; I have been tending the backlog",
		"related_concerns": ["backlog"], "mood_valence": 0.3, "mood_arousal": 0.2}`)

	orientation := heuristicOrientation(sampleInput(), "")
	concerns := []store.Concern{{ID: "c9", Summary: "tend the backlog"}}

	entry, err := engine.MaybeGenerateEntry(context.Background(), orientation, nil, concerns, 0)
	if err != nil || entry == nil {
		t.Fatalf("MaybeGenerateEntry: %v, %v", entry, err)
	}
	if entry.Type != store.JournalReflection {
		t.Errorf("Type = %q", entry.Type)
	}
	if len(entry.RelatedConcernIDs) != 1 || entry.RelatedConcernIDs[0] != "c9" {
		t.Errorf("RelatedConcernIDs = %v", entry.RelatedConcernIDs)
	}
	if entry.MoodValence == nil || *entry.MoodValence != 0.3 {
		t.Errorf("MoodValence = %v", entry.MoodValence)
	}
}

func TestJournalDeclinesAndMalformedBothSkip(t *testing.T) {
	orientation := heuristicOrientation(sampleInput(), "")

	declined := journalEngineServer(t, `{"should_write": false}`)
	if entry, err := declined.MaybeGenerateEntry(context.Background(), orientation, nil, nil, 0); err != nil || entry != nil {
		t.Errorf("declined = %v, %v, want nil, nil", entry, err)
	}

	malformed := journalEngineServer(t, "nothing to report today, no JSON from me")
	if entry, err := malformed.MaybeGenerateEntry(context.Background(), orientation, nil, nil, 0); err != nil || entry != nil {
		t.Errorf("malformed = %v, %v, want nil, nil (never a loop failure)", entry, err)
	}
}

func TestNormalizeJournalType(t *testing.T) {
	tests := map[string]string{
		"observation": store.JournalObservation,
		"reflection":  store.JournalReflection,
		"realization": store.JournalReflection,
		"note":        store.JournalNote,
		"intention":   store.JournalNote,
		"mood_note":   store.JournalMoodNote,
		"gratitude":   store.JournalMoodNote,
		"":            store.JournalObservation,
		"surprise":    store.JournalObservation,
	}
	for input, want := range tests {
		if got := normalizeJournalType(input); got != want {
			t.Errorf("normalizeJournalType(%q) = %q, want %q", input, got, want)
		}
	}
}
